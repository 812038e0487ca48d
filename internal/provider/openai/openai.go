package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

const ProviderName = "openai"

var Fields = provider.FieldMap{MaxTokens: "max_tokens"}

type Adapter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
	loadTok    provider.TokenizerLoader
	tokens     *provider.TokenCounter
	connected  bool
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Seed        *int            `json:"seed,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type Option func(*Adapter)

// WithBaseURL points the adapter at any OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) {
		if baseURL != "" {
			a.baseURL = baseURL
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func WithTokenizerLoader(load provider.TokenizerLoader) Option {
	return func(a *Adapter) { a.loadTok = load }
}

func New(apiKey, model string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      model,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.tokens = provider.NewTokenCounter(model, a.loadTok, a.logger)
	return a
}

func (a *Adapter) Name() string {
	return ProviderName
}

func (a *Adapter) ModelID() string {
	return a.model
}

func (a *Adapter) CreateConnection(ctx context.Context) error {
	if a.apiKey == "" {
		return &provider.ConfigError{Provider: ProviderName, Message: "OpenAI API key is missing"}
	}
	a.connected = true
	return nil
}

func (a *Adapter) CountTokens(text string) int {
	return a.tokens.Count(text)
}

func (a *Adapter) Invoke(ctx context.Context, params provider.Params) (*provider.RawOutput, error) {
	if prompt, _ := params[provider.ParamPrompt].(string); prompt == "" {
		return nil, &provider.InvalidPromptError{Provider: ProviderName, Model: a.model}
	}
	if !a.connected {
		return nil, &provider.ConfigError{Provider: ProviderName, Message: "connection not created"}
	}

	timeout := params.PopDuration(provider.ParamTimeout, provider.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := a.mapRequest(params)
	raw, err := a.complete(ctx, req)
	if err != nil {
		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) && httpErr.ServerError() {
			a.logger.Error("OpenAI server error", zap.Int("status", httpErr.StatusCode), zap.Error(err))
			return nil, err
		}
		a.logger.Error("unexpected error in OpenAI invocation", zap.Error(err), zap.Stack("stack"))
		return nil, provider.NewAPIError(ProviderName, err)
	}
	return raw, nil
}

func (a *Adapter) mapRequest(params provider.Params) openAIRequest {
	prompt := params.PopString(provider.ParamPrompt)
	req := openAIRequest{
		Model:     a.model,
		Messages:  []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens: params.PopInt(Fields.MaxTokens, provider.DefaultMaxTokens),
		TopP:      params.PopFloat("top_p", 0),
		Stop:      params.PopStrings("stop"),
	}
	// An explicit zero temperature is sent as is.
	if _, ok := params[provider.ParamTemperature]; ok {
		temperature := params.PopFloat(provider.ParamTemperature, 0)
		req.Temperature = &temperature
	}
	if _, ok := params["seed"]; ok {
		seed := params.PopInt("seed", 0)
		req.Seed = &seed
	}
	return req
}

func (a *Adapter) complete(ctx context.Context, openAIReq openAIRequest) (*provider.RawOutput, error) {
	body, err := json.Marshal(openAIReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.apiKey))

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, err
	}
	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	prompt := openAIReq.Messages[0].Content
	text := openAIResp.Choices[0].Message.Content
	usage := provider.TokenUsage{
		PromptTokens:     openAIResp.Usage.PromptTokens,
		CompletionTokens: openAIResp.Usage.CompletionTokens,
	}
	// Some compatible servers omit usage.
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = a.CountTokens(prompt)
		usage.CompletionTokens = a.CountTokens(text)
	}

	model := openAIResp.Model
	if model == "" {
		model = a.model
	}
	return &provider.RawOutput{GeneratedText: text, ModelID: model, Usage: usage}, nil
}
