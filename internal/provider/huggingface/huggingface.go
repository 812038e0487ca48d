package huggingface

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/vnmchuo/ensemble-gateway/internal/catalog"
	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

const (
	ProviderName = "huggingface"
	DefaultModel = "mistralai/Mistral-7B-Instruct-v0.2"

	modelPrefix = "huggingface:"
)

// Fields maps universal request fields onto text-generation parameters.
var Fields = provider.FieldMap{MaxTokens: "max_new_tokens"}

// Provider params understood by this adapter, passed through ChatRequest.ProviderParams.
const (
	ParamTopP              = "top_p"
	ParamTopK              = "top_k"
	ParamMaxNewTokens      = "max_new_tokens"
	ParamRepetitionPenalty = "repetition_penalty"
	ParamDoSample          = "do_sample"
	ParamUseCache          = "use_cache"
	ParamStopSequences     = "stop_sequences"
	ParamSeed              = "seed"
	ParamUseLocalModel     = "use_local_model"
)

type Config struct {
	APIKey  string
	ModelID string
	// BaseURL of the Inference API; HubURL of the Hub used for credential checks.
	BaseURL string
	HubURL  string
	// VerifyCredentials asks the Hub to accept the token while connecting.
	VerifyCredentials bool
	// LocalModel is the model name on the local runtime; defaults to the resolved id.
	LocalModel string
}

// Adapter serves one Hugging Face model either through the hosted Inference API or
// through a locally served copy, chosen per request by the use_local_model parameter.
type Adapter struct {
	cfg           Config
	catalog       catalog.Catalog
	logger        *zap.Logger
	httpClient    *http.Client
	loadTokenizer provider.TokenizerLoader
	loadLocal     LocalLoader

	client  *remoteClient
	modelID string
	tokens  *provider.TokenCounter
	local   *provider.Lazy[llms.Model]
}

type Option func(*Adapter)

func WithCatalog(c catalog.Catalog) Option {
	return func(a *Adapter) { a.catalog = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.httpClient = client }
}

func WithTokenizerLoader(load provider.TokenizerLoader) Option {
	return func(a *Adapter) { a.loadTokenizer = load }
}

func WithLocalLoader(load LocalLoader) Option {
	return func(a *Adapter) { a.loadLocal = load }
}

func New(cfg Config, opts ...Option) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HubURL == "" {
		cfg.HubURL = defaultHubURL
	}
	a := &Adapter{
		cfg:        cfg,
		logger:     zap.NewNop(),
		httpClient: &http.Client{},
		modelID:    strings.TrimPrefix(cfg.ModelID, modelPrefix),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.tokens = provider.NewTokenCounter(a.modelID, a.loadTokenizer, a.logger)
	a.local = provider.NewLazy(a.loadLocalModel)
	return a
}

func (a *Adapter) Name() string {
	return ProviderName
}

func (a *Adapter) ModelID() string {
	return a.modelID
}

func (a *Adapter) CreateConnection(ctx context.Context) error {
	if a.cfg.APIKey == "" {
		return &provider.ConfigError{
			Provider: ProviderName,
			Message:  "HuggingFace API token is missing or invalid",
		}
	}

	client := newRemoteClient(a.cfg.BaseURL, a.cfg.HubURL, a.cfg.APIKey, a.httpClient)
	if a.cfg.VerifyCredentials {
		if err := client.whoami(ctx); err != nil {
			return &provider.ConfigError{
				Provider: ProviderName,
				Message:  "HuggingFace API token was rejected",
				Cause:    err,
			}
		}
	}
	a.client = client

	a.modelID = a.resolveModel(ctx, a.cfg.ModelID)
	a.tokens = provider.NewTokenCounter(a.modelID, a.loadTokenizer, a.logger)
	a.logger.Info("initialized HuggingFace inference client", zap.String("model", a.modelID))
	return nil
}

// resolveModel verifies the id against the catalog and falls back to DefaultModel when
// the lookup fails. It never returns an error.
func (a *Adapter) resolveModel(ctx context.Context, raw string) string {
	name := strings.TrimPrefix(raw, modelPrefix)
	if a.catalog == nil {
		return name
	}

	info, err := a.catalog.Lookup(ctx, name)
	if err != nil {
		a.logger.Warn("HuggingFace model not found on Hub, falling back to default",
			zap.String("model", name),
			zap.String("fallback", DefaultModel),
			zap.Error(err))
		return DefaultModel
	}
	if info.ID != "" {
		return info.ID
	}
	return name
}

func (a *Adapter) CountTokens(text string) int {
	return a.tokens.Count(text)
}

func (a *Adapter) Invoke(ctx context.Context, params provider.Params) (*provider.RawOutput, error) {
	if prompt, _ := params[provider.ParamPrompt].(string); prompt == "" {
		return nil, &provider.InvalidPromptError{Provider: ProviderName, Model: a.modelID}
	}
	if a.client == nil {
		return nil, &provider.ConfigError{Provider: ProviderName, Message: "connection not created"}
	}

	var (
		raw *provider.RawOutput
		err error
	)
	if params.PopBool(ParamUseLocalModel) {
		raw, err = a.invokeLocal(ctx, params)
	} else {
		raw, err = a.invokeRemote(ctx, params)
	}
	if err != nil {
		return nil, a.handleError(err)
	}
	return raw, nil
}

// handleError lets server errors through unchanged for the retry policy and wraps the rest.
func (a *Adapter) handleError(err error) error {
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && httpErr.ServerError() {
		a.logger.Error("HuggingFace server error",
			zap.String("model", a.modelID),
			zap.Int("status", httpErr.StatusCode),
			zap.Error(err))
		return err
	}

	a.logger.Error("unexpected error in HuggingFace invocation",
		zap.String("model", a.modelID),
		zap.Error(err),
		zap.Stack("stack"))
	return &provider.APIError{
		Provider: ProviderName,
		Message:  fmt.Sprintf("API error: %v", err),
		Cause:    err,
	}
}

func (a *Adapter) usage(prompt, completion string) provider.TokenUsage {
	return provider.TokenUsage{
		PromptTokens:     a.CountTokens(prompt),
		CompletionTokens: a.CountTokens(completion),
	}
}
