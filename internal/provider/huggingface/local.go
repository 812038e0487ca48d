package huggingface

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"

	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

const defaultLocalTemperature = 0.7

// LocalLoader brings a model up on the local inference runtime.
type LocalLoader func(ctx context.Context, modelID string) (llms.Model, error)

// OllamaLoader serves local models through an Ollama daemon.
func OllamaLoader(serverURL string) LocalLoader {
	return func(ctx context.Context, modelID string) (llms.Model, error) {
		opts := []ollama.Option{ollama.WithModel(modelID)}
		if serverURL != "" {
			opts = append(opts, ollama.WithServerURL(serverURL))
		}
		return ollama.New(opts...)
	}
}

func (a *Adapter) localModelName() string {
	if a.cfg.LocalModel != "" {
		return a.cfg.LocalModel
	}
	return a.modelID
}

// loadLocalModel runs once per adapter; the cached model outlives retries.
func (a *Adapter) loadLocalModel(ctx context.Context) (llms.Model, error) {
	if a.loadLocal == nil {
		return nil, fmt.Errorf("no local runtime configured")
	}
	name := a.localModelName()
	a.logger.Info("loading model locally", zap.String("model", name))

	lm, err := a.loadLocal(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load local model %s: %w", name, err)
	}
	if err := a.tokens.Warm(); err != nil {
		a.logger.Warn("tokenizer unavailable for local model", zap.String("model", name), zap.Error(err))
	}

	a.logger.Info("successfully loaded model locally", zap.String("model", name))
	return lm, nil
}

func (a *Adapter) invokeLocal(ctx context.Context, params provider.Params) (*provider.RawOutput, error) {
	lm, err := a.local.Get(ctx)
	if err != nil {
		return nil, err
	}

	prompt := params.PopString(provider.ParamPrompt)
	params.Pop(provider.ParamTimeout)
	opts := []llms.CallOption{
		llms.WithMaxTokens(params.PopInt(ParamMaxNewTokens, provider.DefaultMaxTokens)),
		llms.WithTemperature(params.PopFloat(provider.ParamTemperature, defaultLocalTemperature)),
	}
	opts = append(opts, localCallOptions(params)...)

	result, err := lm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, opts...)
	if err != nil {
		return nil, err
	}

	text := extractLocalText(result, prompt)
	return &provider.RawOutput{
		GeneratedText: text,
		ModelID:       a.modelID,
		Usage:         a.usage(prompt, text),
	}, nil
}

func localCallOptions(params provider.Params) []llms.CallOption {
	var opts []llms.CallOption
	if _, ok := params[ParamTopP]; ok {
		opts = append(opts, llms.WithTopP(params.PopFloat(ParamTopP, 0)))
	}
	if _, ok := params[ParamTopK]; ok {
		opts = append(opts, llms.WithTopK(params.PopInt(ParamTopK, 0)))
	}
	if _, ok := params[ParamRepetitionPenalty]; ok {
		opts = append(opts, llms.WithRepetitionPenalty(params.PopFloat(ParamRepetitionPenalty, 0)))
	}
	if _, ok := params[ParamSeed]; ok {
		opts = append(opts, llms.WithSeed(params.PopInt(ParamSeed, 0)))
	}
	if stops := params.PopStrings(ParamStopSequences); len(stops) > 0 {
		opts = append(opts, llms.WithStopWords(stops))
	}
	return opts
}

// extractLocalText takes the first choice and drops a verbatim echo of the prompt.
// Without the expected shape the raw result is stringified.
func extractLocalText(result *llms.ContentResponse, prompt string) string {
	if result == nil || len(result.Choices) == 0 || result.Choices[0] == nil {
		return fmt.Sprint(result)
	}
	text := result.Choices[0].Content
	if strings.HasPrefix(text, prompt) {
		text = strings.TrimLeftFunc(text[len(prompt):], unicode.IsSpace)
	}
	return text
}
