package proxy

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/ensemble-gateway/config"
	"github.com/vnmchuo/ensemble-gateway/internal/catalog"
	"github.com/vnmchuo/ensemble-gateway/internal/prompt"
	"github.com/vnmchuo/ensemble-gateway/internal/provider"
	"github.com/vnmchuo/ensemble-gateway/internal/provider/huggingface"
	"github.com/vnmchuo/ensemble-gateway/internal/provider/openai"
	"github.com/vnmchuo/ensemble-gateway/internal/tokenizer"
)

// Deps are shared clients used while building models. Nil fields switch the
// corresponding feature off.
type Deps struct {
	Logger *zap.Logger
	Redis  redis.Cmdable
	Tracer trace.Tracer
}

// BuildModels connects every configured model. The first configuration error aborts.
func BuildModels(ctx context.Context, cfg *config.Config, deps Deps) ([]*provider.Model, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var hub catalog.Catalog = catalog.NewHub(cfg.HFHubURL, cfg.HFAPIKey)
	if deps.Redis != nil {
		hub = catalog.NewCached(hub, deps.Redis, cfg.CatalogCacheTTL)
	}
	loadTokenizer := tokenizer.NewLoader(cfg.TokenizerEncoding)
	policy := provider.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	models := make([]*provider.Model, 0, len(cfg.Models))
	for _, def := range cfg.Models {
		modelLogger := logger.With(zap.String("model_name", def.Name))

		adapter, normalizer, err := newAdapter(cfg, def, hub, loadTokenizer, modelLogger)
		if err != nil {
			return nil, err
		}

		opts := []provider.ModelOption{
			provider.WithName(def.Name),
			provider.WithCosts(def.Cost),
			provider.WithRetryPolicy(policy),
			provider.WithLogger(modelLogger),
		}
		if deps.Tracer != nil {
			opts = append(opts, provider.WithTracer(deps.Tracer))
		}
		if def.CircuitBreaker {
			opts = append(opts, provider.WithCircuitBreaker())
		}

		m, err := provider.NewModel(ctx, adapter, normalizer, opts...)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", def.Name, err)
		}
		logger.Info("model ready",
			zap.String("name", m.Name()),
			zap.String("provider", m.Provider()),
			zap.Bool("local", def.Local))
		models = append(models, m)
	}
	return models, nil
}

func newAdapter(cfg *config.Config, def config.ModelDef, hub catalog.Catalog, loadTokenizer provider.TokenizerLoader, logger *zap.Logger) (provider.Adapter, provider.Normalizer, error) {
	switch def.Provider {
	case config.ProviderHuggingFace:
		adapter := huggingface.New(huggingface.Config{
			APIKey:            cfg.HFAPIKey,
			ModelID:           def.ModelID,
			BaseURL:           cfg.HFInferenceURL,
			HubURL:            cfg.HFHubURL,
			VerifyCredentials: cfg.HFVerifyToken,
			LocalModel:        def.LocalModel,
		},
			huggingface.WithCatalog(hub),
			huggingface.WithLogger(logger),
			huggingface.WithTokenizerLoader(loadTokenizer),
			huggingface.WithLocalLoader(huggingface.OllamaLoader(cfg.OllamaBaseURL)),
		)
		normalizer := provider.Normalizer{
			Provider: huggingface.ProviderName,
			Fields:   huggingface.Fields,
			Renderer: prompt.ChatTemplate(),
		}
		if def.Local {
			normalizer.Defaults = provider.Params{huggingface.ParamUseLocalModel: true}
		}
		return adapter, normalizer, nil

	case config.ProviderOpenAI:
		adapter := openai.New(cfg.OpenAIAPIKey, def.ModelID,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithLogger(logger),
			openai.WithTokenizerLoader(loadTokenizer),
		)
		normalizer := provider.Normalizer{
			Provider: openai.ProviderName,
			Fields:   openai.Fields,
			Renderer: prompt.ChatTemplate(),
		}
		return adapter, normalizer, nil
	}
	return nil, provider.Normalizer{}, fmt.Errorf("model %s: unsupported provider %q", def.Name, def.Provider)
}

// Targets converts built models for the router.
func Targets(models []*provider.Model) []Target {
	out := make([]Target, len(models))
	for i, m := range models {
		out[i] = m
	}
	return out
}
