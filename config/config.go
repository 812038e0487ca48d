package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database, optional: usage is kept in memory without it
	PostgresDSN string

	// Cache, optional: enables the catalog cache and rate limiting
	RedisAddr string

	// Providers
	HFAPIKey          string
	HFModel           string // used when no models file is given
	HFVerifyToken     bool
	HFInferenceURL    string
	HFHubURL          string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OllamaBaseURL     string
	TokenizerEncoding string // default: "cl100k_base"

	// Models
	ModelsFile string
	Models     []ModelDef

	// Invocation
	RetryMaxAttempts       int           // default: 3
	RetryBaseDelay         time.Duration // default: 1s
	RetryMaxDelay          time.Duration // default: 10s
	EnsembleMaxConcurrency int           // 0 means unbounded
	CatalogCacheTTL        time.Duration // default: 1h

	// Observability
	LogLevel             string // default: "info"
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		HFAPIKey:             os.Getenv("HF_API_KEY"),
		HFModel:              getEnv("HF_MODEL", "mistralai/Mistral-7B-Instruct-v0.2"),
		HFInferenceURL:       os.Getenv("HF_INFERENCE_URL"),
		HFHubURL:             os.Getenv("HF_HUB_URL"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		OllamaBaseURL:        os.Getenv("OLLAMA_BASE_URL"),
		TokenizerEncoding:    getEnv("TOKENIZER_ENCODING", "cl100k_base"),
		ModelsFile:           os.Getenv("MODELS_FILE"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.HFVerifyToken, err = strconv.ParseBool(getEnv("HF_VERIFY_TOKEN", "false")); err != nil {
		return nil, fmt.Errorf("invalid HF_VERIFY_TOKEN: %w", err)
	}
	if cfg.RetryMaxAttempts, err = strconv.Atoi(getEnv("RETRY_MAX_ATTEMPTS", "3")); err != nil {
		return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %w", err)
	}
	if cfg.RetryBaseDelay, err = time.ParseDuration(getEnv("RETRY_BASE_DELAY", "1s")); err != nil {
		return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: %w", err)
	}
	if cfg.RetryMaxDelay, err = time.ParseDuration(getEnv("RETRY_MAX_DELAY", "10s")); err != nil {
		return nil, fmt.Errorf("invalid RETRY_MAX_DELAY: %w", err)
	}
	if cfg.EnsembleMaxConcurrency, err = strconv.Atoi(getEnv("ENSEMBLE_MAX_CONCURRENCY", "0")); err != nil {
		return nil, fmt.Errorf("invalid ENSEMBLE_MAX_CONCURRENCY: %w", err)
	}
	if cfg.CatalogCacheTTL, err = time.ParseDuration(getEnv("CATALOG_CACHE_TTL", "1h")); err != nil {
		return nil, fmt.Errorf("invalid CATALOG_CACHE_TTL: %w", err)
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Models
	if cfg.ModelsFile != "" {
		if cfg.Models, err = LoadModels(cfg.ModelsFile); err != nil {
			return nil, err
		}
	} else {
		cfg.Models = []ModelDef{{
			Name:     cfg.HFModel,
			Provider: ProviderHuggingFace,
			ModelID:  cfg.HFModel,
		}}
	}

	// Validation
	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		return nil, fmt.Errorf("RETRY_BASE_DELAY must not exceed RETRY_MAX_DELAY")
	}
	if err := ValidateModels(cfg.Models); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
