package provider

import (
	"context"
	"time"
)

// ChatRequest is the universal request shape every adapter accepts.
type ChatRequest struct {
	Prompt      string
	Context     string
	Temperature float64
	// MaxTokens is optional; nil means the backend default.
	MaxTokens *int
	Timeout   time.Duration
	// ProviderParams carries backend-specific overrides. Nil values are treated as unset.
	ProviderParams map[string]any
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// RawOutput is produced once per successful backend call and is not modified afterwards.
type RawOutput struct {
	GeneratedText string     `json:"generated_text"`
	ModelID       string     `json:"model"`
	Usage         TokenUsage `json:"usage"`
}

type UsageStats struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

type ChatResponse struct {
	Data      string     `json:"data"`
	RawOutput RawOutput  `json:"raw_output"`
	Usage     UsageStats `json:"usage"`
}

// Invoker executes exactly one inference call with already normalized parameters.
type Invoker interface {
	Invoke(ctx context.Context, params Params) (*RawOutput, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, params Params) (*RawOutput, error)

func (f InvokerFunc) Invoke(ctx context.Context, params Params) (*RawOutput, error) {
	return f(ctx, params)
}

// Adapter wraps one backend connection. Implementations own their session and any
// lazily loaded local model or tokenizer; nothing is shared between adapters.
type Adapter interface {
	Invoker
	Name() string
	ModelID() string
	// CreateConnection builds the backend session. A missing or rejected credential
	// is reported as a *ConfigError.
	CreateConnection(ctx context.Context) error
	// CountTokens never fails; it degrades to a word count when no tokenizer is usable.
	CountTokens(text string) int
}
