package billing

import (
	"context"
	"time"

	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

const (
	ModeChat     = "chat"
	ModeEnsemble = "ensemble"
)

// UsageLog is one billed model call. An ensemble run writes one log per member, all
// sharing the request id.
type UsageLog struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	RequestID        string    `json:"request_id"`
	Mode             string    `json:"mode"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// ModelUsage aggregates a tenant's usage of one model.
type ModelUsage struct {
	Model        string  `json:"model"`
	Requests     int     `json:"requests"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

// NewUsageLog fills a log entry from the usage of one response.
func NewUsageLog(tenantID, requestID, mode, providerName, model string, usage provider.UsageStats, latency time.Duration) *UsageLog {
	return &UsageLog{
		TenantID:         tenantID,
		RequestID:        requestID,
		Mode:             mode,
		Provider:         providerName,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          usage.CostUSD,
		LatencyMs:        latency.Milliseconds(),
	}
}

// Summarize groups logs by model, keeping the order in which models first appear.
func Summarize(logs []*UsageLog) []ModelUsage {
	index := make(map[string]int)
	var out []ModelUsage
	for _, l := range logs {
		i, ok := index[l.Model]
		if !ok {
			i = len(out)
			index[l.Model] = i
			out = append(out, ModelUsage{Model: l.Model})
		}
		out[i].Requests++
		out[i].TotalTokens += l.PromptTokens + l.CompletionTokens
		out[i].TotalCostUSD += l.CostUSD
	}
	return out
}
