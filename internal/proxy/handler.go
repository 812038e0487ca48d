package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/ensemble-gateway/internal/auth"
	"github.com/vnmchuo/ensemble-gateway/internal/billing"
	"github.com/vnmchuo/ensemble-gateway/internal/ensemble"
	"github.com/vnmchuo/ensemble-gateway/internal/provider"
	"github.com/vnmchuo/ensemble-gateway/pkg/ratelimit"
)

const defaultEstimatedTokens = 1000

type ChatRequest struct {
	Model          string         `json:"model"`
	Prompt         string         `json:"prompt" validate:"required"`
	Context        string         `json:"context"`
	Temperature    float64        `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      *int           `json:"max_tokens"`
	TimeoutSeconds float64        `json:"timeout_seconds" validate:"gte=0,lte=600"`
	ProviderParams map[string]any `json:"provider_params"`
}

type EnsembleRequest struct {
	Models         []string       `json:"models" validate:"dive,required"`
	Query          string         `json:"query" validate:"required"`
	Temperature    float64        `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      *int           `json:"max_tokens"`
	ProviderParams map[string]any `json:"provider_params"`
}

type MemberUsage struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	provider.UsageStats
}

type Handler struct {
	router   *Router
	billing  billing.Store
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger
	validate *validator.Validate

	// pending tracks async usage writes so shutdown can wait for them.
	pending sync.WaitGroup
}

func NewHandler(router *Router, billing billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		router:   router,
		billing:  billing,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger,
		validate: validator.New(),
	}
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, requestID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	if !h.allow(ctx, w, tenantID, estimate(req.MaxTokens, 1)) {
		return
	}

	target, err := h.router.Route(req.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	start := time.Now()
	resp, err := target.Forward(ctx, &provider.ChatRequest{
		Prompt:         req.Prompt,
		Context:        req.Context,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		Timeout:        time.Duration(req.TimeoutSeconds * float64(time.Second)),
		ProviderParams: req.ProviderParams,
	})
	if err != nil {
		h.logger.Warn("chat request failed",
			zap.String("request_id", requestID),
			zap.String("model", target.Name()),
			zap.Error(err))
		writeError(w, err)
		return
	}

	h.logUsage(billing.NewUsageLog(tenantID, requestID, billing.ModeChat,
		target.Provider(), target.Name(), resp.Usage, time.Since(start)))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       requestID,
		"object":   "chat.completion",
		"model":    target.Name(),
		"provider": target.Provider(),
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Data,
				},
				"finish_reason": "stop",
			},
		},
		"usage": resp.Usage,
	})
}

// timedMember records how long its Forward took. Each member owns its slot.
type timedMember struct {
	ensemble.Member
	elapsed *time.Duration
}

func (m timedMember) Forward(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()
	resp, err := m.Member.Forward(ctx, req)
	*m.elapsed = time.Since(start)
	return resp, err
}

func (h *Handler) HandleEnsemble(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, requestID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req EnsembleRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.ensemble")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.StringSlice("models", req.Models),
	)

	targets, err := h.router.Select(req.Models)
	if err != nil {
		writeError(w, err)
		return
	}

	if !h.allow(ctx, w, tenantID, estimate(req.MaxTokens, len(targets))) {
		return
	}

	latencies := make([]time.Duration, len(targets))
	members := make([]ensemble.Member, len(targets))
	for i, t := range targets {
		members[i] = timedMember{Member: t, elapsed: &latencies[i]}
	}

	opts := []ensemble.Option{
		ensemble.WithTemperature(req.Temperature),
		ensemble.WithProviderParams(req.ProviderParams),
	}
	if req.MaxTokens != nil {
		opts = append(opts, ensemble.WithMaxTokens(*req.MaxTokens))
	}
	d, err := h.router.NewEnsemble(members, opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	responses, err := d.RunDetailed(ctx, ensemble.Input{Query: req.Query})
	if err != nil {
		h.logger.Warn("ensemble request failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		writeError(w, err)
		return
	}

	names := make([]string, len(targets))
	texts := make([]string, len(targets))
	usage := make([]MemberUsage, len(targets))
	var totalCost float64
	for i, t := range targets {
		names[i] = t.Name()
		texts[i] = responses[i].Data
		usage[i] = MemberUsage{Model: t.Name(), Provider: t.Provider(), UsageStats: responses[i].Usage}
		totalCost += responses[i].Usage.CostUSD

		h.logUsage(billing.NewUsageLog(tenantID, requestID, billing.ModeEnsemble,
			t.Provider(), t.Name(), responses[i].Usage, latencies[i]))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":             requestID,
		"object":         "ensemble",
		"models":         names,
		"responses":      texts,
		"usage":          usage,
		"total_cost_usd": totalCost,
	})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := make([]map[string]interface{}, 0, len(h.router.Models()))
	for _, t := range h.router.Models() {
		models = append(models, map[string]interface{}{
			"name":      t.Name(),
			"provider":  t.Provider(),
			"cost":      t.Costs(),
			"available": t.Available(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	resp := map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"by_model":       billing.Summarize(logs),
		"logs":           logs,
		"from":           from,
		"to":             to,
	}
	status, err := h.limiter.Status(ctx, tenantID)
	if err != nil {
		h.logger.Warn("rate limit status unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
	} else {
		resp["rate_limit"] = status
	}

	writeJSON(w, http.StatusOK, resp)
}

// Wait blocks until queued usage writes have finished.
func (h *Handler) Wait() {
	h.pending.Wait()
}

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", "", false
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return tenantID, requestID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid request",
			"fields": fields,
		})
		return false
	}
	return true
}

func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, tenantID string, tokens int) bool {
	allowed, err := h.limiter.Allow(ctx, tenantID, tokens)
	if err != nil {
		h.logger.Error("rate limiter failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return false
	}
	return true
}

func (h *Handler) logUsage(log *billing.UsageLog) {
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		if err := h.billing.LogUsage(context.Background(), log); err != nil {
			h.logger.Error("failed to log usage",
				zap.String("request_id", log.RequestID),
				zap.String("model", log.Model),
				zap.Error(err))
		}
	}()
}

func estimate(maxTokens *int, members int) int {
	per := defaultEstimatedTokens
	if maxTokens != nil && *maxTokens > 0 {
		per = *maxTokens
	}
	return per * members
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps routing and provider errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrModelUnavailable), errors.Is(err, ErrNoModels),
		errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch provider.KindOf(err) {
		case provider.KindInvalidInput:
			status = http.StatusBadRequest
		case provider.KindConfiguration:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
