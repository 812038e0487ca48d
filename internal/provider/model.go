package provider

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Model is one configured model: an adapter plus the normalize → invoke → usage pipeline.
type Model struct {
	name       string
	adapter    Adapter
	normalizer Normalizer
	invoker    Invoker
	breaker    *Breaker
	costs      CostSchedule
	retry      RetryPolicy
	useBreaker bool
	logger     *zap.Logger
	tracer     trace.Tracer
}

type ModelOption func(*Model)

// WithName sets the registry name; it defaults to the adapter's model id.
func WithName(name string) ModelOption {
	return func(m *Model) { m.name = name }
}

func WithCosts(costs CostSchedule) ModelOption {
	return func(m *Model) { m.costs = costs }
}

func WithRetryPolicy(policy RetryPolicy) ModelOption {
	return func(m *Model) { m.retry = policy }
}

func WithCircuitBreaker() ModelOption {
	return func(m *Model) { m.useBreaker = true }
}

func WithLogger(logger *zap.Logger) ModelOption {
	return func(m *Model) { m.logger = logger }
}

func WithTracer(tracer trace.Tracer) ModelOption {
	return func(m *Model) { m.tracer = tracer }
}

// NewModel creates the adapter's connection and assembles the pipeline. Configuration
// errors surface here, never from Forward.
func NewModel(ctx context.Context, adapter Adapter, normalizer Normalizer, opts ...ModelOption) (*Model, error) {
	m := &Model{
		adapter:    adapter,
		normalizer: normalizer,
		retry:      DefaultRetryPolicy(),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("github.com/vnmchuo/ensemble-gateway/internal/provider"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := adapter.CreateConnection(ctx); err != nil {
		return nil, err
	}
	if m.name == "" {
		m.name = adapter.ModelID()
	}

	m.invoker = WithRetry(adapter, m.retry, m.logger.With(zap.String("model", m.name)))
	if m.useBreaker {
		m.breaker = WithBreaker(m.name, m.invoker)
		m.invoker = m.breaker
	}
	return m, nil
}

func (m *Model) Name() string {
	return m.name
}

func (m *Model) Provider() string {
	return m.adapter.Name()
}

func (m *Model) Costs() CostSchedule {
	return m.costs
}

// Available is false while the model's circuit breaker is open.
func (m *Model) Available() bool {
	return m.breaker == nil || !m.breaker.Open()
}

// Forward runs one request through normalization, the retry-guarded invocation and
// usage accounting.
func (m *Model) Forward(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx, span := m.tracer.Start(ctx, "provider.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", m.adapter.Name()),
		attribute.String("model", m.adapter.ModelID()),
	)

	if req == nil || req.Prompt == "" {
		err := &InvalidPromptError{Provider: m.adapter.Name(), Model: m.adapter.ModelID()}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.logger.Info("forward invoked",
		zap.String("provider", m.adapter.Name()),
		zap.String("model", m.adapter.ModelID()),
		zap.Int("prompt_length", len(req.Prompt)),
	)

	params, err := m.normalizer.Normalize(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	raw, err := m.invoker.Invoke(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	usage := CalculateUsage(raw, m.costs)
	span.SetAttributes(
		attribute.Int("usage.total_tokens", usage.TotalTokens),
		attribute.Float64("usage.cost_usd", usage.CostUSD),
	)

	return &ChatResponse{
		Data:      raw.GeneratedText,
		RawOutput: *raw,
		Usage:     usage,
	}, nil
}
