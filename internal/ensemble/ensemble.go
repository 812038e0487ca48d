package ensemble

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/ensemble-gateway/internal/prompt"
	"github.com/vnmchuo/ensemble-gateway/internal/provider"
)

var ErrNoMembers = errors.New("ensemble has no members")

// Member is one model taking part in an ensemble. *provider.Model satisfies it.
type Member interface {
	Name() string
	Forward(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

type Input struct {
	Query string `json:"query"`
}

// Output holds one response per member, in member order.
type Output struct {
	Responses []string `json:"responses"`
}

// Dispatcher renders one prompt and fans it out to every member concurrently.
// It is immutable after New and safe for concurrent use.
type Dispatcher struct {
	members        []Member
	template       provider.Renderer
	temperature    float64
	maxTokens      *int
	providerParams map[string]any
	maxConcurrency int
	logger         *zap.Logger
	tracer         trace.Tracer
}

type Option func(*Dispatcher)

func WithTemplate(t provider.Renderer) Option {
	return func(d *Dispatcher) { d.template = t }
}

func WithTemperature(t float64) Option {
	return func(d *Dispatcher) { d.temperature = t }
}

func WithMaxTokens(n int) Option {
	return func(d *Dispatcher) { d.maxTokens = &n }
}

// WithProviderParams sets overrides sent to every member.
func WithProviderParams(params map[string]any) Option {
	return func(d *Dispatcher) { d.providerParams = params }
}

// WithMaxConcurrency bounds in-flight members per Run; zero or less means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) { d.maxConcurrency = n }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func New(members []Member, opts ...Option) (*Dispatcher, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	d := &Dispatcher{
		members:  append([]Member(nil), members...),
		template: prompt.QueryTemplate(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/vnmchuo/ensemble-gateway/internal/ensemble"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Members returns the member names in dispatch order.
func (d *Dispatcher) Members() []string {
	names := make([]string, len(d.members))
	for i, m := range d.members {
		names[i] = m.Name()
	}
	return names
}

// Run returns the generated text of every member. Any member failure fails the run.
func (d *Dispatcher) Run(ctx context.Context, in Input) (*Output, error) {
	responses, err := d.RunDetailed(ctx, in)
	if err != nil {
		return nil, err
	}
	out := &Output{Responses: make([]string, len(responses))}
	for i, resp := range responses {
		out.Responses[i] = resp.Data
	}
	return out, nil
}

// RunDetailed is Run with the full response of each member, in member order.
func (d *Dispatcher) RunDetailed(ctx context.Context, in Input) ([]*provider.ChatResponse, error) {
	ctx, span := d.tracer.Start(ctx, "ensemble.run")
	defer span.End()
	span.SetAttributes(attribute.Int("ensemble.size", len(d.members)))

	rendered, err := d.template.Render(map[string]any{"query": in.Query})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("render ensemble prompt: %w", err)
	}

	span.AddEvent("dispatching")
	d.logger.Debug("ensemble dispatching", zap.Int("members", len(d.members)))

	responses := make([]*provider.ChatResponse, len(d.members))
	g, gctx := errgroup.WithContext(ctx)
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}

	for i, m := range d.members {
		req := &provider.ChatRequest{
			Prompt:         rendered,
			Temperature:    d.temperature,
			MaxTokens:      d.maxTokens,
			ProviderParams: d.providerParams,
		}
		g.Go(func() error {
			resp, err := m.Forward(gctx, req)
			if err != nil {
				return fmt.Errorf("ensemble member %d (%s): %w", i, m.Name(), err)
			}
			responses[i] = resp
			return nil
		})
	}

	span.AddEvent("collecting")
	if err := g.Wait(); err != nil {
		d.logger.Warn("ensemble run failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.AddEvent("done")
	d.logger.Debug("ensemble done", zap.Int("members", len(d.members)))
	return responses, nil
}
