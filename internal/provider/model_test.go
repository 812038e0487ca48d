package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
)

type stubAdapter struct {
	connectErr error
	invoke     InvokerFunc
	calls      int
	lastParams Params
}

func (s *stubAdapter) Name() string                               { return "stub" }
func (s *stubAdapter) ModelID() string                            { return "stub-model" }
func (s *stubAdapter) CreateConnection(ctx context.Context) error { return s.connectErr }
func (s *stubAdapter) CountTokens(text string) int                { return wordCount(text) }

func (s *stubAdapter) Invoke(ctx context.Context, params Params) (*RawOutput, error) {
	s.calls++
	s.lastParams = params.Clone()
	return s.invoke(ctx, params)
}

func echoAdapter() *stubAdapter {
	a := &stubAdapter{}
	a.invoke = func(ctx context.Context, params Params) (*RawOutput, error) {
		prompt := params.PopString(ParamPrompt)
		text := "Because networks fail often."
		return &RawOutput{
			GeneratedText: text,
			ModelID:       "stub-model",
			Usage:         TokenUsage{PromptTokens: a.CountTokens(prompt), CompletionTokens: a.CountTokens(text)},
		}, nil
	}
	return a
}

func newTestModel(t *testing.T, a Adapter, opts ...ModelOption) *Model {
	t.Helper()
	opts = append([]ModelOption{
		WithTracer(noop.NewTracerProvider().Tracer("test")),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	}, opts...)
	m, err := NewModel(context.Background(), a, Normalizer{Provider: "stub"}, opts...)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return m
}

func TestForward_EndToEnd(t *testing.T) {
	a := echoAdapter()
	m := newTestModel(t, a, WithCosts(CostSchedule{InputCostPerThousand: 0.001, OutputCostPerThousand: 0.002}))

	resp, err := m.Forward(context.Background(), &ChatRequest{Prompt: "Explain retries", Temperature: 0.2})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if resp.Data != "Because networks fail often." {
		t.Errorf("Unexpected data %q", resp.Data)
	}
	if resp.RawOutput.GeneratedText != resp.Data {
		t.Error("Expected raw output to carry the generated text")
	}
	want := UsageStats{PromptTokens: 2, CompletionTokens: 4, TotalTokens: 6, CostUSD: 0.00001}
	if resp.Usage != want {
		t.Errorf("Expected usage %+v, got %+v", want, resp.Usage)
	}
	if a.lastParams[ParamTemperature] != 0.2 {
		t.Errorf("Expected temperature 0.2, got %v", a.lastParams[ParamTemperature])
	}
	if m.Name() != "stub-model" || m.Provider() != "stub" {
		t.Errorf("Unexpected identity %s/%s", m.Name(), m.Provider())
	}
}

func TestForward_ExplainRetriesScenario(t *testing.T) {
	a := &stubAdapter{invoke: func(ctx context.Context, params Params) (*RawOutput, error) {
		return &RawOutput{
			GeneratedText: "Because networks fail.",
			ModelID:       "stub-model",
			Usage:         TokenUsage{PromptTokens: 3, CompletionTokens: 4},
		}, nil
	}}
	m := newTestModel(t, a, WithCosts(CostSchedule{InputCostPerThousand: 0.001, OutputCostPerThousand: 0.002}))

	resp, err := m.Forward(context.Background(), &ChatRequest{Prompt: "Explain retries", MaxTokens: nil})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if resp.Data != "Because networks fail." {
		t.Errorf("Unexpected data %q", resp.Data)
	}
	want := UsageStats{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7, CostUSD: 0.000011}
	if resp.Usage != want {
		t.Errorf("Expected usage %+v, got %+v", want, resp.Usage)
	}
	if a.lastParams["max_tokens"] != 512 {
		t.Errorf("Expected default max_tokens 512, got %v", a.lastParams["max_tokens"])
	}
	if a.lastParams[ParamPrompt] != "Explain retries" {
		t.Errorf("Expected prompt to pass through, got %v", a.lastParams[ParamPrompt])
	}
}

func TestForward_RetriesWrappedAPIErrors(t *testing.T) {
	a := echoAdapter()
	succeed := a.invoke
	a.invoke = func(ctx context.Context, params Params) (*RawOutput, error) {
		if a.calls < 3 {
			return nil, NewAPIError("stub", errors.New("failed to load local model stub-model"))
		}
		return succeed(ctx, params)
	}
	m := newTestModel(t, a)

	resp, err := m.Forward(context.Background(), &ChatRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if resp.Data != "Because networks fail often." {
		t.Errorf("Unexpected data %q", resp.Data)
	}
	if a.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", a.calls)
	}
}

func TestForward_EmptyPromptNeverInvokes(t *testing.T) {
	a := echoAdapter()
	m := newTestModel(t, a)

	for _, req := range []*ChatRequest{nil, {Prompt: ""}} {
		_, err := m.Forward(context.Background(), req)
		var invalid *InvalidPromptError
		if !errors.As(err, &invalid) {
			t.Errorf("Expected InvalidPromptError, got %v", err)
		}
	}
	if a.calls != 0 {
		t.Errorf("Expected no backend calls, got %d", a.calls)
	}
}

func TestForward_ValidationErrorNeverInvokes(t *testing.T) {
	a := echoAdapter()
	m := newTestModel(t, a)
	zero := 0

	_, err := m.Forward(context.Background(), &ChatRequest{Prompt: "hi", MaxTokens: &zero})
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("Expected invalid input, got %v", err)
	}
	if a.calls != 0 {
		t.Errorf("Expected no backend calls, got %d", a.calls)
	}
}

func TestForward_RetriesTransientFailures(t *testing.T) {
	a := echoAdapter()
	succeed := a.invoke
	a.invoke = func(ctx context.Context, params Params) (*RawOutput, error) {
		if a.calls < 3 {
			return nil, &HTTPError{StatusCode: http.StatusServiceUnavailable}
		}
		return succeed(ctx, params)
	}
	m := newTestModel(t, a)

	if _, err := m.Forward(context.Background(), &ChatRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if a.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", a.calls)
	}
}

func TestNewModel_ConfigurationError(t *testing.T) {
	a := &stubAdapter{connectErr: &ConfigError{Provider: "stub", Message: "token missing"}}

	_, err := NewModel(context.Background(), a, Normalizer{})
	if KindOf(err) != KindConfiguration {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	a := &stubAdapter{invoke: func(ctx context.Context, params Params) (*RawOutput, error) {
		return nil, NewAPIError("stub", errors.New("bad gateway config"))
	}}
	m := newTestModel(t, a, WithName("flaky"), WithCircuitBreaker())

	for i := 0; i < 3; i++ {
		if _, err := m.Forward(context.Background(), &ChatRequest{Prompt: "hi"}); err == nil {
			t.Fatal("Expected failure")
		}
	}
	if m.Available() {
		t.Fatal("Expected breaker to be open")
	}

	before := a.calls
	if _, err := m.Forward(context.Background(), &ChatRequest{Prompt: "hi"}); err == nil {
		t.Fatal("Expected open breaker to reject the call")
	}
	if a.calls != before {
		t.Error("Expected no backend call while the breaker is open")
	}
}

func TestBreaker_IgnoresInvalidInput(t *testing.T) {
	a := &stubAdapter{invoke: func(ctx context.Context, params Params) (*RawOutput, error) {
		return nil, &ValidationError{Provider: "stub", Field: "top_k", Value: -1, Message: "positive"}
	}}
	m := newTestModel(t, a, WithCircuitBreaker())

	for i := 0; i < 5; i++ {
		m.Forward(context.Background(), &ChatRequest{Prompt: "hi"})
	}
	if !m.Available() {
		t.Error("Expected breaker to stay closed for invalid input")
	}
}
