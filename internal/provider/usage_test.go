package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTokenizer struct {
	perWord int
	panics  bool
}

func (f fakeTokenizer) Encode(text string) []int {
	if f.panics {
		panic("corrupt vocabulary")
	}
	return make([]int, wordCount(text)*f.perWord)
}

func TestCalculateUsage(t *testing.T) {
	cost := CostSchedule{InputCostPerThousand: 0.001, OutputCostPerThousand: 0.002}
	raw := &RawOutput{Usage: TokenUsage{PromptTokens: 3, CompletionTokens: 4}}

	usage := CalculateUsage(raw, cost)

	if usage.PromptTokens != 3 || usage.CompletionTokens != 4 || usage.TotalTokens != 7 {
		t.Errorf("Unexpected token counts: %+v", usage)
	}
	if usage.CostUSD != 0.000011 {
		t.Errorf("Expected cost 0.000011, got %v", usage.CostUSD)
	}
	if again := CalculateUsage(raw, cost); again != usage {
		t.Errorf("Expected deterministic result, got %+v and %+v", usage, again)
	}
}

func TestCalculateUsage_Rounding(t *testing.T) {
	cost := CostSchedule{InputCostPerThousand: 0.00013, OutputCostPerThousand: 0}
	usage := CalculateUsage(&RawOutput{Usage: TokenUsage{PromptTokens: 7}}, cost)

	// 0.00000091 at six places.
	if usage.CostUSD != 0.000001 {
		t.Errorf("Expected 0.000001, got %v", usage.CostUSD)
	}
}

func TestCalculateUsage_NilOutput(t *testing.T) {
	usage := CalculateUsage(nil, CostSchedule{InputCostPerThousand: 1, OutputCostPerThousand: 1})
	if usage != (UsageStats{}) {
		t.Errorf("Expected zero usage, got %+v", usage)
	}
}

func TestTokenCounter_UsesTokenizer(t *testing.T) {
	c := NewTokenCounter("m", func(string) (Tokenizer, error) {
		return fakeTokenizer{perWord: 2}, nil
	}, nil)

	if got := c.Count("three little words"); got != 6 {
		t.Errorf("Expected 6 tokens, got %d", got)
	}
	if got := c.Count(""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}
}

func TestTokenCounter_FallsBackToWords(t *testing.T) {
	tests := []struct {
		name string
		load TokenizerLoader
	}{
		{name: "no loader", load: nil},
		{name: "load failure", load: func(string) (Tokenizer, error) { return nil, errors.New("offline") }},
		{name: "tokenizer panic", load: func(string) (Tokenizer, error) { return fakeTokenizer{panics: true}, nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			c := NewTokenCounter("m", tt.load, zap.New(core))

			if got := c.Count("Explain retries please"); got != 3 {
				t.Errorf("Expected word count 3, got %d", got)
			}
			if got := c.Count(""); got != 0 {
				t.Errorf("Expected 0 for empty text, got %d", got)
			}
			if logs.Len() == 0 {
				t.Error("Expected a warning to be logged")
			}
		})
	}
}

func TestTokenCounter_RetriesFailedLoad(t *testing.T) {
	var calls int32
	c := NewTokenCounter("m", func(string) (Tokenizer, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("offline")
		}
		return fakeTokenizer{perWord: 1}, nil
	}, nil)

	if err := c.Warm(); err == nil {
		t.Fatal("Expected first warm-up to fail")
	}
	if err := c.Warm(); err != nil {
		t.Fatalf("Expected second warm-up to succeed, got %v", err)
	}
	c.Count("a b")
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 loads, got %d", n)
	}
}

func TestLazy_LoadsOnceConcurrently(t *testing.T) {
	var calls int32
	l := NewLazy(func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "model", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := l.Get(context.Background()); err != nil || v != "model" {
				t.Errorf("Unexpected Get result %q, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected a single load, got %d", n)
	}
	if !l.Loaded() {
		t.Error("Expected Loaded to report true")
	}
}
