package provider

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var errNoTokenizer = errors.New("no tokenizer configured")

// CostSchedule is the per-model price in USD per 1000 tokens.
type CostSchedule struct {
	InputCostPerThousand  float64 `yaml:"input_cost_per_thousand" json:"input_cost_per_thousand"`
	OutputCostPerThousand float64 `yaml:"output_cost_per_thousand" json:"output_cost_per_thousand"`
}

// CalculateUsage derives token totals and cost from a raw output. A nil output counts as zero usage.
func CalculateUsage(raw *RawOutput, cost CostSchedule) UsageStats {
	var promptTokens, completionTokens int
	if raw != nil {
		promptTokens = raw.Usage.PromptTokens
		completionTokens = raw.Usage.CompletionTokens
	}

	inputCost := float64(promptTokens) / 1000.0 * cost.InputCostPerThousand
	outputCost := float64(completionTokens) / 1000.0 * cost.OutputCostPerThousand

	return UsageStats{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          roundTo(inputCost+outputCost, 6),
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Tokenizer encodes text into token ids.
type Tokenizer interface {
	Encode(text string) []int
}

// TokenizerLoader loads the tokenizer for a model id.
type TokenizerLoader func(modelID string) (Tokenizer, error)

// TokenCounter counts tokens with a lazily loaded tokenizer and falls back to a
// whitespace word count whenever the tokenizer cannot be loaded or fails.
type TokenCounter struct {
	modelID string
	logger  *zap.Logger
	tok     *Lazy[Tokenizer]
}

func NewTokenCounter(modelID string, load TokenizerLoader, logger *zap.Logger) *TokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &TokenCounter{modelID: modelID, logger: logger}
	c.tok = NewLazy(func(context.Context) (Tokenizer, error) {
		if load == nil {
			return nil, errNoTokenizer
		}
		return load(modelID)
	})
	return c
}

// Warm loads the tokenizer ahead of the first count.
func (c *TokenCounter) Warm() error {
	_, err := c.tok.Get(context.Background())
	return err
}

func (c *TokenCounter) Count(text string) (n int) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("tokenizer panicked, estimating tokens from words",
				zap.String("model", c.modelID), zap.Any("panic", r))
			n = wordCount(text)
		}
	}()

	tok, err := c.tok.Get(context.Background())
	if err != nil {
		c.logger.Warn("failed to count tokens, estimating based on words",
			zap.String("model", c.modelID), zap.Error(err))
		return wordCount(text)
	}
	return len(tok.Encode(text))
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

type lazyState int

const (
	lazyEmpty lazyState = iota
	lazyReady
)

// Lazy holds an expensive resource created on first successful use and reused after.
// A failed load leaves it empty so the next call tries again.
type Lazy[T any] struct {
	mu    sync.Mutex
	state lazyState
	value T
	load  func(ctx context.Context) (T, error)
}

func NewLazy[T any](load func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{load: load}
}

func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == lazyReady {
		return l.value, nil
	}
	v, err := l.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.value = v
	l.state = lazyReady
	return v, nil
}

func (l *Lazy[T]) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == lazyReady
}
