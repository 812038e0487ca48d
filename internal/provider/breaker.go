package provider

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker is an Invoker guarded by a circuit breaker. It sits outside the retry policy,
// so one tripped count corresponds to one exhausted retry sequence.
type Breaker struct {
	next Invoker
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(name string, next Invoker) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Bad requests say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) == KindInvalidInput
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Invoke(ctx context.Context, params Params) (*RawOutput, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Invoke(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return result.(*RawOutput), nil
}

// Open reports whether calls are currently being rejected.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}
