package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds exponential backoff around a single Invoke.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
	}
}

type retryInvoker struct {
	next   Invoker
	policy RetryPolicy
	logger *zap.Logger
}

// WithRetry decorates next so failed invocations are retried with exponential backoff.
// Invalid input, configuration errors and cancellation are returned on first occurrence.
// When attempts run out the last error is returned unchanged.
func WithRetry(next Invoker, policy RetryPolicy, logger *zap.Logger) Invoker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryInvoker{next: next, policy: policy, logger: logger}
}

func (r *retryInvoker) Invoke(ctx context.Context, params Params) (*RawOutput, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.MaxInterval = r.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	operation := func() (*RawOutput, error) {
		attempt++
		// Adapters pop keys from params, so every attempt gets its own copy.
		out, err := r.next.Invoke(ctx, params.Clone())
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("invocation failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return nil, err
	}
	return out, nil
}
