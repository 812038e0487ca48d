package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter meters tokens per tenant over a one-minute window. A nil *Limiter allows
// everything, which is how the gateway runs without Redis.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func tenantKey(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}

// Allow charges tokens against the tenant's budget. Ensemble requests charge the
// estimate once per member.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	if l == nil || l.store == nil {
		return true, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, tenantKey(tenantID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	if l == nil || l.store == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store.Status(ctx, tenantKey(tenantID))
}
