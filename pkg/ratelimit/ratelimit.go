// Package ratelimit provides the per-minute request limiter that runs ahead
// of the credit quota check. The two are independent: this one smooths burst
// traffic, the quota engine meters consumption.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter keyed by
// credential.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(requestsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes one request slot for the credential.
func (l *Limiter) Allow(ctx context.Context, credentialID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:credential:%s", credentialID)
	res, err := l.store.Allow(ctx, key)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, credentialID string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("ratelimit:credential:%s", credentialID)
	return l.store.Status(ctx, key)
}
