// Package ratelimit implements fixed-window request limiting backed by
// the shared ephemeral store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/timers/internal/kv"
)

// ErrRateLimited is returned when an identifier exhausts its window quota.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrLimiterUnavailable is returned when the backing store cannot answer.
// Callers must fail the request rather than silently allowing it.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

const keyPrefix = "timers:rl:"

// Limiter counts requests per identifier within a fixed window. The
// counter always increments, even for rejected requests.
type Limiter struct {
	store kv.Store
}

// NewLimiter constructs a Limiter on the given store.
func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{store: store}
}

// Allow increments the identifier's window counter and rejects with
// ErrRateLimited once the count exceeds limit. The first increment of a
// window seeds the key's expiry.
func (l *Limiter) Allow(ctx context.Context, identifier string, limit int64, window time.Duration) error {
	key := keyPrefix + identifier

	count, ttl, err := l.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if ttl == kv.NoTTL {
		if err := l.store.Expire(ctx, key, window); err != nil {
			return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
	}
	if count > limit {
		return fmt.Errorf("%w (%d per %s)", ErrRateLimited, limit, window)
	}
	return nil
}
