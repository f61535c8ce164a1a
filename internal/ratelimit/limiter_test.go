package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"example.com/timers/internal/kv"
)

func TestAllowWithinLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLimiter(kv.NewMemory(clock))

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(context.Background(), "tick:user-1", 3, time.Minute); err != nil {
			t.Fatalf("request %d unexpectedly rejected: %v", i+1, err)
		}
	}
}

func TestRejectsOverLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLimiter(kv.NewMemory(clock))

	for i := 0; i < 2; i++ {
		if err := limiter.Allow(context.Background(), "tick:user-1", 2, time.Minute); err != nil {
			t.Fatalf("request %d unexpectedly rejected: %v", i+1, err)
		}
	}

	err := limiter.Allow(context.Background(), "tick:user-1", 2, time.Minute)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLimiter(kv.NewMemory(clock))

	for i := 0; i < 3; i++ {
		_ = limiter.Allow(context.Background(), "tick:user-1", 2, time.Minute)
	}

	clock.Advance(time.Minute + time.Second)

	if err := limiter.Allow(context.Background(), "tick:user-1", 2, time.Minute); err != nil {
		t.Fatalf("expected fresh window to allow, got %v", err)
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLimiter(kv.NewMemory(clock))

	if err := limiter.Allow(context.Background(), "tick:user-1", 1, time.Minute); err != nil {
		t.Fatalf("first identifier rejected: %v", err)
	}
	if err := limiter.Allow(context.Background(), "tick:user-2", 1, time.Minute); err != nil {
		t.Fatalf("second identifier rejected: %v", err)
	}
	if err := limiter.Allow(context.Background(), "tick:user-1", 1, time.Minute); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited for exhausted identifier, got %v", err)
	}
}

type failingStore struct {
	kv.Store
}

func (failingStore) Incr(context.Context, string) (int64, time.Duration, error) {
	return 0, 0, kv.ErrUnavailable
}

func TestStoreFaultFailsClosed(t *testing.T) {
	limiter := NewLimiter(failingStore{})

	err := limiter.Allow(context.Background(), "tick:user-1", 10, time.Minute)
	if !errors.Is(err, ErrLimiterUnavailable) {
		t.Fatalf("expected ErrLimiterUnavailable, got %v", err)
	}
}
