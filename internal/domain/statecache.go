package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"

	"example.com/timers/internal/kv"
)

const (
	stateKeyPrefix  = "timers:t:"
	finalizeLockTag = ":finalize"
)

func stateKey(timerID string) string {
	return stateKeyPrefix + timerID
}

func finalizeLockKey(timerID string) string {
	return stateKey(timerID) + finalizeLockTag
}

// CachedTimerState mirrors a running timer in the ephemeral store. It is
// a disposable read optimization; absence while the durable row says
// running is normal and triggers a lazy rebuild.
type CachedTimerState struct {
	EndUnix         int64  `json:"end_ts"`
	UserID          string `json:"user_id"`
	Label           string `json:"label"`
	DurationSeconds int    `json:"duration_sec"`
}

// EndsAt converts the mirrored deadline back to a timestamp.
func (s CachedTimerState) EndsAt() time.Time {
	return time.Unix(s.EndUnix, 0).UTC()
}

// Remaining returns whole seconds left until the mirrored deadline,
// floored at zero.
func (s CachedTimerState) Remaining(now time.Time) int {
	remaining := s.EndUnix - now.Unix()
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

// StateCache stores CachedTimerState entries with a TTL equal to the
// timer's remaining duration, so the store purges them on expiry.
type StateCache struct {
	store kv.Store
	clock clockwork.Clock
}

// NewStateCache constructs a StateCache.
func NewStateCache(store kv.Store, clock clockwork.Clock) *StateCache {
	return &StateCache{store: store, clock: clock}
}

// Put mirrors a running timer. Timers in a terminal state are never
// written.
func (c *StateCache) Put(ctx context.Context, timer *Timer) error {
	if timer.Status != StatusRunning {
		return nil
	}

	ttl := timer.EndsAt.Sub(c.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}

	state := CachedTimerState{
		EndUnix:         timer.EndsAt.Unix(),
		UserID:          timer.UserID,
		Label:           timer.Label,
		DurationSeconds: timer.DurationSeconds,
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, stateKey(timer.ID), string(payload), ttl)
}

// Get returns the mirrored state, reporting absence (TTL expiry, never
// written, or an undecodable entry) as a normal outcome.
func (c *StateCache) Get(ctx context.Context, timerID string) (*CachedTimerState, bool, error) {
	raw, ok, err := c.store.Get(ctx, stateKey(timerID))
	if err != nil || !ok {
		return nil, false, err
	}

	var state CachedTimerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil || state.EndUnix == 0 {
		return nil, false, nil
	}
	return &state, true, nil
}

// Clear removes both the state entry and any finalization lock, so a
// stale mirror cannot resurrect a finished timer.
func (c *StateCache) Clear(ctx context.Context, timerID string) error {
	return c.store.Delete(ctx, stateKey(timerID), finalizeLockKey(timerID))
}
