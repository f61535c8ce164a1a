package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"example.com/timers/internal/kv"
	"example.com/timers/internal/observability"
)

const (
	defaultLockTTL     = 30 * time.Second
	defaultLockBackoff = 100 * time.Millisecond
)

// Finalizer transitions an overdue running timer to completed exactly
// once, even when concurrent requests (possibly in other processes)
// observe the expiry simultaneously. The kv lock is the only mutual
// exclusion primitive in the system.
type Finalizer struct {
	repo        TimerRepository
	cache       *StateCache
	store       kv.Store
	clock       clockwork.Clock
	lockTTL     time.Duration
	lockBackoff time.Duration
}

// NewFinalizer constructs a Finalizer.
func NewFinalizer(repo TimerRepository, cache *StateCache, store kv.Store, clock clockwork.Clock) *Finalizer {
	return &Finalizer{
		repo:        repo,
		cache:       cache,
		store:       store,
		clock:       clock,
		lockTTL:     defaultLockTTL,
		lockBackoff: defaultLockBackoff,
	}
}

// Finalize completes the timer if it is overdue. Losing a lock race is
// not an error: the loser backs off briefly and returns without having
// mutated anything, and the caller must re-read the timer to observe the
// eventual completed state.
func (f *Finalizer) Finalize(ctx context.Context, timer *Timer) error {
	if timer.Status != StatusRunning {
		return nil
	}

	acquired, err := f.store.SetNX(ctx, finalizeLockKey(timer.ID), "1", f.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire finalize lock: %w", err)
	}
	if !acquired {
		// Another caller is finalizing; give it time.
		f.clock.Sleep(f.lockBackoff)
		return nil
	}

	mutateErr := f.complete(ctx, timer)

	// Cleanup runs whether or not the mutation succeeded, so a failed
	// attempt does not block future attempts beyond the lock's own TTL.
	if err := f.cache.Clear(ctx, timer.ID); err != nil {
		if mutateErr == nil {
			return fmt.Errorf("clear timer state: %w", err)
		}
	}
	return mutateErr
}

func (f *Finalizer) complete(ctx context.Context, timer *Timer) error {
	// Re-read under the lock: a concurrent cancel or an earlier
	// finalization may have already left running.
	fresh, err := f.repo.GetTimer(ctx, timer.ID, timer.UserID)
	if err != nil {
		return fmt.Errorf("reload timer for finalization: %w", err)
	}
	if fresh == nil || fresh.Status != StatusRunning {
		return nil
	}

	fresh.MarkCompleted(f.clock.Now().UTC())
	if err := f.repo.UpdateTimer(ctx, *fresh); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Another writer got there first; their mutation stands.
			return nil
		}
		return fmt.Errorf("persist completed timer: %w", err)
	}
	observability.RecordFinalization()
	return nil
}
