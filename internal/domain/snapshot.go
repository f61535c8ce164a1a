package domain

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Snapshot is an immutable per-read view of a timer's observable state.
type Snapshot struct {
	TimerID          string
	Status           Status
	Label            string
	EndsAt           time.Time
	RemainingSeconds int
	Fingerprint      string
	LastModified     time.Time
}

// ChangedSince runs the conditional tick protocol against the client's
// cache validators. The fingerprint comparator takes precedence; the
// last-modified comparator is the coarser fallback. With no validators
// the state counts as changed (first request).
func (s Snapshot) ChangedSince(clientFingerprint string, clientModifiedSince *time.Time) bool {
	if clientFingerprint != "" {
		return s.Fingerprint != clientFingerprint
	}
	if clientModifiedSince != nil {
		// HTTP dates carry whole-second granularity.
		return s.LastModified.Truncate(time.Second).After(clientModifiedSince.Truncate(time.Second))
	}
	return true
}

// buildFingerprint derives the weak entity tag from the fields that make
// a tick observable. Equality implies nothing observable changed.
func buildFingerprint(timerID string, status Status, version, remaining int) string {
	parts := []string{timerID, string(status), strconv.Itoa(version), strconv.Itoa(remaining)}
	digest := sha1.Sum([]byte(strings.Join(parts, "::")))
	return `W/"` + base64.RawURLEncoding.EncodeToString(digest[:]) + `"`
}

// SnapshotBuilder assembles snapshots, consulting the state cache for
// running timers and triggering finalization when a deadline has passed.
type SnapshotBuilder struct {
	repo      TimerRepository
	cache     *StateCache
	finalizer *Finalizer
	clock     clockwork.Clock
}

// NewSnapshotBuilder constructs a SnapshotBuilder.
func NewSnapshotBuilder(repo TimerRepository, cache *StateCache, finalizer *Finalizer, clock clockwork.Clock) *SnapshotBuilder {
	return &SnapshotBuilder{repo: repo, cache: cache, finalizer: finalizer, clock: clock}
}

// Build produces a snapshot for the timer. The returned timer pointer
// reflects any finalization that happened during the build and must be
// used by the caller in place of its argument.
func (b *SnapshotBuilder) Build(ctx context.Context, timer *Timer) (Snapshot, *Timer, error) {
	now := b.clock.Now().UTC()

	if timer.Status != StatusRunning {
		return b.snapshot(timer, timer.EndsAt, 0), timer, nil
	}

	remaining, endsAt := b.runningRemaining(ctx, timer, now)
	if remaining > 0 {
		return b.snapshot(timer, endsAt, remaining), timer, nil
	}

	// Deadline passed: finalize, then rebuild from the authoritative
	// record. A losing racer still sees running here and reports
	// remaining 0; the caller's next poll resolves it.
	if err := b.finalizer.Finalize(ctx, timer); err != nil {
		return Snapshot{}, nil, err
	}

	fresh, err := b.repo.GetTimer(ctx, timer.ID, timer.UserID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if fresh == nil {
		return Snapshot{}, nil, ErrTimerNotFound
	}
	return b.snapshot(fresh, fresh.EndsAt, 0), fresh, nil
}

// runningRemaining computes remaining seconds from the best available
// source: the cache when present, the durable row otherwise. Cache reads
// are advisory; a transient store failure falls back to the durable
// deadline.
func (b *SnapshotBuilder) runningRemaining(ctx context.Context, timer *Timer, now time.Time) (int, time.Time) {
	state, ok, err := b.cache.Get(ctx, timer.ID)
	if err != nil {
		log.Printf("timer state cache read failed for %s, using durable record: %v", timer.ID, err)
	} else if !ok {
		// Lazily rebuild the mirror; the durable record still answers
		// this read.
		if err := b.cache.Put(ctx, timer); err != nil {
			log.Printf("timer state cache repopulate failed for %s: %v", timer.ID, err)
		}
	}
	if state != nil {
		return state.Remaining(now), state.EndsAt()
	}

	remaining := int(timer.EndsAt.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, timer.EndsAt
}

func (b *SnapshotBuilder) snapshot(timer *Timer, endsAt time.Time, remaining int) Snapshot {
	return Snapshot{
		TimerID:          timer.ID,
		Status:           timer.Status,
		Label:            timer.Label,
		EndsAt:           endsAt,
		RemainingSeconds: remaining,
		Fingerprint:      buildFingerprint(timer.ID, timer.Status, timer.Version, remaining),
		LastModified:     timer.UpdatedAt,
	}
}
