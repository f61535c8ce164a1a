// Package domain implements the countdown timer lifecycle engine: the
// durable timer model, its ephemeral state mirror, expiry finalization,
// snapshot building, and the long-poll tick operations.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimerNotFound covers both absent timers and timers owned by a
	// different user, so non-owners cannot probe for existence.
	ErrTimerNotFound = errors.New("timer not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrVersionConflict is returned by the repository when a concurrent
	// writer updated the same timer row first.
	ErrVersionConflict = errors.New("timer version conflict")
)

// Status is the lifecycle state of a timer. Once a timer leaves
// StatusRunning it never re-enters it.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// Creation bounds, mirrored by the API layer.
const (
	MinDurationSeconds = 60
	MaxDurationSeconds = 8 * 60 * 60
	MaxLabelLength     = 128
	DefaultLabel       = "Pomodoro"
)

// Timer is the durable record. The database row is the single source of
// truth for existence and terminal state; the kv mirror is advisory.
type Timer struct {
	ID              string
	UserID          string
	Label           string
	DurationSeconds int
	Status          Status
	StartedAt       time.Time
	EndsAt          time.Time
	CompletedAt     *time.Time
	CanceledAt      *time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// touch records a mutation: version strictly increases and updated_at
// moves forward.
func (t *Timer) touch(now time.Time) {
	t.Version++
	t.UpdatedAt = now
}

// MarkCompleted transitions the timer to completed. EndsAt is frozen to
// the actual completion instant, not the originally scheduled one.
func (t *Timer) MarkCompleted(now time.Time) {
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.EndsAt = now
	t.touch(now)
}

// MarkCanceled transitions the timer to canceled.
func (t *Timer) MarkCanceled(now time.Time) {
	t.Status = StatusCanceled
	t.CanceledAt = &now
	t.touch(now)
}

// TimerRepository captures what the engine needs from the durable store.
type TimerRepository interface {
	CreateTimer(ctx context.Context, timer Timer) error
	// GetTimer returns nil without error when no timer matches the
	// (id, user) pair.
	GetTimer(ctx context.Context, timerID, userID string) (*Timer, error)
	// UpdateTimer persists a mutated timer, guarding on the previous
	// version. It returns ErrVersionConflict when a concurrent writer won.
	UpdateTimer(ctx context.Context, timer Timer) error
	// ListTimersByUser returns the user's timers newest first.
	ListTimersByUser(ctx context.Context, userID string) ([]Timer, error)
	TimerSummary(ctx context.Context) (Summary, error)
}

// Summary aggregates counts for the admin report.
type Summary struct {
	Total       int
	Running     int
	Completed   int
	Canceled    int
	ActiveUsers int
}
