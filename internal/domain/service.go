package domain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"example.com/timers/internal/kv"
	"example.com/timers/internal/observability"
	"example.com/timers/internal/ratelimit"
)

// Rate limit scopes; the limiter key is "<scope>:<user-id>".
const (
	scopeCreate    = "timer:create"
	scopeCancel    = "timer:cancel"
	scopeTick      = "timer:tick"
	scopeBatchTick = "timer:batch-tick"
)

// Options tunes the service. Zero values fall back to the defaults the
// product ships with.
type Options struct {
	RateLimitTokens  int64
	RateLimitWindow  time.Duration
	LongPollTimeout  time.Duration
	LongPollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RateLimitTokens == 0 {
		o.RateLimitTokens = 60
	}
	if o.RateLimitWindow == 0 {
		o.RateLimitWindow = time.Minute
	}
	if o.LongPollTimeout == 0 {
		o.LongPollTimeout = 30 * time.Second
	}
	if o.LongPollInterval == 0 {
		o.LongPollInterval = 500 * time.Millisecond
	}
	return o
}

// Service orchestrates timer workflows: creation, cancellation, reads,
// and the single and batched conditional long polls.
type Service struct {
	repo    TimerRepository
	cache   *StateCache
	builder *SnapshotBuilder
	limiter *ratelimit.Limiter
	clock   clockwork.Clock
	opts    Options
}

// NewService wires the engine together on top of the durable repository
// and the shared ephemeral store.
func NewService(repo TimerRepository, store kv.Store, clock clockwork.Clock, opts Options) *Service {
	cache := NewStateCache(store, clock)
	finalizer := NewFinalizer(repo, cache, store, clock)
	return &Service{
		repo:    repo,
		cache:   cache,
		builder: NewSnapshotBuilder(repo, cache, finalizer, clock),
		limiter: ratelimit.NewLimiter(store),
		clock:   clock,
		opts:    opts.withDefaults(),
	}
}

// TimerView bundles the durable fields with the computed snapshot values.
type TimerView struct {
	ID               string
	Label            string
	DurationSeconds  int
	Status           Status
	StartedAt        time.Time
	EndsAt           time.Time
	CompletedAt      *time.Time
	CanceledAt       *time.Time
	RemainingSeconds int
	Fingerprint      string
	LastModified     time.Time
}

// TickView is the long-poll response for one timer. Modified is false
// only for the distinguished not-modified outcome of a non-waiting tick
// or a poll that timed out unchanged; the fingerprint and last-modified
// values are still carried so the client can re-arm its validators.
type TickView struct {
	ID               string
	Status           Status
	Label            string
	EndsAt           time.Time
	RemainingSeconds int
	Fingerprint      string
	LastModified     time.Time
	Modified         bool
}

// BatchTickResult partitions a batch into resolved views (in request
// order) and unchanged ids (sorted for determinism).
type BatchTickResult struct {
	Resolved  []TickView
	Unchanged []string
}

func (s *Service) enforceRateLimit(ctx context.Context, scope, userID string) error {
	err := s.limiter.Allow(ctx, scope+":"+userID, s.opts.RateLimitTokens, s.opts.RateLimitWindow)
	if err != nil {
		observability.RecordRateLimited(scope)
	}
	return err
}

// CreateTimer starts a countdown for the user.
func (s *Service) CreateTimer(ctx context.Context, userID, label string, durationSeconds int) (*TimerView, error) {
	if err := s.enforceRateLimit(ctx, scopeCreate, userID); err != nil {
		return nil, err
	}

	if label == "" {
		label = DefaultLabel
	}
	if len(label) > MaxLabelLength {
		return nil, fmt.Errorf("%w: label exceeds %d characters", ErrValidation, MaxLabelLength)
	}
	if durationSeconds < MinDurationSeconds || durationSeconds > MaxDurationSeconds {
		return nil, fmt.Errorf("%w: duration_seconds must be between %d and %d", ErrValidation, MinDurationSeconds, MaxDurationSeconds)
	}

	now := s.clock.Now().UTC()
	timer := Timer{
		ID:              uuid.NewString(),
		UserID:          userID,
		Label:           label,
		DurationSeconds: durationSeconds,
		Status:          StatusRunning,
		StartedAt:       now,
		EndsAt:          now.Add(time.Duration(durationSeconds) * time.Second),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateTimer(ctx, timer); err != nil {
		return nil, err
	}
	if err := s.cache.Put(ctx, &timer); err != nil {
		// The mirror is regenerated lazily on the next read.
		observability.RecordCacheWriteFailure()
	}

	return s.view(ctx, &timer)
}

// CancelTimer terminally cancels a running timer. Canceling a timer that
// already finished returns its current view unchanged.
func (s *Service) CancelTimer(ctx context.Context, userID, timerID string) (*TimerView, error) {
	if err := s.enforceRateLimit(ctx, scopeCancel, userID); err != nil {
		return nil, err
	}

	timer, err := s.load(ctx, timerID, userID)
	if err != nil {
		return nil, err
	}
	if timer.Status != StatusRunning {
		return s.view(ctx, timer)
	}

	timer.MarkCanceled(s.clock.Now().UTC())
	if err := s.repo.UpdateTimer(ctx, *timer); err != nil {
		return nil, err
	}
	if err := s.cache.Clear(ctx, timer.ID); err != nil {
		return nil, err
	}

	return s.view(ctx, timer)
}

// GetTimer returns the current view of one timer.
func (s *Service) GetTimer(ctx context.Context, userID, timerID string) (*TimerView, error) {
	timer, err := s.load(ctx, timerID, userID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, timer)
}

// ListTimers returns the user's timers, newest first.
func (s *Service) ListTimers(ctx context.Context, userID string) ([]TimerView, error) {
	timers, err := s.repo.ListTimersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]TimerView, 0, len(timers))
	for i := range timers {
		view, err := s.view(ctx, &timers[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// Tick is the single-timer conditional long poll. With wait false it
// answers immediately, reporting Modified=false when the client's
// validators still match. With wait true it rebuilds the snapshot at a
// fixed interval until the state changes or the deadline elapses.
func (s *Service) Tick(ctx context.Context, userID, timerID, clientFingerprint string, clientModifiedSince *time.Time, wait bool) (*TickView, error) {
	if err := s.enforceRateLimit(ctx, scopeTick, userID); err != nil {
		return nil, err
	}

	start := s.clock.Now()
	var timeout time.Duration
	if wait {
		timeout = s.opts.LongPollTimeout
	}
	deadline := start.Add(timeout)

	for {
		timer, err := s.load(ctx, timerID, userID)
		if err != nil {
			return nil, err
		}
		snapshot, _, err := s.builder.Build(ctx, timer)
		if err != nil {
			return nil, err
		}

		changed := snapshot.ChangedSince(clientFingerprint, clientModifiedSince)
		if changed || !wait || !s.clock.Now().Before(deadline) {
			observability.ObserveLongPollDuration(s.clock.Since(start))
			observability.RecordTick(changed)
			return tickView(snapshot, changed), nil
		}

		if err := s.pause(ctx); err != nil {
			return nil, err
		}
	}
}

// BatchTick long-polls a set of timers with independently tracked
// fingerprints. Ids whose snapshot changed resolve immediately; the
// batch never waits for every member. Duplicate ids are rejected before
// any I/O.
func (s *Service) BatchTick(ctx context.Context, userID string, timerIDs []string, clientFingerprints map[string]string, wait bool, timeout time.Duration) (*BatchTickResult, error) {
	if err := validateBatchIDs(timerIDs); err != nil {
		return nil, err
	}
	if err := s.enforceRateLimit(ctx, scopeBatchTick, userID); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = s.opts.LongPollTimeout
	}
	start := s.clock.Now()
	deadline := start
	if wait {
		deadline = start.Add(timeout)
	}

	pending := make(map[string]struct{}, len(timerIDs))
	for _, id := range timerIDs {
		pending[id] = struct{}{}
	}
	resolved := make(map[string]TickView, len(timerIDs))
	unchanged := make(map[string]struct{})

	for len(pending) > 0 {
		for _, id := range timerIDs {
			if _, waiting := pending[id]; !waiting {
				continue
			}
			timer, err := s.load(ctx, id, userID)
			if err != nil {
				return nil, err
			}
			snapshot, _, err := s.builder.Build(ctx, timer)
			if err != nil {
				return nil, err
			}

			changed := snapshot.ChangedSince(clientFingerprints[id], nil)
			observability.RecordTick(changed)
			switch {
			case changed:
				resolved[id] = *tickView(snapshot, true)
				delete(pending, id)
			case !wait:
				unchanged[id] = struct{}{}
				delete(pending, id)
			}
		}

		if len(pending) == 0 || !wait {
			break
		}
		if !s.clock.Now().Before(deadline) {
			for id := range pending {
				unchanged[id] = struct{}{}
			}
			break
		}
		if err := s.pause(ctx); err != nil {
			return nil, err
		}
	}
	observability.ObserveLongPollDuration(s.clock.Since(start))

	result := &BatchTickResult{
		Resolved:  make([]TickView, 0, len(resolved)),
		Unchanged: make([]string, 0, len(unchanged)),
	}
	for _, id := range timerIDs {
		if view, ok := resolved[id]; ok {
			result.Resolved = append(result.Resolved, view)
		}
	}
	for id := range unchanged {
		result.Unchanged = append(result.Unchanged, id)
	}
	sort.Strings(result.Unchanged)
	return result, nil
}

// AdminSummary reports aggregate timer counts across all users.
func (s *Service) AdminSummary(ctx context.Context) (Summary, error) {
	return s.repo.TimerSummary(ctx)
}

// pause suspends the poll loop for one interval, releasing promptly when
// the client disconnects.
func (s *Service) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.opts.LongPollInterval):
		return nil
	}
}

func (s *Service) load(ctx context.Context, timerID, userID string) (*Timer, error) {
	timer, err := s.repo.GetTimer(ctx, timerID, userID)
	if err != nil {
		return nil, err
	}
	if timer == nil {
		return nil, ErrTimerNotFound
	}
	return timer, nil
}

func (s *Service) view(ctx context.Context, timer *Timer) (*TimerView, error) {
	snapshot, fresh, err := s.builder.Build(ctx, timer)
	if err != nil {
		return nil, err
	}
	return &TimerView{
		ID:               fresh.ID,
		Label:            fresh.Label,
		DurationSeconds:  fresh.DurationSeconds,
		Status:           fresh.Status,
		StartedAt:        fresh.StartedAt,
		EndsAt:           fresh.EndsAt,
		CompletedAt:      fresh.CompletedAt,
		CanceledAt:       fresh.CanceledAt,
		RemainingSeconds: snapshot.RemainingSeconds,
		Fingerprint:      snapshot.Fingerprint,
		LastModified:     snapshot.LastModified,
	}, nil
}

func tickView(snapshot Snapshot, modified bool) *TickView {
	return &TickView{
		ID:               snapshot.TimerID,
		Status:           snapshot.Status,
		Label:            snapshot.Label,
		EndsAt:           snapshot.EndsAt,
		RemainingSeconds: snapshot.RemainingSeconds,
		Fingerprint:      snapshot.Fingerprint,
		LastModified:     snapshot.LastModified,
		Modified:         modified,
	}
}

func validateBatchIDs(timerIDs []string) error {
	if len(timerIDs) == 0 {
		return fmt.Errorf("%w: timer_ids must not be empty", ErrValidation)
	}
	seen := make(map[string]struct{}, len(timerIDs))
	for _, id := range timerIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: timer_ids must be unique", ErrValidation)
		}
		seen[id] = struct{}{}
	}
	return nil
}
