// Package postgres provides pgx-backed persistence for timers, users,
// and the event outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/timers/internal/accounts"
	"example.com/timers/internal/domain"
	"example.com/timers/internal/events"
)

// Repository implements domain.TimerRepository and accounts.UserRepository
// on a pgx pool. Lifecycle events are recorded in the outbox inside the
// same transaction as the row mutation.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ domain.TimerRepository  = (*Repository)(nil)
	_ accounts.UserRepository = (*Repository)(nil)
)

const timerColumns = `id, user_id, label, duration_seconds, status, started_at, ends_at, completed_at, canceled_at, version, created_at, updated_at`

// CreateTimer inserts the timer and its timer.started event atomically.
func (r *Repository) CreateTimer(ctx context.Context, timer domain.Timer) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const stmt = `INSERT INTO timers (` + timerColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = tx.Exec(ctx, stmt,
		timer.ID,
		timer.UserID,
		timer.Label,
		timer.DurationSeconds,
		timer.Status,
		timer.StartedAt,
		timer.EndsAt,
		timer.CompletedAt,
		timer.CanceledAt,
		timer.Version,
		timer.CreatedAt,
		timer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert timer: %w", err)
	}

	if err := insertOutbox(ctx, tx, timer, "timer.started", events.TimerStarted{
		TimerID:         timer.ID,
		UserID:          timer.UserID,
		Label:           timer.Label,
		DurationSeconds: timer.DurationSeconds,
		StartedAt:       timer.StartedAt,
		EndsAt:          timer.EndsAt,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetTimer returns nil when no timer matches the (id, user) pair, so
// ownership failures are indistinguishable from absence.
func (r *Repository) GetTimer(ctx context.Context, timerID, userID string) (*domain.Timer, error) {
	const query = `SELECT ` + timerColumns + ` FROM timers WHERE id=$1 AND user_id=$2`

	row := r.pool.QueryRow(ctx, query, timerID, userID)
	timer, err := scanTimer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get timer: %w", err)
	}
	return timer, nil
}

// UpdateTimer persists a mutated timer guarded by its previous version,
// recording the matching lifecycle event in the same transaction.
func (r *Repository) UpdateTimer(ctx context.Context, timer domain.Timer) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const stmt = `UPDATE timers
        SET label=$1, status=$2, ends_at=$3, completed_at=$4, canceled_at=$5, version=$6, updated_at=$7
        WHERE id=$8 AND version=$9`

	tag, err := tx.Exec(ctx, stmt,
		timer.Label,
		timer.Status,
		timer.EndsAt,
		timer.CompletedAt,
		timer.CanceledAt,
		timer.Version,
		timer.UpdatedAt,
		timer.ID,
		timer.Version-1,
	)
	if err != nil {
		return fmt.Errorf("update timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}

	if err := insertLifecycleEvent(ctx, tx, timer); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func insertLifecycleEvent(ctx context.Context, tx pgx.Tx, timer domain.Timer) error {
	switch timer.Status {
	case domain.StatusCompleted:
		return insertOutbox(ctx, tx, timer, "timer.completed", events.TimerCompleted{
			TimerID:     timer.ID,
			UserID:      timer.UserID,
			Label:       timer.Label,
			CompletedAt: *timer.CompletedAt,
		})
	case domain.StatusCanceled:
		return insertOutbox(ctx, tx, timer, "timer.canceled", events.TimerCanceled{
			TimerID:    timer.ID,
			UserID:     timer.UserID,
			Label:      timer.Label,
			CanceledAt: *timer.CanceledAt,
		})
	default:
		return nil
	}
}

// ListTimersByUser returns the user's timers newest first.
func (r *Repository) ListTimersByUser(ctx context.Context, userID string) ([]domain.Timer, error) {
	const query = `SELECT ` + timerColumns + ` FROM timers WHERE user_id=$1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	defer rows.Close()

	var timers []domain.Timer
	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("list timers: %w", err)
		}
		timers = append(timers, *timer)
	}
	return timers, rows.Err()
}

// TimerSummary aggregates counts for the admin report.
func (r *Repository) TimerSummary(ctx context.Context) (domain.Summary, error) {
	var summary domain.Summary

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(id) FROM timers GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("timer summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("timer summary: %w", err)
		}
		switch status {
		case domain.StatusRunning:
			summary.Running = count
		case domain.StatusCompleted:
			summary.Completed = count
		case domain.StatusCanceled:
			summary.Canceled = count
		}
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	row := r.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT user_id) FROM timers`)
	if err := row.Scan(&summary.ActiveUsers); err != nil {
		return summary, fmt.Errorf("timer summary: %w", err)
	}
	return summary, nil
}

// CreateUser inserts an account row.
func (r *Repository) CreateUser(ctx context.Context, user accounts.User) error {
	const stmt = `INSERT INTO users (id, email, hashed_password, is_active, is_admin, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := r.pool.Exec(ctx, stmt,
		user.ID,
		user.Email,
		user.HashedPassword,
		user.IsActive,
		user.IsAdmin,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return accounts.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns nil when the email is unknown.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*accounts.User, error) {
	return r.getUser(ctx, `SELECT id, email, hashed_password, is_active, is_admin, created_at, updated_at FROM users WHERE email=$1`, email)
}

// GetUserByID returns nil when the id is unknown.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*accounts.User, error) {
	return r.getUser(ctx, `SELECT id, email, hashed_password, is_active, is_admin, created_at, updated_at FROM users WHERE id=$1`, id)
}

func (r *Repository) getUser(ctx context.Context, query string, arg any) (*accounts.User, error) {
	row := r.pool.QueryRow(ctx, query, arg)

	var user accounts.User
	err := row.Scan(&user.ID, &user.Email, &user.HashedPassword, &user.IsActive, &user.IsAdmin, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, timer domain.Timer, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", timer.ID, eventType, timer.Version)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		"timer",
		timer.ID,
		eventType,
		meta.Topic,
		meta.PartitionKeyFn(timer),
		body,
		dedupeKey,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanTimer(row pgx.Row) (*domain.Timer, error) {
	var timer domain.Timer
	err := row.Scan(
		&timer.ID,
		&timer.UserID,
		&timer.Label,
		&timer.DurationSeconds,
		&timer.Status,
		&timer.StartedAt,
		&timer.EndsAt,
		&timer.CompletedAt,
		&timer.CanceledAt,
		&timer.Version,
		&timer.CreatedAt,
		&timer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &timer, nil
}

// EventMetadata describes how an outbox event is routed.
type EventMetadata struct {
	Topic          string
	PartitionKeyFn func(domain.Timer) string
}

var eventCatalog = map[string]EventMetadata{
	"timer.started": {
		Topic:          "timer_events",
		PartitionKeyFn: func(t domain.Timer) string { return t.UserID },
	},
	"timer.completed": {
		Topic:          "timer_events",
		PartitionKeyFn: func(t domain.Timer) string { return t.UserID },
	},
	"timer.canceled": {
		Topic:          "timer_events",
		PartitionKeyFn: func(t domain.Timer) string { return t.UserID },
	},
}
