package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/timers/internal/domain"
)

// CreateTimerRequest is the payload for POST /v1/timers.
type CreateTimerRequest struct {
	Label           string `json:"label"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Validate ensures request correctness before the domain is consulted.
func (r CreateTimerRequest) Validate() error {
	if r.DurationSeconds < domain.MinDurationSeconds || r.DurationSeconds > domain.MaxDurationSeconds {
		return fmt.Errorf("duration_seconds must be between %d and %d", domain.MinDurationSeconds, domain.MaxDurationSeconds)
	}
	if len(r.Label) > domain.MaxLabelLength {
		return fmt.Errorf("label must be at most %d characters", domain.MaxLabelLength)
	}
	return nil
}

// BatchTickRequest is the payload for POST /v1/timers/batch/tick.
type BatchTickRequest struct {
	TimerIDs       []string          `json:"timer_ids"`
	Wait           *bool             `json:"wait,omitempty"`
	ClientEtags    map[string]string `json:"client_etags,omitempty"`
	TimeoutSeconds *float64          `json:"timeout_seconds,omitempty"`
}

// Validate rejects empty and duplicate id sets before any I/O happens.
func (r BatchTickRequest) Validate() error {
	if len(r.TimerIDs) == 0 {
		return errors.New("timer_ids must not be empty")
	}
	seen := make(map[string]struct{}, len(r.TimerIDs))
	for _, id := range r.TimerIDs {
		if strings.TrimSpace(id) == "" {
			return errors.New("timer_ids must not contain blank entries")
		}
		if _, dup := seen[id]; dup {
			return errors.New("timer_ids must be unique")
		}
		seen[id] = struct{}{}
	}
	return nil
}

// TimerView exposes full details about a timer.
type TimerView struct {
	ID               string     `json:"id"`
	Label            string     `json:"label"`
	DurationSeconds  int        `json:"duration_seconds"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	EndsAt           time.Time  `json:"ends_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`
	Etag             string     `json:"etag"`
	LastModified     time.Time  `json:"last_modified"`
}

// TickView is the body of a resolved tick.
type TickView struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	Label            string    `json:"label"`
	EndsAt           time.Time `json:"ends_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Etag             string    `json:"etag"`
	LastModified     time.Time `json:"last_modified"`
}

// BatchTickResponse partitions a batch into resolved bodies and
// not-modified ids.
type BatchTickResponse struct {
	Timers      []TickView `json:"timers"`
	NotModified []string   `json:"not_modified"`
}

// TimerSummaryResponse is the admin aggregate report.
type TimerSummaryResponse struct {
	Total       int `json:"total"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Canceled    int `json:"canceled"`
	ActiveUsers int `json:"active_users"`
}

func toTimerView(view domain.TimerView) TimerView {
	return TimerView{
		ID:               view.ID,
		Label:            view.Label,
		DurationSeconds:  view.DurationSeconds,
		Status:           string(view.Status),
		StartedAt:        view.StartedAt,
		EndsAt:           view.EndsAt,
		CompletedAt:      view.CompletedAt,
		CanceledAt:       view.CanceledAt,
		RemainingSeconds: view.RemainingSeconds,
		Etag:             view.Fingerprint,
		LastModified:     view.LastModified,
	}
}

func toTickView(view domain.TickView) TickView {
	return TickView{
		ID:               view.ID,
		Status:           string(view.Status),
		Label:            view.Label,
		EndsAt:           view.EndsAt,
		RemainingSeconds: view.RemainingSeconds,
		Etag:             view.Fingerprint,
		LastModified:     view.LastModified,
	}
}
