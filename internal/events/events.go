// Package events defines the JSON payloads published for timer
// lifecycle changes.
package events

import "time"

// TimerStarted is emitted when a countdown is created.
type TimerStarted struct {
	TimerID         string    `json:"timer_id"`
	UserID          string    `json:"user_id"`
	Label           string    `json:"label"`
	DurationSeconds int       `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	EndsAt          time.Time `json:"ends_at"`
}

// TimerCompleted is emitted when an overdue timer is finalized.
type TimerCompleted struct {
	TimerID     string    `json:"timer_id"`
	UserID      string    `json:"user_id"`
	Label       string    `json:"label"`
	CompletedAt time.Time `json:"completed_at"`
}

// TimerCanceled is emitted when a user cancels a running timer.
type TimerCanceled struct {
	TimerID    string    `json:"timer_id"`
	UserID     string    `json:"user_id"`
	Label      string    `json:"label"`
	CanceledAt time.Time `json:"canceled_at"`
}
