// This file defines the core data structures for job progress delivery:
// the durably logged ProgressEvent and the client-facing JobProgressView.

package models

import "time"

// EventKind classifies a progress event within a job's lifecycle.
type EventKind string

const (
	KindStarted      EventKind = "started"
	KindItemProgress EventKind = "item_progress"
	KindItemError    EventKind = "item_error"
	KindCompleted    EventKind = "completed"
	KindFailed       EventKind = "failed"
)

// Valid reports whether k is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindStarted, KindItemProgress, KindItemError, KindCompleted, KindFailed:
		return true
	}
	return false
}

// Terminal reports whether k ends a job. No further events are accepted
// for a job after a terminal event.
func (k EventKind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

// ProgressEvent is one observation of job progress. Sequence and CreatedAt
// are assigned by the event log store at append time, never by the caller.
type ProgressEvent struct {
	JobID       string    `json:"job_id"`
	Sequence    int64     `json:"sequence"`
	OwnerID     int64     `json:"owner_id"`
	Kind        EventKind `json:"kind"`
	Current     int       `json:"current"`
	Total       int       `json:"total"`
	Percent     float64   `json:"percent"`
	Message     string    `json:"message"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobProgressView is the aggregate a client renders: the fold of all
// emitted events for one job. It is a projection, not a stored entity.
type JobProgressView struct {
	JobID        string     `json:"job_id"`
	OwnerID      int64      `json:"owner_id"`
	State        string     `json:"state"` // "running", "completed", "failed"
	Current      int        `json:"current"`
	Total        int        `json:"total"`
	Percent      float64    `json:"percent"`
	Message      string     `json:"message"`
	ItemErrors   int        `json:"item_errors"`
	LastSequence int64      `json:"last_sequence"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
