// Package store defines the persistence abstraction for the coordinator.
// The default implementation is SQLite; nothing else is planned, but the
// dispatcher and router only see this interface.
package store

import (
	"context"
	"time"
)

// Status is the persisted lifecycle state of a job.  The only legal
// transition path is pending → processing → completed or failed.
type Status string

const (
	// StatusPending means the job is queued and eligible for dispatch.
	StatusPending Status = "pending"

	// StatusProcessing means the job has been handed to a worker.
	StatusProcessing Status = "processing"

	// StatusCompleted means the assigned worker reported success.
	StatusCompleted Status = "completed"

	// StatusFailed means the assigned worker reported failure.
	StatusFailed Status = "failed"
)

// Job is the persisted record of a submitted job.  Body holds the raw JSON
// text exactly as the submitter posted it; it is delivered to the assigned
// worker unmodified.  Type and Tags are extracted from the body at intake
// and are advisory.
type Job struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Body         string     `json:"body"`
	Status       Status     `json:"status"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// Store is the persistence abstraction.  All methods are context-aware.
//
// On boot the store performs no reconciliation of rows left in processing:
// if a worker was lost mid-flight the operator resets the row by hand (or
// enables the stale-requeue sweep).
type Store interface {
	// Insert persists a new job.  CreatedAt must already be set; it defines
	// FIFO order and is never mutated afterwards.
	Insert(ctx context.Context, job *Job) error

	// GetJob fetches a job by id.  Returns (nil, nil) when not found.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ListPending returns all pending jobs, oldest first.
	ListPending(ctx context.Context) ([]*Job, error)

	// MarkProcessing conditionally transitions a job from pending to
	// processing and stamps dispatched_at.  Returns false when the row was
	// no longer pending, which tells a concurrent dispatch sweep it lost
	// the race for this job.
	MarkProcessing(ctx context.Context, id string) (bool, error)

	// FinishJob conditionally transitions a job from processing to
	// completed or failed.  Returns false when the row was not in
	// processing.
	FinishJob(ctx context.Context, id string, status Status) (bool, error)

	// SetStatus unconditionally sets a job's status.  Operator-level
	// escape hatch; the dispatch path uses the conditional transitions.
	SetStatus(ctx context.Context, id string, status Status) error

	// PendingTagCounts returns a tag → count histogram over pending jobs.
	PendingTagCounts(ctx context.Context) (map[string]int, error)

	// RequeueStale returns processing jobs dispatched before cutoff to
	// pending and reports how many rows were flipped.
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
