// Package backgroundjob tracks BackgroundJob records: parent rows aggregating the progress of one or many queue
// messages, driven by derivation workers and reconciled by the Job Monitor.
package backgroundjob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested job does not exist.
var ErrNotFound = errors.New("backgroundjob: not found")

// Status is a BackgroundJob's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// BackgroundJob is a parent record tracking aggregate progress of one or many queue messages.
type BackgroundJob struct {
	ID          string
	Kind        string
	Parameters  map[string]any
	Status      Status
	Total       int
	Done        int
	Failed      int
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
	ParentID    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTerminal reports whether the job has reached a status it will never leave.
func (j *BackgroundJob) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CreateParams groups the inputs for enqueueing a new job.
type CreateParams struct {
	Kind       string
	Parameters map[string]any
	Total      int
	ParentID   *string
}

// Repository defines the data-access contract for BackgroundJob records.
type Repository interface {
	// Create inserts a new job in StatusPending.
	Create(ctx context.Context, params CreateParams) (*BackgroundJob, error)

	// GetByID returns a single job by ID.
	GetByID(ctx context.Context, id string) (*BackgroundJob, error)

	// MarkRunning transitions a job to StatusRunning, recording StartedAt on first transition.
	MarkRunning(ctx context.Context, id string) error

	// IncrementDone atomically increments Done by delta and, if Done+Failed==Total, marks the job StatusCompleted.
	IncrementDone(ctx context.Context, id string, delta int) error

	// IncrementFailed atomically increments Failed by delta, records lastError, and completes the job the same way
	// IncrementDone does once Done+Failed==Total.
	IncrementFailed(ctx context.Context, id string, delta int, lastError string) error

	// Cancel requests cancellation: a pending or running job moves directly to StatusCancelled.
	Cancel(ctx context.Context, id string) error

	// ListRunningOlderThan returns jobs still StatusRunning whose StartedAt predates the given time, for the Job
	// Monitor's stuck-job sweep.
	ListRunningOlderThan(ctx context.Context, olderThan time.Time) ([]BackgroundJob, error)

	// MarkFailed force-transitions a job to StatusFailed with the given reason, used by the Job Monitor when a
	// running job has exceeded its timeout.
	MarkFailed(ctx context.Context, id string, reason string) error
}
