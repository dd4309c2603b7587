// Package scheduledjob stores ScheduledJob definitions (cron or interval triggers) and their ScheduledJobRun
// history, with the compare-and-set on Status that gives the Scheduler its no-overlap guarantee.
package scheduledjob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested scheduled job or run does not exist.
var ErrNotFound = errors.New("scheduledjob: not found")

// ScheduleKind distinguishes a cron expression trigger from a fixed-interval trigger.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

// Status is a ScheduledJob's current firing state.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
)

// ScheduledJob is a periodic trigger that emits queue messages on fire.
type ScheduledJob struct {
	ID           string
	Kind         string
	ScheduleKind ScheduleKind
	CronExpr     *string
	IntervalMin  *int
	Enabled      bool
	Parameters   map[string]any
	Priority     int
	TimeoutMin   int
	MaxRetries   int
	Status       Status
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	RunCount     int64
	SuccessCount int64
	FailureCount int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RunStatus is a ScheduledJobRun's outcome.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ScheduledJobRun records one firing of a ScheduledJob.
type ScheduledJobRun struct {
	ID             string
	ScheduledJobID string
	Status         RunStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	DurationMs     *int64
	Error          *string
	TriggeredBy    string
}

// CreateParams groups the inputs for registering a new scheduled job.
type CreateParams struct {
	Kind         string
	ScheduleKind ScheduleKind
	CronExpr     *string
	IntervalMin  *int
	Enabled      bool
	Parameters   map[string]any
	Priority     int
	TimeoutMin   int
	MaxRetries   int
}

// Repository defines the data-access contract for ScheduledJob records.
type Repository interface {
	// Create inserts a new scheduled job.
	Create(ctx context.Context, params CreateParams) (*ScheduledJob, error)

	// GetByID returns a single scheduled job by ID.
	GetByID(ctx context.Context, id string) (*ScheduledJob, error)

	// List returns every scheduled job.
	List(ctx context.Context) ([]ScheduledJob, error)

	// SetEnabled toggles Enabled, moving Status to StatusDisabled or StatusIdle accordingly. Disabling a currently
	// running job does not interrupt its in-flight run.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// DueJobs returns every enabled, idle job whose NextRunAt is at or before now, the Scheduler's per-tick
	// candidate set.
	DueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error)

	// TryStartRun attempts the compare-and-set idle->running transition. ok is false if another process already
	// won the race, so at most one ScheduledJobRun is ever in status running.
	TryStartRun(ctx context.Context, id string) (ok bool, err error)

	// FinishRun transitions a job back to StatusIdle, records nextRunAt, and increments run/success/failure
	// counters. It only applies while the job is still StatusRunning; a caller whose fire was already timed out
	// and reclaimed by the Job Monitor gets ErrNotFound and must not touch the job further.
	FinishRun(ctx context.Context, id string, success bool, nextRunAt time.Time) error

	// ForceIdle resets a job stuck in StatusRunning back to StatusIdle, used by the Job Monitor after it marks the
	// job's current run failed on timeout.
	ForceIdle(ctx context.Context, id string) error

	// CreateRun inserts a ScheduledJobRun row in RunStatusRunning.
	CreateRun(ctx context.Context, scheduledJobID, triggeredBy string) (*ScheduledJobRun, error)

	// CompleteRun closes a run with the given status and optional error.
	CompleteRun(ctx context.Context, runID string, status RunStatus, runErr string) error

	// ListRunsByJob returns a page of runs for one scheduled job, most recent first.
	ListRunsByJob(ctx context.Context, scheduledJobID string, limit, offset int) ([]ScheduledJobRun, error)

	// ListTimedOutRuns returns runs still RunStatusRunning whose owning ScheduledJob's TimeoutMin has elapsed as of
	// now, for the Job Monitor's stuck-run sweep.
	ListTimedOutRuns(ctx context.Context, now time.Time) ([]ScheduledJobRun, error)
}
