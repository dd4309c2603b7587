package scheduledjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, kind, schedule_kind, cron_expr, interval_min, enabled, parameters, priority, timeout_min,
	max_retries, status, last_run_at, next_run_at, run_count, success_count, failure_count, created_at, updated_at`

const runSelectColumns = `id, scheduled_job_id, status, started_at, completed_at, duration_ms, error, triggered_by`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed scheduled job repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*ScheduledJob, error) {
	id := uuid.New().String()
	parameters := params.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}
	paramJSON, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	status := StatusIdle
	if !params.Enabled {
		status = StatusDisabled
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO catalog.scheduled_job
			(id, kind, schedule_kind, cron_expr, interval_min, enabled, parameters, priority, timeout_min, max_retries, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+selectColumns,
		id, params.Kind, string(params.ScheduleKind), params.CronExpr, params.IntervalMin, params.Enabled, paramJSON,
		params.Priority, params.TimeoutMin, params.MaxRetries, string(status),
	)
	return scanJob(row)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (*ScheduledJob, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM catalog.scheduled_job WHERE id = $1", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query scheduled job by id: %w", err)
	}
	return job, nil
}

func (r *PGRepository) List(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM catalog.scheduled_job ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("query scheduled jobs: %w", err)
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled jobs: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	newStatus := StatusIdle
	if !enabled {
		newStatus = StatusDisabled
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.scheduled_job
		 SET enabled = $2, status = CASE WHEN status = 'running' THEN status ELSE $3 END, updated_at = now()
		 WHERE id = $1`,
		id, enabled, string(newStatus),
	)
	if err != nil {
		return fmt.Errorf("set scheduled job enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) DueJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM catalog.scheduled_job
		 WHERE enabled AND status = 'idle' AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY priority DESC, next_run_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	return out, nil
}

// TryStartRun is the compare-and-swap at the heart of the no-overlap guarantee: only the caller whose
// UPDATE actually matches a row (status still 'idle') wins the race.
func (r *PGRepository) TryStartRun(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE catalog.scheduled_job SET status = 'running', updated_at = now() WHERE id = $1 AND status = 'idle'",
		id,
	)
	if err != nil {
		return false, fmt.Errorf("try start scheduled job run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishRun closes out a fire only while the job is still 'running'. The guard matters for a late return: if the
// Job Monitor already timed this fire out and forced the job idle, a newer fire may hold 'running' by now, and an
// unguarded update would stomp it back to idle mid-flight, opening the door to two concurrent runs. The stale
// caller gets ErrNotFound instead.
func (r *PGRepository) FinishRun(ctx context.Context, id string, success bool, nextRunAt time.Time) error {
	successDelta, failureDelta := 0, 0
	if success {
		successDelta = 1
	} else {
		failureDelta = 1
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.scheduled_job
		 SET status = 'idle', last_run_at = now(), next_run_at = $2, run_count = run_count + 1,
		     success_count = success_count + $3, failure_count = failure_count + $4, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, nextRunAt, successDelta, failureDelta,
	)
	if err != nil {
		return fmt.Errorf("finish scheduled job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ForceIdle(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE catalog.scheduled_job SET status = 'idle', updated_at = now() WHERE id = $1 AND status = 'running'",
		id,
	)
	if err != nil {
		return fmt.Errorf("force scheduled job idle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) CreateRun(ctx context.Context, scheduledJobID, triggeredBy string) (*ScheduledJobRun, error) {
	id := uuid.New().String()
	row := r.db.QueryRow(ctx,
		`INSERT INTO catalog.scheduled_job_run (id, scheduled_job_id, triggered_by)
		 VALUES ($1, $2, $3)
		 RETURNING `+runSelectColumns,
		id, scheduledJobID, triggeredBy,
	)
	return scanRun(row)
}

func (r *PGRepository) CompleteRun(ctx context.Context, runID string, status RunStatus, runErr string) error {
	var errPtr *string
	if runErr != "" {
		errPtr = &runErr
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.scheduled_job_run
		 SET status = $2, completed_at = now(), duration_ms = EXTRACT(EPOCH FROM (now() - started_at)) * 1000, error = $3
		 WHERE id = $1 AND status = 'running'`,
		runID, string(status), errPtr,
	)
	if err != nil {
		return fmt.Errorf("complete scheduled job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListRunsByJob(ctx context.Context, scheduledJobID string, limit, offset int) ([]ScheduledJobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+runSelectColumns+` FROM catalog.scheduled_job_run
		 WHERE scheduled_job_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		scheduledJobID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query scheduled job runs: %w", err)
	}
	defer rows.Close()

	var out []ScheduledJobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled job run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled job runs: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListTimedOutRuns(ctx context.Context, now time.Time) ([]ScheduledJobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT run.id, run.scheduled_job_id, run.status, run.started_at, run.completed_at, run.duration_ms,
		        run.error, run.triggered_by
		 FROM catalog.scheduled_job_run run
		 JOIN catalog.scheduled_job job ON job.id = run.scheduled_job_id
		 WHERE run.status = 'running' AND run.started_at < $1 - (job.timeout_min || ' minutes')::interval`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query timed out runs: %w", err)
	}
	defer rows.Close()

	var out []ScheduledJobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan timed out run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timed out runs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*ScheduledJob, error) {
	var j ScheduledJob
	var scheduleKind, status string
	var paramJSON []byte
	err := row.Scan(
		&j.ID, &j.Kind, &scheduleKind, &j.CronExpr, &j.IntervalMin, &j.Enabled, &paramJSON, &j.Priority,
		&j.TimeoutMin, &j.MaxRetries, &status, &j.LastRunAt, &j.NextRunAt, &j.RunCount, &j.SuccessCount,
		&j.FailureCount, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ScheduleKind = ScheduleKind(scheduleKind)
	j.Status = Status(status)
	if len(paramJSON) > 0 {
		if err := json.Unmarshal(paramJSON, &j.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return &j, nil
}

func scanRun(row pgx.Row) (*ScheduledJobRun, error) {
	var run ScheduledJobRun
	var status string
	err := row.Scan(
		&run.ID, &run.ScheduledJobID, &status, &run.StartedAt, &run.CompletedAt, &run.DurationMs, &run.Error,
		&run.TriggeredBy,
	)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	return &run, nil
}
