package backgroundjob

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

const selectColumns = `id, kind, parameters, status, total, done, failed, started_at, completed_at, last_error,
	parent_id, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed background job repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*BackgroundJob, error) {
	id := uuid.New().String()
	parameters := params.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}
	paramJSON, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO catalog.background_job (id, kind, parameters, total, parent_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		id, params.Kind, paramJSON, params.Total, params.ParentID,
	)
	return scanJob(row)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (*BackgroundJob, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM catalog.background_job WHERE id = $1", id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job by id: %w", err)
	}
	return job, nil
}

func (r *PGRepository) MarkRunning(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.background_job
		 SET status = $2, started_at = COALESCE(started_at, now()), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) IncrementDone(ctx context.Context, id string, delta int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.background_job
		 SET done = done + $2,
		     status = CASE WHEN done + $2 + failed >= total THEN 'completed' ELSE status END,
		     completed_at = CASE WHEN done + $2 + failed >= total THEN now() ELSE completed_at END,
		     updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, delta,
	)
	if err != nil {
		return fmt.Errorf("increment job done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) IncrementFailed(ctx context.Context, id string, delta int, lastError string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.background_job
		 SET failed = failed + $2,
		     last_error = $3,
		     status = CASE WHEN done + failed + $2 >= total THEN 'completed' ELSE status END,
		     completed_at = CASE WHEN done + failed + $2 >= total THEN now() ELSE completed_at END,
		     updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, delta, truncateError(lastError),
	)
	if err != nil {
		return fmt.Errorf("increment job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Cancel(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.background_job SET status = 'cancelled', completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListRunningOlderThan(ctx context.Context, olderThan time.Time) ([]BackgroundJob, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM catalog.background_job WHERE status = 'running' AND started_at < $1",
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()

	var out []BackgroundJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stuck jobs: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.background_job SET status = 'failed', last_error = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, truncateError(reason),
	)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// truncateError bounds lastError's stored length so one giant stack trace can't bloat the job row.
func truncateError(msg string) string {
	const maxLen = 2000
	if len(msg) <= maxLen {
		return msg
	}
	return msg[:maxLen]
}

func scanJob(row pgx.Row) (*BackgroundJob, error) {
	var j BackgroundJob
	var status string
	var paramJSON []byte
	err := row.Scan(
		&j.ID, &j.Kind, &paramJSON, &status, &j.Total, &j.Done, &j.Failed, &j.StartedAt, &j.CompletedAt, &j.LastError,
		&j.ParentID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if len(paramJSON) > 0 {
		if err := json.Unmarshal(paramJSON, &j.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return &j, nil
}
