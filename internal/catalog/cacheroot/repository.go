package cacheroot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, name, absolute_path, priority, max_bytes, current_bytes, file_count, active, version,
	created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed cache root repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*CacheRoot, error) {
	id := uuid.New().String()
	row := r.db.QueryRow(ctx,
		`INSERT INTO catalog.cache_root (id, name, absolute_path, priority, max_bytes)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		id, params.Name, params.AbsolutePath, params.Priority, params.MaxBytes,
	)
	return scanCacheRoot(row)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (*CacheRoot, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM catalog.cache_root WHERE id = $1", id)
	cr, err := scanCacheRoot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query cache root by id: %w", err)
	}
	return cr, nil
}

func (r *PGRepository) List(ctx context.Context, activeOnly bool) ([]CacheRoot, error) {
	query := "SELECT " + selectColumns + " FROM catalog.cache_root"
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY priority DESC, name"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query cache roots: %w", err)
	}
	defer rows.Close()

	var out []CacheRoot
	for rows.Next() {
		cr, err := scanCacheRoot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache root: %w", err)
		}
		out = append(out, *cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache roots: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE catalog.cache_root SET active = $2, updated_at = now() WHERE id = $1", id, active,
	)
	if err != nil {
		return fmt.Errorf("set cache root active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Update(ctx context.Context, id string, params UpdateParams) (*CacheRoot, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE catalog.cache_root
		 SET name = COALESCE($2, name),
		     priority = COALESCE($3, priority),
		     max_bytes = CASE WHEN $4 THEN $5 ELSE max_bytes END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+selectColumns,
		id, params.Name, params.Priority, params.SetMaxBytes, params.MaxBytes,
	)
	cr, err := scanCacheRoot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update cache root: %w", err)
	}
	return cr, nil
}

func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM catalog.cache_root WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete cache root: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) UpdateUsage(ctx context.Context, id string, version int, deltaBytes int64, deltaFiles int) (*CacheRoot, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE catalog.cache_root
		 SET current_bytes = current_bytes + $3, file_count = file_count + $4, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2
		 RETURNING `+selectColumns,
		id, version, deltaBytes, deltaFiles,
	)
	cr, err := scanCacheRoot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update cache root usage: %w", err)
	}
	return cr, nil
}

func (r *PGRepository) ReconcileUsage(ctx context.Context, id string, currentBytes int64, fileCount int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE catalog.cache_root
		 SET current_bytes = $2, file_count = $3, version = version + 1, updated_at = now()
		 WHERE id = $1`,
		id, currentBytes, fileCount,
	)
	if err != nil {
		return fmt.Errorf("reconcile cache root usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCacheRoot(row pgx.Row) (*CacheRoot, error) {
	var cr CacheRoot
	err := row.Scan(
		&cr.ID, &cr.Name, &cr.AbsolutePath, &cr.Priority, &cr.MaxBytes, &cr.CurrentBytes, &cr.FileCount, &cr.Active,
		&cr.Version, &cr.CreatedAt, &cr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cr, nil
}
