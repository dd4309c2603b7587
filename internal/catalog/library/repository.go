package library

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, name, root_path, watch_enabled, scan_interval_sec, allowed_formats, excluded_paths,
	tombstone_retention_hours, deleted_at, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed library repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Library, error) {
	id := uuid.New().String()
	row := r.db.QueryRow(ctx,
		`INSERT INTO catalog.library
			(id, name, root_path, watch_enabled, scan_interval_sec, allowed_formats, excluded_paths, tombstone_retention_hours)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+selectColumns,
		id, params.Name, params.RootPath, params.WatchEnabled, params.ScanIntervalSec,
		params.AllowedFormats, params.ExcludedPaths, params.TombstoneRetentionHours,
	)
	return scanLibrary(row)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (*Library, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM catalog.library WHERE id = $1 AND deleted_at IS NULL", id,
	)
	lib, err := scanLibrary(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query library by id: %w", err)
	}
	return lib, nil
}

func (r *PGRepository) List(ctx context.Context) ([]Library, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM catalog.library WHERE deleted_at IS NULL ORDER BY created_at", // creation order
	)
	if err != nil {
		return nil, fmt.Errorf("query libraries: %w", err)
	}
	defer rows.Close()

	var libs []Library
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		libs = append(libs, *lib)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate libraries: %w", err)
	}
	return libs, nil
}

func (r *PGRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE catalog.library SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return fmt.Errorf("soft delete library: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanLibrary(row pgx.Row) (*Library, error) {
	var l Library
	err := row.Scan(
		&l.ID, &l.Name, &l.RootPath, &l.WatchEnabled, &l.ScanIntervalSec, &l.AllowedFormats, &l.ExcludedPaths,
		&l.TombstoneRetentionHours, &l.DeletedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
