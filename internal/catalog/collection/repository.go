package collection

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

	"github.com/nvia/catalogd/internal/postgres"
)

const selectColumns = `id, library_id, name, path, kind, settings, images, image_count, total_size_bytes,
	scan_error, last_scanned_at, deleted_at, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL, storing Images as a JSONB array on the collection row so
// most reads touch one row, with a per-row fallback table (catalog.imagerow) once a collection's
// ImageCount exceeds LargeCollectionThreshold so a single read never loads an unbounded JSON blob.
type PGRepository struct {
	db                       *pgxpool.Pool
	log                      zerolog.Logger
	largeCollectionThreshold int
}

// NewPGRepository creates a new PostgreSQL-backed collection repository. largeCollectionThreshold is the ImageCount
// above which Images are stored in catalog.imagerow instead of the images JSONB column.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger, largeCollectionThreshold int) *PGRepository {
	return &PGRepository{db: db, log: logger, largeCollectionThreshold: largeCollectionThreshold}
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Collection, error) {
	id := uuid.New().String()
	settings := params.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO catalog.collection (id, library_id, name, path, kind, settings, images)
		 VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb)
		 RETURNING `+selectColumns,
		id, params.LibraryID, params.Name, params.Path, string(params.Kind), settingsJSON,
	)
	return scanCollection(row)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (*Collection, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM catalog.collection WHERE id = $1 AND deleted_at IS NULL", id,
	)
	c, err := scanCollection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query collection by id: %w", err)
	}

	if c.ImageCount > r.largeCollectionThreshold {
		images, err := r.loadImageRows(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load paginated images: %w", err)
		}
		c.Images = images
	}

	return c, nil
}

func (r *PGRepository) ListByLibrary(ctx context.Context, libraryID string) ([]Collection, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM catalog.collection WHERE library_id = $1 AND deleted_at IS NULL ORDER BY path",
		libraryID,
	)
	if err != nil {
		return nil, fmt.Errorf("query collections by library: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE catalog.collection SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return fmt.Errorf("soft delete collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReconcileImages overwrites a collection's image set and stats inside one transaction, serialized per-collection
// by a Postgres advisory lock so a concurrent derivation write (UpdateImage) can never interleave with a scan's
// whole-array replace.
func (r *PGRepository) ReconcileImages(ctx context.Context, collectionID string, images []Image, stats Stats) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockCollection(ctx, tx, collectionID); err != nil {
			return err
		}

		if stats.TotalImages > r.largeCollectionThreshold {
			if err := r.writeImageRows(ctx, tx, collectionID, images); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE catalog.collection
				 SET images = '[]'::jsonb, image_count = $2, total_size_bytes = $3, last_scanned_at = $4,
				     scan_error = NULL, updated_at = now()
				 WHERE id = $1`,
				collectionID, stats.TotalImages, stats.TotalSizeBytes, stats.LastScannedAt,
			); err != nil {
				return fmt.Errorf("update collection stats: %w", err)
			}
			return nil
		}

		imagesJSON, err := json.Marshal(images)
		if err != nil {
			return fmt.Errorf("marshal images: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE catalog.collection
			 SET images = $2, image_count = $3, total_size_bytes = $4, last_scanned_at = $5, scan_error = NULL,
			     updated_at = now()
			 WHERE id = $1 AND deleted_at IS NULL`,
			collectionID, imagesJSON, stats.TotalImages, stats.TotalSizeBytes, stats.LastScannedAt,
		)
		if err != nil {
			return fmt.Errorf("update collection images: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *PGRepository) SetScanError(ctx context.Context, collectionID string, message string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE catalog.collection SET scan_error = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL",
		collectionID, message,
	)
	if err != nil {
		return fmt.Errorf("set scan error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) UpdateImage(ctx context.Context, collectionID, imageID string, mutate func(*Image)) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockCollection(ctx, tx, collectionID); err != nil {
			return err
		}

		var imageCount int
		var rawImages []byte
		err := tx.QueryRow(ctx,
			"SELECT image_count, images FROM catalog.collection WHERE id = $1 AND deleted_at IS NULL", collectionID,
		).Scan(&imageCount, &rawImages)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("query collection for update: %w", err)
		}

		if imageCount > r.largeCollectionThreshold {
			return r.updateImageRow(ctx, tx, collectionID, imageID, mutate)
		}

		var images []Image
		if err := json.Unmarshal(rawImages, &images); err != nil {
			return fmt.Errorf("unmarshal images: %w", err)
		}

		found := false
		for i := range images {
			if images[i].ID == imageID {
				mutate(&images[i])
				found = true
				break
			}
		}
		if !found {
			return ErrImageNotFound
		}

		imagesJSON, err := json.Marshal(images)
		if err != nil {
			return fmt.Errorf("marshal images: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"UPDATE catalog.collection SET images = $2, updated_at = now() WHERE id = $1", collectionID, imagesJSON,
		); err != nil {
			return fmt.Errorf("update image: %w", err)
		}
		return nil
	})
}

func (r *PGRepository) updateImageRow(ctx context.Context, tx pgx.Tx, collectionID, imageID string, mutate func(*Image)) error {
	var relativePath string
	var raw []byte
	err := tx.QueryRow(ctx,
		`SELECT relative_path, image FROM catalog.imagerow
		 WHERE collection_id = $1 AND image->>'id' = $2`,
		collectionID, imageID,
	).Scan(&relativePath, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrImageNotFound
		}
		return fmt.Errorf("query imagerow: %w", err)
	}

	var img Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return fmt.Errorf("unmarshal imagerow: %w", err)
	}
	mutate(&img)

	imgJSON, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("marshal imagerow: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE catalog.imagerow SET image = $3, updated_at = now()
		 WHERE collection_id = $1 AND relative_path = $2`,
		collectionID, relativePath, imgJSON,
	); err != nil {
		return fmt.Errorf("update imagerow: %w", err)
	}
	return nil
}

func (r *PGRepository) writeImageRows(ctx context.Context, tx pgx.Tx, collectionID string, images []Image) error {
	if _, err := tx.Exec(ctx, "DELETE FROM catalog.imagerow WHERE collection_id = $1", collectionID); err != nil {
		return fmt.Errorf("clear imagerow: %w", err)
	}
	for _, img := range images {
		imgJSON, err := json.Marshal(img)
		if err != nil {
			return fmt.Errorf("marshal imagerow: %w", err)
		}
		deletedAt := (*time.Time)(nil)
		if img.IsDeleted {
			deletedAt = img.DeletedAt
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO catalog.imagerow (collection_id, relative_path, image, deleted_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (collection_id, relative_path) DO UPDATE SET image = $3, deleted_at = $4, updated_at = now()`,
			collectionID, img.RelativePath, imgJSON, deletedAt,
		); err != nil {
			return fmt.Errorf("upsert imagerow: %w", err)
		}
	}
	return nil
}

func (r *PGRepository) loadImageRows(ctx context.Context, collectionID string) ([]Image, error) {
	rows, err := r.db.Query(ctx,
		"SELECT image FROM catalog.imagerow WHERE collection_id = $1 ORDER BY relative_path", collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query imagerow: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan imagerow: %w", err)
		}
		var img Image
		if err := json.Unmarshal(raw, &img); err != nil {
			return nil, fmt.Errorf("unmarshal imagerow: %w", err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate imagerow: %w", err)
	}
	return images, nil
}

// EvictionCandidates finds artifacts pointing at cacheRootID across every collection, joining the JSONB images
// column and the imagerow fallback table, and returns those valid and not accessed since referencedBefore, oldest
// first: the input to Cache Placement's eviction fallback.
func (r *PGRepository) EvictionCandidates(ctx context.Context, cacheRootID string, referencedBefore time.Time) ([]EvictionCandidate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT collection_id, image_id, kind, path, bytes, last_accessed_at FROM (
			SELECT c.id AS collection_id, elem->>'id' AS image_id,
			       'thumbnail' AS kind,
			       elem->'thumbnail'->>'path' AS path,
			       (elem->'thumbnail'->>'bytes')::bigint AS bytes,
			       (elem->'thumbnail'->>'lastAccessedAt')::timestamptz AS last_accessed_at
			FROM catalog.collection c, jsonb_array_elements(c.images) elem
			WHERE elem->'thumbnail'->>'cacheRootId' = $1 AND (elem->'thumbnail'->>'valid')::boolean IS TRUE
			UNION ALL
			SELECT c.id, elem->>'id', 'cache',
			       elem->'cache'->>'path',
			       (elem->'cache'->>'bytes')::bigint,
			       (elem->'cache'->>'lastAccessedAt')::timestamptz
			FROM catalog.collection c, jsonb_array_elements(c.images) elem
			WHERE elem->'cache'->>'cacheRootId' = $1 AND (elem->'cache'->>'valid')::boolean IS TRUE
			UNION ALL
			SELECT ir.collection_id, ir.image->>'id', 'thumbnail',
			       ir.image->'thumbnail'->>'path',
			       (ir.image->'thumbnail'->>'bytes')::bigint,
			       (ir.image->'thumbnail'->>'lastAccessedAt')::timestamptz
			FROM catalog.imagerow ir
			WHERE ir.image->'thumbnail'->>'cacheRootId' = $1 AND (ir.image->'thumbnail'->>'valid')::boolean IS TRUE
			UNION ALL
			SELECT ir.collection_id, ir.image->>'id', 'cache',
			       ir.image->'cache'->>'path',
			       (ir.image->'cache'->>'bytes')::bigint,
			       (ir.image->'cache'->>'lastAccessedAt')::timestamptz
			FROM catalog.imagerow ir
			WHERE ir.image->'cache'->>'cacheRootId' = $1 AND (ir.image->'cache'->>'valid')::boolean IS TRUE
		) candidates
		WHERE last_accessed_at < $2
		ORDER BY last_accessed_at ASC`,
		cacheRootID, referencedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("query eviction candidates: %w", err)
	}
	defer rows.Close()

	var out []EvictionCandidate
	for rows.Next() {
		var ec EvictionCandidate
		if err := rows.Scan(&ec.CollectionID, &ec.ImageID, &ec.Kind, &ec.Path, &ec.Bytes, &ec.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan eviction candidate: %w", err)
		}
		out = append(out, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eviction candidates: %w", err)
	}
	return out, nil
}

func (r *PGRepository) InvalidateArtifact(ctx context.Context, collectionID, imageID, kind string) error {
	return r.UpdateImage(ctx, collectionID, imageID, func(img *Image) {
		switch kind {
		case "thumbnail":
			if img.Thumbnail != nil {
				img.Thumbnail.Valid = false
			}
		case "cache":
			if img.Cache != nil {
				img.Cache.Valid = false
			}
		}
	})
}

// lockCollection takes a transaction-scoped advisory lock keyed by collectionID, serializing every read-modify-write
// against this collection's Images so a scan's whole-array replace and a derivation worker's single-image update
// never interleave.
func lockCollection(ctx context.Context, tx pgx.Tx, collectionID string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", collectionID); err != nil {
		return fmt.Errorf("acquire collection lock: %w", err)
	}
	return nil
}

func scanCollection(row pgx.Row) (*Collection, error) {
	var c Collection
	var kind string
	var settingsJSON, imagesJSON []byte
	err := row.Scan(
		&c.ID, &c.LibraryID, &c.Name, &c.Path, &kind, &settingsJSON, &imagesJSON, &c.ImageCount, &c.TotalSizeBytes,
		&c.ScanError, &c.LastScannedAt, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	if len(imagesJSON) > 0 {
		if err := json.Unmarshal(imagesJSON, &c.Images); err != nil {
			return nil, fmt.Errorf("unmarshal images: %w", err)
		}
	}

	return &c, nil
}
