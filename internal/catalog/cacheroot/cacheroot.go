// Package cacheroot stores CacheRoot records: configured directories on local storage that hold derivation
// artifacts, with per-root size budgets enforced by optimistic compare-and-set on Version.
package cacheroot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested cache root does not exist.
var ErrNotFound = errors.New("cacheroot: not found")

// ErrConflict is returned by UpdateUsage when the optimistic-concurrency Version check loses a race; callers retry.
var ErrConflict = errors.New("cacheroot: version conflict, retry")

// ErrNested is returned by validation when a candidate path is nested inside (or identical to) an existing root.
var ErrNested = errors.New("cacheroot: path is nested inside an existing root")

// CacheRoot is a configured directory on local storage that holds derivation artifacts.
type CacheRoot struct {
	ID           string
	Name         string
	AbsolutePath string
	Priority     int
	MaxBytes     *int64 // nil means unlimited
	CurrentBytes int64
	FileCount    int
	Active       bool
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasSpace reports whether adding size bytes keeps the root within its budget.
func (c *CacheRoot) HasSpace(size int64) bool {
	if c.MaxBytes == nil {
		return true
	}
	return c.CurrentBytes+size <= *c.MaxBytes
}

// FreeBytes returns the remaining budget, or a very large sentinel when unlimited.
func (c *CacheRoot) FreeBytes() int64 {
	if c.MaxBytes == nil {
		return int64(^uint64(0) >> 1)
	}
	return *c.MaxBytes - c.CurrentBytes
}

// CreateParams groups the inputs for registering a new cache root.
type CreateParams struct {
	Name         string
	AbsolutePath string
	Priority     int
	MaxBytes     *int64
}

// UpdateParams groups the mutable configuration fields of a cache root. Name and Priority are left unchanged when
// nil; MaxBytes is only applied when SetMaxBytes is true, since nil is itself a meaningful value (unlimited).
type UpdateParams struct {
	Name        *string
	Priority    *int
	MaxBytes    *int64
	SetMaxBytes bool
}

// PathValidation is the structured result of validating a candidate cache-root path.
type PathValidation struct {
	Valid       bool
	Exists      bool
	Writable    bool
	IsDirectory bool
	FreeBytes   int64
	Reason      string
}

// Repository defines the data-access contract for CacheRoot records.
type Repository interface {
	// Create inserts a new cache root.
	Create(ctx context.Context, params CreateParams) (*CacheRoot, error)

	// GetByID returns a single cache root by ID.
	GetByID(ctx context.Context, id string) (*CacheRoot, error)

	// List returns every cache root. If activeOnly, deactivated roots are excluded.
	List(ctx context.Context, activeOnly bool) ([]CacheRoot, error)

	// SetActive toggles a root's Active flag without destroying its entries.
	SetActive(ctx context.Context, id string, active bool) error

	// Update changes a root's mutable configuration fields (name, priority, max bytes budget).
	Update(ctx context.Context, id string, params UpdateParams) (*CacheRoot, error)

	// Delete removes a cache root definition. Callers are responsible for evicting its entries first.
	Delete(ctx context.Context, id string) error

	// UpdateUsage applies deltaBytes/deltaFiles to CurrentBytes/FileCount using an optimistic compare-and-set on
	// Version, returning ErrConflict if another writer updated the row concurrently so the caller can retry.
	UpdateUsage(ctx context.Context, id string, version int, deltaBytes int64, deltaFiles int) (*CacheRoot, error)

	// ReconcileUsage overwrites CurrentBytes/FileCount to the given absolute values, used by the periodic audit once
	// it has recomputed true usage from disk and the catalog, bypassing the CAS (the audit is authoritative).
	ReconcileUsage(ctx context.Context, id string, currentBytes int64, fileCount int) error
}
