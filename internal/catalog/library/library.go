// Package library stores the Library entity: a user-configured filesystem root containing many Collections.
package library

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested library does not exist or has been soft-deleted.
var ErrNotFound = errors.New("library: not found")

// Library is a root configured by the user, scanned on a schedule, containing many Collections.
type Library struct {
	ID                      string
	Name                    string
	RootPath                string
	WatchEnabled            bool
	ScanIntervalSec         int
	AllowedFormats          []string
	ExcludedPaths           []string
	TombstoneRetentionHours int
	DeletedAt               *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CreateParams groups the inputs for registering a new library.
type CreateParams struct {
	Name                    string
	RootPath                string
	WatchEnabled            bool
	ScanIntervalSec         int
	AllowedFormats          []string
	ExcludedPaths           []string
	TombstoneRetentionHours int
}

// Repository defines the data-access contract for Library records.
type Repository interface {
	// Create inserts a new library.
	Create(ctx context.Context, params CreateParams) (*Library, error)

	// GetByID returns a single non-deleted library by ID.
	GetByID(ctx context.Context, id string) (*Library, error)

	// List returns every non-deleted library.
	List(ctx context.Context) ([]Library, error)

	// SoftDelete marks a library deleted without destroying its collections.
	SoftDelete(ctx context.Context, id string) error
}
