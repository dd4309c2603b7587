// Package collection stores the Collection aggregate: a folder or archive file of images, with Image (and its
// embedded Thumbnail/CacheEntry) records nested inside the collection document so a browse is a single read.
package collection

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested collection does not exist or has been soft-deleted.
var ErrNotFound = errors.New("collection: not found")

// ErrImageNotFound is returned when a requested image does not exist inside a collection.
var ErrImageNotFound = errors.New("collection: image not found")

// Kind enumerates the sources a Collection can be built from.
type Kind string

const (
	KindFolder Kind = "folder"
	KindZip    Kind = "zip"
	Kind7z     Kind = "7z"
	KindRar    Kind = "rar"
	KindTar    Kind = "tar"
	KindCbz    Kind = "cbz"
	KindCbr    Kind = "cbr"
)

// Thumbnail is the small, fast-loading derived artifact for an Image.
type Thumbnail struct {
	Path           string    `json:"path"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Bytes          int64     `json:"bytes"`
	Format         string    `json:"format"`
	Quality        int       `json:"quality"`
	GeneratedAt    time.Time `json:"generatedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
	Valid          bool      `json:"valid"`
	CacheRootID    string    `json:"cacheRootId"`
}

// CacheEntry is the downscaled full-view derived artifact for an Image.
type CacheEntry struct {
	Path           string    `json:"path"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Bytes          int64     `json:"bytes"`
	Quality        int       `json:"quality"`
	GeneratedAt    time.Time `json:"generatedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	Valid          bool      `json:"valid"`
	CacheRootID    string    `json:"cacheRootId"`
}

// Image is one picture inside a Collection, embedded in the collection document.
type Image struct {
	ID           string         `json:"id"`
	Filename     string         `json:"filename"`
	RelativePath string         `json:"relativePath"`
	Size         int64          `json:"size"`
	ModTime      time.Time      `json:"modTime"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	Format       string         `json:"format"`
	ViewCount    int64          `json:"viewCount"`
	IsDeleted    bool           `json:"isDeleted"`
	DeletedAt    *time.Time     `json:"deletedAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Thumbnail    *Thumbnail     `json:"thumbnail,omitempty"`
	Cache        *CacheEntry    `json:"cache,omitempty"`
}

// Stats summarizes a Collection's images, refreshed at the end of every scan.
type Stats struct {
	TotalImages    int
	TotalSizeBytes int64
	LastScannedAt  time.Time
}

// Collection is a unit of browsing: either a folder of images or a single archive file.
type Collection struct {
	ID             string
	LibraryID      string
	Name           string
	Path           string
	Kind           Kind
	Settings       map[string]any
	Images         []Image
	ImageCount     int
	TotalSizeBytes int64
	ScanError      *string
	LastScannedAt  *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AutoGenerateCache reports whether Settings requests cache-image generation alongside thumbnails. Settings is an
// opaque bag; only well-known keys like this one are interpreted.
func (c *Collection) AutoGenerateCache() bool {
	v, ok := c.Settings["autoGenerateCache"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}

// CreateParams groups the inputs for registering a new collection.
type CreateParams struct {
	LibraryID string
	Name      string
	Path      string
	Kind      Kind
	Settings  map[string]any
}

// EvictionCandidate is one derived artifact eligible for LRU eviction from a CacheRoot.
type EvictionCandidate struct {
	CollectionID   string
	ImageID        string
	Kind           string // "thumbnail" or "cache"
	Path           string
	Bytes          int64
	LastAccessedAt time.Time
}

// Repository defines the data-access contract for Collection records and their embedded Images.
type Repository interface {
	// Create inserts a new, empty collection.
	Create(ctx context.Context, params CreateParams) (*Collection, error)

	// GetByID returns a single non-deleted collection by ID, with its full Images array.
	GetByID(ctx context.Context, id string) (*Collection, error)

	// ListByLibrary returns every non-deleted collection belonging to libraryID, for the scheduler's
	// library-scan fan-out.
	ListByLibrary(ctx context.Context, libraryID string) ([]Collection, error)

	// SoftDelete marks a collection deleted without destroying its artifacts.
	SoftDelete(ctx context.Context, id string) error

	// ReconcileImages atomically replaces a collection's Images array and refreshes its stats, under a per-collection
	// advisory lock so concurrent derivation writes to the same collection never race with a scan.
	ReconcileImages(ctx context.Context, collectionID string, images []Image, stats Stats) error

	// SetScanError records a scan failure without touching the existing Images array.
	SetScanError(ctx context.Context, collectionID string, message string) error

	// UpdateImage fetches the Images array, applies mutate to the single image matching imageID under a
	// per-collection advisory lock, then writes the array back. Returns ErrImageNotFound if imageID is absent.
	UpdateImage(ctx context.Context, collectionID, imageID string, mutate func(*Image)) error

	// EvictionCandidates returns every valid, referenced-by-root-id derived artifact not accessed since
	// referencedBefore, across all collections, ordered ascending by LastAccessedAt (oldest first).
	EvictionCandidates(ctx context.Context, cacheRootID string, referencedBefore time.Time) ([]EvictionCandidate, error)

	// InvalidateArtifact marks the named artifact (thumbnail or cache) invalid, used both by eviction and by scan
	// reconciliation when a source file changes.
	InvalidateArtifact(ctx context.Context, collectionID, imageID, kind string) error
}
