// Package placement selects, writes to, and evicts from CacheRoot directories: the distributed cache-folder layer
// derivation workers use to store thumbnail and cache artifacts.
package placement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/catalog/cacheroot"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalogerr"
)

// ErrNoRoot is returned when no active cache root can accommodate an artifact, even after eviction.
var ErrNoRoot = errors.New("placement: no cache root has room for this artifact")

// Placer selects a CacheRoot for a new artifact, writes it atomically, and evicts LRU entries to make room.
type Placer struct {
	roots       cacheroot.Repository
	collections collection.Repository
	log         zerolog.Logger
}

// New creates a Placer.
func New(roots cacheroot.Repository, collections collection.Repository, log zerolog.Logger) *Placer {
	return &Placer{roots: roots, collections: collections, log: log}
}

// Path builds the on-disk path for one artifact under root:
// <root>/<kind>/<collectionId[:2]>/<collectionId>/<imageId>-<width>x<height>.<ext>.
func Path(root *cacheroot.CacheRoot, kind, collectionID, imageID string, width, height int, ext string) string {
	shard := collectionID
	if len(shard) > 2 {
		shard = shard[:2]
	}
	filename := fmt.Sprintf("%s-%dx%d%s", imageID, width, height, ext)
	return filepath.Join(root.AbsolutePath, kind, shard, collectionID, filename)
}

// Place picks a cache root with room for size bytes (selecting by highest priority, then greatest free space, then
// lexical name, with the root ID as a last tiebreak), evicting LRU artifacts from the highest-priority active root
// if none currently fit, writes data atomically via a temp file plus rename, and records the usage delta.
func (p *Placer) Place(ctx context.Context, kind, collectionID, imageID string, width, height int, ext string, data []byte) (string, *cacheroot.CacheRoot, error) {
	root, err := p.selectRoot(ctx, int64(len(data)))
	if err != nil {
		return "", nil, err
	}

	path := Path(root, kind, collectionID, imageID, width, height, ext)
	if err := writeAtomic(path, data); err != nil {
		return "", nil, catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("write artifact: %w", err))
	}

	if _, err := p.applyUsageDelta(ctx, root.ID, int64(len(data)), 1); err != nil {
		return "", nil, catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("record cache root usage: %w", err))
	}

	return path, root, nil
}

// selectRoot applies the priority/free-space/name selection order, falling back to evicting LRU artifacts
// when nothing currently has room.
func (p *Placer) selectRoot(ctx context.Context, size int64) (*cacheroot.CacheRoot, error) {
	root, err := p.bestFit(ctx, size)
	if err != nil {
		return nil, err
	}
	if root != nil {
		return root, nil
	}

	if err := p.evictForSpace(ctx, size); err != nil {
		return nil, err
	}

	root, err = p.bestFit(ctx, size)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, catalogerr.New(catalogerr.KindResourceExhausted, ErrNoRoot)
	}
	return root, nil
}

func (p *Placer) bestFit(ctx context.Context, size int64) (*cacheroot.CacheRoot, error) {
	roots, err := p.roots.List(ctx, true)
	if err != nil {
		return nil, catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("list cache roots: %w", err))
	}

	var candidates []cacheroot.CacheRoot
	for _, r := range roots {
		if r.HasSpace(size) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if candidates[i].FreeBytes() != candidates[j].FreeBytes() {
			return candidates[i].FreeBytes() > candidates[j].FreeBytes()
		}
		if candidates[i].Name != candidates[j].Name {
			return candidates[i].Name < candidates[j].Name
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	return &chosen, nil
}

// evictForSpace reclaims the oldest-accessed artifacts on the single highest-priority active root until the margin
// freed is at least size bytes or there is nothing left to evict on that root. Eviction is
// scoped to the highest-priority root only; it never spills over into lower-priority roots, so a placement that
// can't be satisfied even after exhausting that root's evictable entries is meant to fail, not succeed by draining
// other roots too.
func (p *Placer) evictForSpace(ctx context.Context, size int64) error {
	roots, err := p.roots.List(ctx, true)
	if err != nil {
		return catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("list cache roots: %w", err))
	}
	if len(roots) == 0 {
		return nil
	}

	sort.Slice(roots, func(i, j int) bool {
		if roots[i].Priority != roots[j].Priority {
			return roots[i].Priority > roots[j].Priority
		}
		return roots[i].ID < roots[j].ID
	})
	root := roots[0]

	candidates, err := p.collections.EvictionCandidates(ctx, root.ID, time.Now().UTC())
	if err != nil {
		return catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("list eviction candidates: %w", err))
	}

	var freed int64
	for _, c := range candidates {
		if freed >= size {
			break
		}
		if err := p.evictOne(ctx, root.ID, c); err != nil {
			p.log.Warn().Err(err).Str("path", c.Path).Msg("Failed to evict artifact, skipping")
			continue
		}
		freed += c.Bytes
	}
	return nil
}

func (p *Placer) evictOne(ctx context.Context, rootID string, c collection.EvictionCandidate) error {
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact file: %w", err)
	}
	if err := p.collections.InvalidateArtifact(ctx, c.CollectionID, c.ImageID, c.Kind); err != nil {
		return fmt.Errorf("invalidate catalog entry: %w", err)
	}
	if _, err := p.applyUsageDelta(ctx, rootID, -c.Bytes, -1); err != nil {
		return fmt.Errorf("record freed usage: %w", err)
	}
	return nil
}

// applyUsageDelta retries UpdateUsage's optimistic compare-and-set against concurrent writers to the same root.
func (p *Placer) applyUsageDelta(ctx context.Context, rootID string, deltaBytes int64, deltaFiles int) (*cacheroot.CacheRoot, error) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		root, err := p.roots.GetByID(ctx, rootID)
		if err != nil {
			return nil, err
		}
		updated, err := p.roots.UpdateUsage(ctx, rootID, root.Version, deltaBytes, deltaFiles)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, cacheroot.ErrConflict) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update cache root usage: %w", cacheroot.ErrConflict)
}

// writeAtomic writes data to path via a sibling ".tmp" file plus rename, so a reader never observes a partial
// artifact.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".placement-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}
