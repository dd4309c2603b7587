package scanner

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/archivereader"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/collection"
)

// reconciler accumulates one Scan's worth of Image state as entries are visited, classifying each against the
// collection's prior Images array as new, changed, or unchanged, and tombstoning whatever is never visited.
type reconciler struct {
	col         *collection.Collection
	byPath      map[string]int
	visited     map[string]bool
	forceRescan bool
	autoCache   bool

	thumbW, thumbH, thumbQ int
	cacheW, cacheH, cacheQ int

	images    []collection.Image
	thumbMsgs []bus.DerivationMessage
	cacheMsgs []bus.DerivationMessage

	log zerolog.Logger
}

// process folds one discovered source entry (disk file or archive member) into the reconciler's running image list.
func (rc *reconciler) process(ctx context.Context, relPath string, size int64, modTime time.Time, open func(context.Context) (io.ReadCloser, error)) {
	rc.visited[relPath] = true

	idx, existed := rc.byPath[relPath]
	if existed {
		img := rc.col.Images[idx]
		changed := rc.forceRescan || img.IsDeleted || img.Size != size || !img.ModTime.Equal(modTime)
		if !changed {
			rc.images = append(rc.images, img)
			return
		}

		img.Size = size
		img.ModTime = modTime
		img.IsDeleted = false
		img.DeletedAt = nil
		if img.Thumbnail != nil {
			img.Thumbnail.Valid = false
		}
		if img.Cache != nil {
			img.Cache.Valid = false
		}

		dims, err := probeDims(ctx, open)
		if err != nil {
			rc.log.Warn().Err(err).Str("path", relPath).Msg("Failed to probe changed image, recording unknown dimensions")
			img.Width, img.Height, img.Format = dims.Width, dims.Height, dims.Format
			rc.images = append(rc.images, img)
			return
		}
		img.Width, img.Height, img.Format = dims.Width, dims.Height, dims.Format
		rc.images = append(rc.images, img)
		rc.emitDerivation(img)
		return
	}

	img := collection.Image{
		ID:           uuid.New().String(),
		Filename:     filepath.Base(relPath),
		RelativePath: relPath,
		Size:         size,
		ModTime:      modTime,
	}

	dims, err := probeDims(ctx, open)
	if err != nil {
		rc.log.Warn().Err(err).Str("path", relPath).Msg("Failed to probe new image, recording unknown dimensions")
		img.Width, img.Height, img.Format = dims.Width, dims.Height, dims.Format
		rc.images = append(rc.images, img)
		return
	}
	img.Width, img.Height, img.Format = dims.Width, dims.Height, dims.Format
	rc.images = append(rc.images, img)
	rc.emitDerivation(img)
}

func (rc *reconciler) emitDerivation(img collection.Image) {
	locator := sourceLocator(rc.col, img.RelativePath)

	rc.thumbMsgs = append(rc.thumbMsgs, bus.DerivationMessage{
		ImageID:       img.ID,
		CollectionID:  rc.col.ID,
		SourceLocator: locator,
		TargetWidth:   rc.thumbW,
		TargetHeight:  rc.thumbH,
		Quality:       rc.thumbQ,
	})
	if rc.autoCache {
		rc.cacheMsgs = append(rc.cacheMsgs, bus.DerivationMessage{
			ImageID:       img.ID,
			CollectionID:  rc.col.ID,
			SourceLocator: locator,
			TargetWidth:   rc.cacheW,
			TargetHeight:  rc.cacheH,
			Quality:       rc.cacheQ,
		})
	}
}

// finish appends tombstones for every previously cataloged image not seen this scan and returns the final Images
// array alongside refreshed Stats.
func (rc *reconciler) finish() ([]collection.Image, collection.Stats) {
	now := time.Now().UTC()
	for _, img := range rc.col.Images {
		if rc.visited[img.RelativePath] {
			continue
		}
		if !img.IsDeleted {
			img.IsDeleted = true
			img.DeletedAt = &now
		}
		rc.images = append(rc.images, img)
	}

	stats := collection.Stats{LastScannedAt: now}
	for _, img := range rc.images {
		if img.IsDeleted {
			continue
		}
		stats.TotalImages++
		stats.TotalSizeBytes += img.Size
	}

	return rc.images, stats
}

// sourceLocator builds the address a derivation worker uses to open an image's source bytes: a plain filesystem
// path for folder collections, or an "archivePath::entryName" locator for archive-backed ones.
func sourceLocator(col *collection.Collection, relativePath string) string {
	if archivereader.IsArchiveKind(string(col.Kind)) {
		return archivereader.JoinLocator(col.Path, relativePath)
	}
	return filepath.Join(col.Path, relativePath)
}
