// Package derivation implements the thumbnail, cache, and generic image-processing workers: one Worker
// implementation parameterized by artifact kind and target dimensions, sharing a decode/resize/encode/place
// pipeline.
package derivation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/archivereader"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalogerr"
	"github.com/nvia/catalogd/internal/imagedecode"
	"github.com/nvia/catalogd/internal/placement"
)

// Kind names which artifact a Worker produces. All kinds share the same pipeline; only the target box/quality and
// the Image field they populate differ. KindProcessing backs the generic ImageProcessing queue: an
// ad-hoc resize request (e.g. a re-derive triggered by a settings change) that is recorded on the same CacheEntry
// slot a cache-pool derivation would use, since nothing in the data model reserves a third artifact field for it.
type Kind string

const (
	KindThumbnail  Kind = "thumbnail"
	KindCache      Kind = "cache"
	KindProcessing Kind = "processing"
)

// Worker consumes DerivationMessages from one queue and produces the corresponding artifact.
type Worker struct {
	kind        Kind
	collections collection.Repository
	jobs        backgroundjob.Repository
	placer      *placement.Placer
	locks       *keyLock
	log         zerolog.Logger
}

// New creates a Worker for the given artifact Kind.
func New(kind Kind, collections collection.Repository, jobs backgroundjob.Repository, placer *placement.Placer, log zerolog.Logger) *Worker {
	return &Worker{kind: kind, collections: collections, jobs: jobs, placer: placer, locks: newKeyLock(), log: log}
}

// Handle satisfies bus.Handler for the worker's queue.
func (w *Worker) Handle(ctx context.Context, env bus.Envelope) (bus.Decision, error) {
	var msg bus.DerivationMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return bus.NackDrop, fmt.Errorf("unmarshal derivation message: %w", err)
	}

	err := w.derive(ctx, msg)
	if err == nil {
		w.recordOutcome(ctx, msg.JobID, true, "")
		return bus.Ack, nil
	}

	w.log.Warn().Err(err).Str("image_id", msg.ImageID).Str("kind", string(w.kind)).Msg("Derivation failed")

	switch catalogerr.KindOf(err) {
	case catalogerr.KindInvalidInput:
		w.recordOutcome(ctx, msg.JobID, false, err.Error())
		return bus.NackDrop, err
	default:
		return bus.NackRequeue, err
	}
}

// derive decodes msg's source image, resizes it to the message's target box, writes the result through the
// Placer, and records the artifact on the owning Image. It is idempotent: if a valid artifact of the requested
// dimensions already exists and ForceRegenerate is false, derive is a no-op.
func (w *Worker) derive(ctx context.Context, msg bus.DerivationMessage) error {
	unlock := w.locks.lock(msg.ImageID + ":" + string(w.kind))
	defer unlock()

	col, err := w.collections.GetByID(ctx, msg.CollectionID)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			return catalogerr.New(catalogerr.KindInvalidInput, fmt.Errorf("collection %s not found: %w", msg.CollectionID, err))
		}
		return catalogerr.New(catalogerr.KindTransientIO, err)
	}

	img, ok := findImage(col, msg.ImageID)
	if !ok {
		return catalogerr.New(catalogerr.KindInvalidInput, fmt.Errorf("image %s not found in collection %s", msg.ImageID, msg.CollectionID))
	}

	if !msg.ForceRegenerate && w.alreadySatisfied(img, msg) {
		return nil
	}

	rc, err := openSource(ctx, msg.SourceLocator)
	if err != nil {
		return catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("open source %s: %w", msg.SourceLocator, err))
	}
	defer func() { _ = rc.Close() }()

	data, width, height, err := imagedecode.Derive(rc, msg.TargetWidth, msg.TargetHeight, msg.Quality)
	if err != nil {
		w.invalidateArtifact(ctx, msg.CollectionID, msg.ImageID)
		return catalogerr.New(catalogerr.KindInvalidInput, fmt.Errorf("decode/resize/encode: %w", err))
	}

	path, root, err := w.placer.Place(ctx, string(w.kind), msg.CollectionID, msg.ImageID, width, height, ".jpg", data)
	if err != nil {
		return err // already a *catalogerr.Error from Placer
	}

	now := time.Now().UTC()
	err = w.collections.UpdateImage(ctx, msg.CollectionID, msg.ImageID, func(i *collection.Image) {
		switch w.kind {
		case KindThumbnail:
			i.Thumbnail = &collection.Thumbnail{
				Path: path, Width: width, Height: height, Bytes: int64(len(data)), Format: "jpeg",
				Quality: msg.Quality, GeneratedAt: now, LastAccessedAt: now, Valid: true, CacheRootID: root.ID,
			}
		case KindCache, KindProcessing:
			i.Cache = &collection.CacheEntry{
				Path: path, Width: width, Height: height, Bytes: int64(len(data)),
				Quality: msg.Quality, GeneratedAt: now, LastAccessedAt: now, Valid: true, CacheRootID: root.ID,
			}
		}
	})
	if err != nil {
		return catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("record artifact on image: %w", err))
	}

	return nil
}

// invalidateArtifact marks a previously-generated Thumbnail/CacheEntry stale after a decode failure on its source,
// so readers stop serving an artifact whose source no longer decodes. A best-effort update: if it
// fails we still return the original decode error rather than masking it.
func (w *Worker) invalidateArtifact(ctx context.Context, collectionID, imageID string) {
	err := w.collections.UpdateImage(ctx, collectionID, imageID, func(i *collection.Image) {
		switch w.kind {
		case KindThumbnail:
			if i.Thumbnail != nil {
				i.Thumbnail.Valid = false
			}
		case KindCache, KindProcessing:
			if i.Cache != nil {
				i.Cache.Valid = false
			}
		}
	})
	if err != nil {
		w.log.Warn().Err(err).Str("image_id", imageID).Str("kind", string(w.kind)).
			Msg("Failed to invalidate artifact after decode failure")
	}
}

func (w *Worker) alreadySatisfied(img *collection.Image, msg bus.DerivationMessage) bool {
	switch w.kind {
	case KindThumbnail:
		t := img.Thumbnail
		return t != nil && t.Valid && t.Width == msg.TargetWidth && t.Height == msg.TargetHeight && t.Quality == msg.Quality
	case KindCache, KindProcessing:
		c := img.Cache
		return c != nil && c.Valid && c.Width == msg.TargetWidth && c.Height == msg.TargetHeight && c.Quality == msg.Quality
	default:
		return false
	}
}

func (w *Worker) recordOutcome(ctx context.Context, jobID string, success bool, errMsg string) {
	if jobID == "" {
		return
	}
	var err error
	if success {
		err = w.jobs.IncrementDone(ctx, jobID, 1)
	} else {
		err = w.jobs.IncrementFailed(ctx, jobID, 1, errMsg)
	}
	if err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record derivation outcome on background job")
	}
}

func findImage(col *collection.Collection, imageID string) (*collection.Image, bool) {
	for i := range col.Images {
		if col.Images[i].ID == imageID {
			return &col.Images[i], true
		}
	}
	return nil, false
}

// openSource opens an image's bytes from either a plain filesystem path (folder collections) or an
// "archivePath::entryName" locator (archive collections).
func openSource(ctx context.Context, locator string) (io.ReadCloser, error) {
	archivePath, entryName, ok := archivereader.SplitLocator(locator)
	if !ok {
		return os.Open(locator)
	}

	r, err := archivereader.Open(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	f, err := r.Open(ctx, entryName)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return &archiveEntryReadCloser{file: f, archive: r}, nil
}

// archiveEntryReadCloser closes both the entry file and the archive view that opened it.
type archiveEntryReadCloser struct {
	file    fs.File
	archive archivereader.Reader
}

func (a *archiveEntryReadCloser) Read(p []byte) (int, error) { return a.file.Read(p) }

func (a *archiveEntryReadCloser) Close() error {
	ferr := a.file.Close()
	aerr := a.archive.Close()
	if ferr != nil {
		return ferr
	}
	return aerr
}
