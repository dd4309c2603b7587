// Package scanner walks a filesystem directory or archive file, reconciles the result against the catalog, and
// emits thumbnail/cache derivation messages for new or changed images.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/archivereader"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
	"github.com/nvia/catalogd/internal/catalogerr"
	"github.com/nvia/catalogd/internal/imagedecode"
)

// probeSampleBytes bounds how much of a source file the dimension probe reads; headers carry the dimensions, so
// there is no reason to pull whole archives through the decoder.
const probeSampleBytes = 512 * 1024

var defaultAllowedExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff"}

// Config holds the derivation defaults a new scan threads onto the messages it publishes.
type Config struct {
	ThumbnailWidth   int
	ThumbnailHeight  int
	ThumbnailQuality int
	CacheWidth       int
	CacheHeight      int
	CacheQuality     int
}

// Scanner reconciles one Collection's catalog records against its on-disk or in-archive source.
type Scanner struct {
	collections collection.Repository
	libraries   library.Repository
	jobs        backgroundjob.Repository
	bus         *bus.Bus
	cfg         Config
	log         zerolog.Logger
}

// New creates a Scanner.
func New(collections collection.Repository, libraries library.Repository, jobs backgroundjob.Repository, b *bus.Bus, cfg Config, log zerolog.Logger) *Scanner {
	return &Scanner{collections: collections, libraries: libraries, jobs: jobs, bus: b, cfg: cfg, log: log}
}

// Handle satisfies bus.Handler for the QueueScan queue.
func (s *Scanner) Handle(ctx context.Context, env bus.Envelope) (bus.Decision, error) {
	var msg bus.CollectionScanMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return bus.NackDrop, fmt.Errorf("unmarshal collection scan message: %w", err)
	}

	err := s.Scan(ctx, msg, env.CorrelationID)
	if err == nil {
		s.recordOutcome(ctx, env.CorrelationID, true, "")
		return bus.Ack, nil
	}

	switch catalogerr.KindOf(err) {
	case catalogerr.KindInvalidInput:
		s.recordOutcome(ctx, env.CorrelationID, false, err.Error())
		return bus.NackDrop, err
	default:
		return bus.NackRequeue, err
	}
}

// recordOutcome reports this scan's completion on the owning BackgroundJob (the collection.scan/library.scan job
// created at enqueue by internal/api, identified by the envelope's correlation id); a job reaches completed once
// done+failed == total, so every scan must settle exactly one slot.
func (s *Scanner) recordOutcome(ctx context.Context, jobID string, success bool, errMsg string) {
	if jobID == "" {
		return
	}
	var err error
	if success {
		err = s.jobs.IncrementDone(ctx, jobID, 1)
	} else {
		err = s.jobs.IncrementFailed(ctx, jobID, 1, errMsg)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record scan outcome on background job")
	}
}

// Scan enumerates msg's collection source, reconciles it against the catalog, and publishes derivation messages for
// every new or changed image whose dimensions probe cleanly; an image whose probe fails is recorded with unknown
// dimensions and gets no derivation message.
func (s *Scanner) Scan(ctx context.Context, msg bus.CollectionScanMessage, correlationID string) error {
	col, err := s.collections.GetByID(ctx, msg.CollectionID)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			return catalogerr.New(catalogerr.KindInvalidInput, fmt.Errorf("collection %s not found: %w", msg.CollectionID, err))
		}
		return catalogerr.New(catalogerr.KindTransientIO, err)
	}
	if col.DeletedAt != nil {
		return catalogerr.Newf(catalogerr.KindInvalidInput, "collection %s is soft-deleted", col.ID)
	}

	lib, err := s.libraries.GetByID(ctx, col.LibraryID)
	if err != nil {
		return catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("load owning library: %w", err))
	}

	rc := &reconciler{
		col:             col,
		byPath:          indexImagesByPath(col.Images),
		visited:         map[string]bool{},
		forceRescan:     msg.ForceRescan,
		autoCache:       col.AutoGenerateCache(),
		thumbW:          s.cfg.ThumbnailWidth,
		thumbH:          s.cfg.ThumbnailHeight,
		thumbQ:          s.cfg.ThumbnailQuality,
		cacheW:          s.cfg.CacheWidth,
		cacheH:          s.cfg.CacheHeight,
		cacheQ:          s.cfg.CacheQuality,
		log:             s.log,
	}

	if archivereader.IsArchiveKind(string(col.Kind)) {
		if err := s.scanArchive(ctx, col, rc); err != nil {
			_ = s.collections.SetScanError(ctx, col.ID, err.Error())
			return catalogerr.New(catalogerr.KindInvalidInput, err)
		}
	} else {
		if err := s.scanFolder(ctx, col, lib, rc); err != nil {
			return catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("walk collection folder: %w", err))
		}
	}

	images, stats := rc.finish()

	if err := s.collections.ReconcileImages(ctx, col.ID, images, stats); err != nil {
		return catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("reconcile images: %w", err))
	}

	s.publishDerivation(ctx, col.ID, correlationID, rc.thumbMsgs, rc.cacheMsgs)

	return nil
}

func (s *Scanner) scanArchive(ctx context.Context, col *collection.Collection, rc *reconciler) error {
	r, err := archivereader.Open(ctx, col.Path)
	if err != nil {
		return fmt.Errorf("corrupt archive header: %w", err)
	}
	defer func() { _ = r.Close() }()

	entries, err := r.Entries(ctx)
	if err != nil {
		return fmt.Errorf("corrupt archive header: %w", err)
	}

	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.Name] {
			s.log.Debug().Str("collection_id", col.ID).Str("entry", e.Name).Msg("Duplicate archive entry, keeping first")
			continue
		}
		seen[e.Name] = true

		entryName := e.Name
		opener := func(ctx context.Context) (io.ReadCloser, error) { return r.Open(ctx, entryName) }
		rc.process(ctx, entryName, e.Size, e.ModTime, opener)
	}
	return nil
}

func (s *Scanner) scanFolder(ctx context.Context, col *collection.Collection, lib *library.Library, rc *reconciler) error {
	followSymlinks := false
	if v, ok := col.Settings["followSymlinks"].(bool); ok {
		followSymlinks = v
	}

	return filepath.WalkDir(col.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(col.Path, path)
		if relErr != nil {
			return fmt.Errorf("relative path for %s: %w", path, relErr)
		}

		if d.IsDir() {
			if rel != "." && isExcluded(rel, lib.ExcludedPaths) {
				return fs.SkipDir
			}
			return nil
		}

		if isExcluded(rel, lib.ExcludedPaths) {
			return nil
		}
		if !hasAllowedExtension(rel, lib.AllowedFormats) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Mode()&os.ModeSymlink != 0 && !followSymlinks {
			return nil
		}

		rel = filepath.ToSlash(rel)
		opener := func(_ context.Context) (io.ReadCloser, error) { return os.Open(path) }
		rc.process(ctx, rel, info.Size(), info.ModTime(), opener)
		return nil
	})
}

func (s *Scanner) publishDerivation(ctx context.Context, collectionID, correlationID string, thumbMsgs, cacheMsgs []bus.DerivationMessage) {
	total := len(thumbMsgs) + len(cacheMsgs)
	if total == 0 {
		return
	}

	var parentID *string
	if correlationID != "" {
		parentID = &correlationID
	}

	job, err := s.jobs.Create(ctx, backgroundjob.CreateParams{
		Kind:       "derivation.batch",
		Parameters: map[string]any{"collectionId": collectionID},
		Total:      total,
		ParentID:   parentID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("collection_id", collectionID).Msg("Failed to create derivation background job")
		return
	}
	if err := s.jobs.MarkRunning(ctx, job.ID); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark derivation job running")
	}

	for _, m := range thumbMsgs {
		m.JobID = job.ID
		s.publish(ctx, bus.QueueThumbnail, bus.KindThumbnailGen, job.ID, m)
	}
	for _, m := range cacheMsgs {
		m.JobID = job.ID
		s.publish(ctx, bus.QueueCache, bus.KindCacheGen, job.ID, m)
	}
}

func (s *Scanner) publish(ctx context.Context, queue bus.Queue, kind, correlationID string, msg bus.DerivationMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal derivation message")
		return
	}
	env := bus.Envelope{
		ID:            uuid.New().String(),
		Kind:          kind,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}
	if err := s.bus.Publish(ctx, queue, env); err != nil {
		s.log.Error().Err(err).Str("queue", string(queue)).Msg("Failed to publish derivation message")
	}
}

func indexImagesByPath(images []collection.Image) map[string]int {
	idx := make(map[string]int, len(images))
	for i, img := range images {
		idx[img.RelativePath] = i
	}
	return idx
}

func hasAllowedExtension(relPath string, allowed []string) bool {
	exts := allowed
	if len(exts) == 0 {
		exts = defaultAllowedExtensions
	}
	ext := strings.ToLower(filepath.Ext(relPath))
	for _, a := range exts {
		if strings.ToLower(a) == ext {
			return true
		}
	}
	return false
}

func isExcluded(relPath string, excluded []string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, e := range excluded {
		e = filepath.ToSlash(e)
		if relPath == e || strings.HasPrefix(relPath, e+"/") {
			return true
		}
	}
	return false
}

func probeDims(ctx context.Context, opener func(ctx context.Context) (io.ReadCloser, error)) (imagedecode.Dimensions, error) {
	rc, err := opener(ctx)
	if err != nil {
		return imagedecode.UnknownDimensions, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = rc.Close() }()

	return imagedecode.Probe(io.LimitReader(rc, probeSampleBytes))
}
