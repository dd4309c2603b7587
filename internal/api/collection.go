package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/apierrors"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/httputil"
)

// CollectionHandler serves the collection-scoped command endpoints.
type CollectionHandler struct {
	collections collection.Repository
	jobs        backgroundjob.Repository
	bus         *bus.Bus
	log         zerolog.Logger
}

// NewCollectionHandler creates a collection handler.
func NewCollectionHandler(collections collection.Repository, jobs backgroundjob.Repository, b *bus.Bus, log zerolog.Logger) *CollectionHandler {
	return &CollectionHandler{collections: collections, jobs: jobs, bus: b, log: log}
}

// scanRequest is the optional body accepted by Scan, letting a caller force a full rescan that ignores the
// size/mtime unchanged-entry shortcut.
type scanRequest struct {
	ForceRescan bool `json:"forceRescan"`
}

// Scan handles POST /api/v1/collections/:id/scan: it enqueues one CollectionScanMessage and returns the
// BackgroundJob id tracking it.
func (h *CollectionHandler) Scan(c fiber.Ctx) error {
	id := c.Params("id")

	col, err := h.collections.GetByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, collection.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Collection not found")
		}
		h.log.Error().Err(err).Str("collection_id", id).Msg("Failed to load collection")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	var body scanRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
		}
	}

	job, err := h.jobs.Create(c.Context(), backgroundjob.CreateParams{
		Kind:       "collection.scan",
		Parameters: map[string]any{"collectionId": col.ID},
		Total:      1,
	})
	if err != nil {
		h.log.Error().Err(err).Str("collection_id", id).Msg("Failed to create background job")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if err := h.jobs.MarkRunning(c.Context(), job.ID); err != nil {
		h.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark collection scan job running")
	}

	if err := publishScan(c.Context(), h.bus, job.ID, col.ID, col.Path, string(col.Kind), body.ForceRescan); err != nil {
		h.log.Error().Err(err).Str("collection_id", col.ID).Msg("Failed to publish collection scan message")
		if markErr := h.jobs.MarkFailed(c.Context(), job.ID, err.Error()); markErr != nil {
			h.log.Warn().Err(markErr).Str("job_id", job.ID).Msg("Failed to mark scan job failed after publish error")
		}
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.InternalError, "Failed to enqueue scan")
	}

	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"jobId": job.ID})
}
