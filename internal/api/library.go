package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/apierrors"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
	"github.com/nvia/catalogd/internal/httputil"
)

// LibraryHandler serves the library-scoped command endpoints.
type LibraryHandler struct {
	libraries   library.Repository
	collections collection.Repository
	jobs        backgroundjob.Repository
	bus         *bus.Bus
	log         zerolog.Logger
}

// NewLibraryHandler creates a library handler.
func NewLibraryHandler(libraries library.Repository, collections collection.Repository, jobs backgroundjob.Repository, b *bus.Bus, log zerolog.Logger) *LibraryHandler {
	return &LibraryHandler{libraries: libraries, collections: collections, jobs: jobs, bus: b, log: log}
}

// Scan handles POST /api/v1/libraries/:id/scan: it enqueues a CollectionScanMessage for every collection owned by
// the library and returns the parent BackgroundJob tracking all of them, mirroring the Scheduler's own
// "library.scan" fan-out.
func (h *LibraryHandler) Scan(c fiber.Ctx) error {
	id := c.Params("id")

	lib, err := h.libraries.GetByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, library.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Library not found")
		}
		h.log.Error().Err(err).Str("library_id", id).Msg("Failed to load library")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	cols, err := h.collections.ListByLibrary(c.Context(), lib.ID)
	if err != nil {
		h.log.Error().Err(err).Str("library_id", id).Msg("Failed to list collections")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	job, err := h.jobs.Create(c.Context(), backgroundjob.CreateParams{
		Kind:       "library.scan",
		Parameters: map[string]any{"libraryId": lib.ID},
		Total:      len(cols),
	})
	if err != nil {
		h.log.Error().Err(err).Str("library_id", id).Msg("Failed to create background job")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	if err := h.jobs.MarkRunning(c.Context(), job.ID); err != nil {
		h.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark library scan job running")
	}

	if len(cols) == 0 {
		// A zero-total job already satisfies done+failed == total; a zero-delta increment trips the completion
		// check so the job doesn't sit running until the monitor times it out.
		if err := h.jobs.IncrementDone(c.Context(), job.ID, 0); err != nil {
			h.log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to complete empty library scan job")
		}
		return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"jobId": job.ID})
	}

	for _, col := range cols {
		if err := publishScan(c.Context(), h.bus, job.ID, col.ID, col.Path, string(col.Kind), false); err != nil {
			h.log.Warn().Err(err).Str("collection_id", col.ID).Msg("Failed to publish collection scan message")
		}
	}

	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"jobId": job.ID})
}
