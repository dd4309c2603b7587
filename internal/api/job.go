package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/apierrors"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/httputil"
)

// JobHandler serves the background job status/cancel endpoints.
type JobHandler struct {
	jobs backgroundjob.Repository
	log  zerolog.Logger
}

// NewJobHandler creates a job handler.
func NewJobHandler(jobs backgroundjob.Repository, log zerolog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, log: log}
}

// jobStatusResponse is the user-visible job surface: status plus done/total/failed progress and the last error.
type jobStatusResponse struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	Total       int     `json:"total"`
	Done        int     `json:"done"`
	Failed      int     `json:"failed"`
	LastError   *string `json:"lastError,omitempty"`
	StartedAt   *string `json:"startedAt,omitempty"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

// Get handles GET /api/v1/background/jobs/:id.
func (h *JobHandler) Get(c fiber.Ctx) error {
	job, err := h.jobs.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, backgroundjob.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Background job not found")
		}
		h.log.Error().Err(err).Str("job_id", c.Params("id")).Msg("Failed to load background job")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	resp := jobStatusResponse{
		ID:        job.ID,
		Kind:      job.Kind,
		Status:    string(job.Status),
		Total:     job.Total,
		Done:      job.Done,
		Failed:    job.Failed,
		LastError: job.LastError,
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(time.RFC3339Nano)
		resp.StartedAt = &s
	}
	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &s
	}

	return httputil.Success(c, resp)
}

// Cancel handles POST /api/v1/background/jobs/:id/cancel.
func (h *JobHandler) Cancel(c fiber.Ctx) error {
	id := c.Params("id")
	if err := h.jobs.Cancel(c.Context(), id); err != nil {
		if errors.Is(err, backgroundjob.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Background job not found")
		}
		h.log.Error().Err(err).Str("job_id", id).Msg("Failed to cancel background job")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusAccepted)
}
