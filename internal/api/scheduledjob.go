package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/apierrors"
	"github.com/nvia/catalogd/internal/catalog/scheduledjob"
	"github.com/nvia/catalogd/internal/httputil"
)

// ScheduledJobHandler serves the scheduled-job listing, enable/disable, and run-history endpoints.
type ScheduledJobHandler struct {
	jobs scheduledjob.Repository
	log  zerolog.Logger
}

// NewScheduledJobHandler creates a scheduled job handler.
func NewScheduledJobHandler(jobs scheduledjob.Repository, log zerolog.Logger) *ScheduledJobHandler {
	return &ScheduledJobHandler{jobs: jobs, log: log}
}

// scheduledJobResponse is the wire shape for a ScheduledJob.
type scheduledJobResponse struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	ScheduleKind string  `json:"scheduleKind"`
	CronExpr     *string `json:"cronExpr,omitempty"`
	IntervalMin  *int    `json:"intervalMin,omitempty"`
	Enabled      bool    `json:"enabled"`
	Status       string  `json:"status"`
	Priority     int     `json:"priority"`
	TimeoutMin   int     `json:"timeoutMin"`
	MaxRetries   int     `json:"maxRetries"`
	LastRunAt    *string `json:"lastRunAt,omitempty"`
	NextRunAt    *string `json:"nextRunAt,omitempty"`
	RunCount     int64   `json:"runCount"`
	SuccessCount int64   `json:"successCount"`
	FailureCount int64   `json:"failureCount"`
}

func toScheduledJobResponse(j scheduledjob.ScheduledJob) scheduledJobResponse {
	resp := scheduledJobResponse{
		ID:           j.ID,
		Kind:         j.Kind,
		ScheduleKind: string(j.ScheduleKind),
		CronExpr:     j.CronExpr,
		IntervalMin:  j.IntervalMin,
		Enabled:      j.Enabled,
		Status:       string(j.Status),
		Priority:     j.Priority,
		TimeoutMin:   j.TimeoutMin,
		MaxRetries:   j.MaxRetries,
		RunCount:     j.RunCount,
		SuccessCount: j.SuccessCount,
		FailureCount: j.FailureCount,
	}
	if j.LastRunAt != nil {
		s := j.LastRunAt.Format(time.RFC3339Nano)
		resp.LastRunAt = &s
	}
	if j.NextRunAt != nil {
		s := j.NextRunAt.Format(time.RFC3339Nano)
		resp.NextRunAt = &s
	}
	return resp
}

// List handles GET /api/v1/scheduledjobs.
func (h *ScheduledJobHandler) List(c fiber.Ctx) error {
	jobs, err := h.jobs.List(c.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list scheduled jobs")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	result := make([]scheduledJobResponse, len(jobs))
	for i, j := range jobs {
		result[i] = toScheduledJobResponse(j)
	}
	return httputil.Success(c, result)
}

// Enable handles POST /api/v1/scheduledjobs/:id/enable.
func (h *ScheduledJobHandler) Enable(c fiber.Ctx) error {
	return h.setEnabled(c, true)
}

// Disable handles POST /api/v1/scheduledjobs/:id/disable.
func (h *ScheduledJobHandler) Disable(c fiber.Ctx) error {
	return h.setEnabled(c, false)
}

func (h *ScheduledJobHandler) setEnabled(c fiber.Ctx, enabled bool) error {
	id := c.Params("id")
	if err := h.jobs.SetEnabled(c.Context(), id, enabled); err != nil {
		if errors.Is(err, scheduledjob.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Scheduled job not found")
		}
		h.log.Error().Err(err).Str("scheduled_job_id", id).Msg("Failed to toggle scheduled job")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	job, err := h.jobs.GetByID(c.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("scheduled_job_id", id).Msg("Failed to reload scheduled job after toggle")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, toScheduledJobResponse(*job))
}

// runResponse is the wire shape for a ScheduledJobRun.
type runResponse struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
	DurationMs  *int64  `json:"durationMs,omitempty"`
	Error       *string `json:"error,omitempty"`
	TriggeredBy string  `json:"triggeredBy"`
}

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 200
)

// ListRuns handles GET /api/v1/scheduledjobs/:id/runs, paginated via ?limit=&offset= query parameters.
func (h *ScheduledJobHandler) ListRuns(c fiber.Ctx) error {
	id := c.Params("id")

	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 1 || limit > maxRunsLimit {
		limit = defaultRunsLimit
	}
	offset, err := strconv.Atoi(c.Query("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	runs, err := h.jobs.ListRunsByJob(c.Context(), id, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("scheduled_job_id", id).Msg("Failed to list scheduled job runs")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	result := make([]runResponse, len(runs))
	for i, r := range runs {
		resp := runResponse{
			ID:          r.ID,
			Status:      string(r.Status),
			StartedAt:   r.StartedAt.Format(time.RFC3339Nano),
			DurationMs:  r.DurationMs,
			Error:       r.Error,
			TriggeredBy: r.TriggeredBy,
		}
		if r.CompletedAt != nil {
			s := r.CompletedAt.Format(time.RFC3339Nano)
			resp.CompletedAt = &s
		}
		result[i] = resp
	}

	return httputil.Success(c, fiber.Map{"runs": result, "limit": limit, "offset": offset})
}
