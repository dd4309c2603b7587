package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/catalog/scheduledjob"
)

func TestScheduledJobHandler_List(t *testing.T) {
	jobs := &fakeScheduledJobs{byID: map[string]*scheduledjob.ScheduledJob{
		"sj-1": {ID: "sj-1", Kind: "library.scan", ScheduleKind: scheduledjob.ScheduleCron, Enabled: true, Status: scheduledjob.StatusIdle},
	}}

	h := NewScheduledJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Get("/api/v1/scheduledjobs", h.List)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/scheduledjobs", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out []scheduledJobResponse
	decodeData(t, body, &out)
	if len(out) != 1 || out[0].ID != "sj-1" {
		t.Fatalf("unexpected list response: %+v", out)
	}
}

func TestScheduledJobHandler_EnableDisable(t *testing.T) {
	jobs := &fakeScheduledJobs{byID: map[string]*scheduledjob.ScheduledJob{
		"sj-1": {ID: "sj-1", Kind: "library.scan", ScheduleKind: scheduledjob.ScheduleCron, Enabled: false, Status: scheduledjob.StatusDisabled},
	}}

	h := NewScheduledJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/scheduledjobs/:id/enable", h.Enable)
	app.Post("/api/v1/scheduledjobs/:id/disable", h.Disable)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/scheduledjobs/sj-1/enable", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	if !jobs.byID["sj-1"].Enabled {
		t.Fatalf("expected job to be enabled")
	}

	resp2, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/scheduledjobs/sj-1/disable", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	if resp2.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp2.StatusCode, fiber.StatusOK)
	}
	if jobs.byID["sj-1"].Enabled {
		t.Fatalf("expected job to be disabled")
	}
}

func TestScheduledJobHandler_Enable_NotFound(t *testing.T) {
	jobs := &fakeScheduledJobs{byID: map[string]*scheduledjob.ScheduledJob{}}
	h := NewScheduledJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/scheduledjobs/:id/enable", h.Enable)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/scheduledjobs/missing/enable", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestScheduledJobHandler_ListRuns_Pagination(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runs := make([]scheduledjob.ScheduledJobRun, 0, 5)
	for i := 0; i < 5; i++ {
		runs = append(runs, scheduledjob.ScheduledJobRun{
			ID:          fmt.Sprintf("run-%d", i),
			Status:      scheduledjob.RunStatusCompleted,
			StartedAt:   now.Add(time.Duration(i) * time.Hour),
			TriggeredBy: "scheduler",
		})
	}
	jobs := &fakeScheduledJobs{
		byID: map[string]*scheduledjob.ScheduledJob{"sj-1": {ID: "sj-1"}},
		runs: map[string][]scheduledjob.ScheduledJobRun{"sj-1": runs},
	}

	h := NewScheduledJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Get("/api/v1/scheduledjobs/:id/runs", h.ListRuns)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/scheduledjobs/sj-1/runs?limit=2&offset=1", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out struct {
		Runs   []runResponse `json:"runs"`
		Limit  int           `json:"limit"`
		Offset int           `json:"offset"`
	}
	decodeData(t, body, &out)

	if out.Limit != 2 || out.Offset != 1 {
		t.Fatalf("unexpected pagination echo: %+v", out)
	}
	if len(out.Runs) != 2 || out.Runs[0].ID != "run-1" || out.Runs[1].ID != "run-2" {
		t.Fatalf("unexpected runs page: %+v", out.Runs)
	}
}

func TestScheduledJobHandler_ListRuns_DefaultsOnInvalidQuery(t *testing.T) {
	jobs := &fakeScheduledJobs{
		byID: map[string]*scheduledjob.ScheduledJob{"sj-1": {ID: "sj-1"}},
		runs: map[string][]scheduledjob.ScheduledJobRun{},
	}

	h := NewScheduledJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Get("/api/v1/scheduledjobs/:id/runs", h.ListRuns)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/scheduledjobs/sj-1/runs?limit=not-a-number", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out struct {
		Limit int `json:"limit"`
	}
	decodeData(t, body, &out)
	if out.Limit != defaultRunsLimit {
		t.Fatalf("limit = %d, want default %d", out.Limit, defaultRunsLimit)
	}
}
