package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
)

func TestJobHandler_Get(t *testing.T) {
	lastErr := "decode failed"
	jobs := &fakeJobs{byID: map[string]*backgroundjob.BackgroundJob{
		"job-1": {ID: "job-1", Kind: "library.scan", Status: backgroundjob.StatusFailed, Total: 10, Done: 4, Failed: 1, LastError: &lastErr},
	}}

	h := NewJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Get("/api/v1/background/jobs/:id", h.Get)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/background/jobs/job-1", nil))
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
	var out jobStatusResponse
	decodeData(t, body, &out)

	if out.ID != "job-1" || out.Status != string(backgroundjob.StatusFailed) || out.Total != 10 || out.Done != 4 {
		t.Fatalf("unexpected job response: %+v", out)
	}
}

func TestJobHandler_Get_NotFound(t *testing.T) {
	jobs := &fakeJobs{byID: map[string]*backgroundjob.BackgroundJob{}}
	h := NewJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Get("/api/v1/background/jobs/:id", h.Get)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/background/jobs/missing", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestJobHandler_Cancel(t *testing.T) {
	jobs := &fakeJobs{byID: map[string]*backgroundjob.BackgroundJob{
		"job-1": {ID: "job-1", Kind: "library.scan", Status: backgroundjob.StatusRunning},
	}}
	h := NewJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/background/jobs/:id/cancel", h.Cancel)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/background/jobs/job-1/cancel", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}
	if len(jobs.cancelled) != 1 || jobs.cancelled[0] != "job-1" {
		t.Fatalf("cancelled = %+v, want [job-1]", jobs.cancelled)
	}
}

func TestJobHandler_Cancel_NotFound(t *testing.T) {
	jobs := &fakeJobs{byID: map[string]*backgroundjob.BackgroundJob{}}
	h := NewJobHandler(jobs, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/background/jobs/:id/cancel", h.Cancel)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/background/jobs/missing/cancel", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}
