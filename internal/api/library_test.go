package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
)

func newTestBus(t *testing.T) (*bus.Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.New(rdb, bus.Config{MaxLen: 1000, RetryMinIdle: 30 * time.Second, MaxDeliveries: 3}, zerolog.Nop())
	if err := b.Setup(context.Background()); err != nil {
		t.Fatalf("bus setup: %v", err)
	}
	return b, rdb
}

func TestLibraryHandler_Scan_FanOutPerCollection(t *testing.T) {
	b, rdb := newTestBus(t)
	libs := &fakeLibraries{byID: map[string]*library.Library{
		"lib-1": {ID: "lib-1", Name: "Comics"},
	}}
	cols := &fakeCollections{byLibraryID: map[string][]collection.Collection{
		"lib-1": {
			{ID: "col-1", Path: "/lib/a", Kind: collection.KindFolder},
			{ID: "col-2", Path: "/lib/b.cbz", Kind: collection.KindCbz},
		},
	}}
	jobs := &fakeJobs{}

	h := NewLibraryHandler(libs, cols, jobs, b, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/libraries/:id/scan", h.Scan)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/libraries/lib-1/scan", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}

	if len(jobs.created) != 1 || jobs.created[0].Total != 2 {
		t.Fatalf("created jobs = %+v, want one job with total=2", jobs.created)
	}

	length, err := rdb.XLen(context.Background(), string(bus.QueueScan)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if length != 2 {
		t.Fatalf("scan queue length = %d, want 2", length)
	}
}

func TestLibraryHandler_Scan_EmptyLibraryCompletesImmediately(t *testing.T) {
	b, rdb := newTestBus(t)
	libs := &fakeLibraries{byID: map[string]*library.Library{
		"lib-1": {ID: "lib-1", Name: "Empty"},
	}}
	cols := &fakeCollections{}
	jobs := &fakeJobs{}

	h := NewLibraryHandler(libs, cols, jobs, b, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/libraries/:id/scan", h.Scan)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/libraries/lib-1/scan", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}

	if len(jobs.created) != 1 || jobs.created[0].Total != 0 {
		t.Fatalf("created jobs = %+v, want one job with total=0", jobs.created)
	}
	job := jobs.byID["library.scan"]
	if job == nil || job.Status != backgroundjob.StatusCompleted {
		t.Fatalf("empty library scan job should be completed immediately, got %+v", job)
	}

	length, err := rdb.XLen(context.Background(), string(bus.QueueScan)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if length != 0 {
		t.Fatalf("scan queue length = %d, want 0", length)
	}
}

func TestLibraryHandler_Scan_UnknownLibrary(t *testing.T) {
	b, _ := newTestBus(t)
	libs := &fakeLibraries{byID: map[string]*library.Library{}}
	cols := &fakeCollections{}
	jobs := &fakeJobs{}

	h := NewLibraryHandler(libs, cols, jobs, b, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/libraries/:id/scan", h.Scan)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/libraries/missing/scan", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func decodeData(t *testing.T, body []byte, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
}
