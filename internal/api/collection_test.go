package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/collection"
)

func TestCollectionHandler_Scan_PublishesOneMessage(t *testing.T) {
	b, rdb := newTestBus(t)
	cols := &fakeCollections{byID: map[string]*collection.Collection{
		"col-1": {ID: "col-1", Path: "/lib/a.cbz", Kind: collection.KindCbz},
	}}
	jobs := &fakeJobs{}

	h := NewCollectionHandler(cols, jobs, b, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/collections/:id/scan", h.Scan)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/collections/col-1/scan", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}

	length, err := rdb.XLen(context.Background(), string(bus.QueueScan)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if length != 1 {
		t.Fatalf("scan queue length = %d, want 1", length)
	}
	if len(jobs.created) != 1 || jobs.created[0].Total != 1 {
		t.Fatalf("created jobs = %+v, want one job with total=1", jobs.created)
	}
}

func TestCollectionHandler_Scan_ForceRescanBody(t *testing.T) {
	b, _ := newTestBus(t)
	cols := &fakeCollections{byID: map[string]*collection.Collection{
		"col-1": {ID: "col-1", Path: "/lib/a", Kind: collection.KindFolder},
	}}
	jobs := &fakeJobs{}

	h := NewCollectionHandler(cols, jobs, b, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/collections/:id/scan", h.Scan)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/collections/col-1/scan", bytes.NewBufferString(`{"forceRescan":true}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}
}

func TestCollectionHandler_Scan_UnknownCollection(t *testing.T) {
	b, _ := newTestBus(t)
	cols := &fakeCollections{byID: map[string]*collection.Collection{}}
	jobs := &fakeJobs{}

	h := NewCollectionHandler(cols, jobs, b, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/collections/:id/scan", h.Scan)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/collections/missing/scan", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}
