package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nvia/catalogd/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *pgxpool.Pool, redis *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

// Health pings Postgres and the Valkey bus, returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	busStatus := "ok"
	if err := h.redis.Ping(ctx).Err(); err != nil {
		busStatus = "unavailable"
	}

	status := fiber.StatusOK
	overall := "ok"
	if pgStatus != "ok" || busStatus != "ok" {
		status = fiber.StatusServiceUnavailable
		overall = "degraded"
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"bus":      busStatus,
	})
}
