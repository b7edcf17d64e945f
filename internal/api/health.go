package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"

	"github.com/murmel-chat/murmel-server/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB     *sql.DB
	Valkey *redis.Client
}

// Health pings SQLite and Valkey, returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, 3*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := h.DB.PingContext(ctx); err != nil {
		dbStatus = "unavailable"
	}

	vkStatus := "ok"
	if err := h.Valkey.Ping(ctx).Err(); err != nil {
		vkStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if dbStatus != "ok" || vkStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status": overall,
		"sqlite": dbStatus,
		"valkey": vkStatus,
	})
}
