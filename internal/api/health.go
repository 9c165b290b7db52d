package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/stoat"
)

// Pinger reports whether a backing resource is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Gateway exposes the target gateway's connection state.
type Gateway interface {
	State() stoat.State
}

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db      Pinger
	gateway Gateway
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db Pinger, gateway Gateway) *HealthHandler {
	return &HealthHandler{db: db, gateway: gateway}
}

// Health pings the database and reports the gateway state.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := h.db.Ping(ctx); err != nil {
		dbStatus = "unavailable"
	}

	gwState := h.gateway.State()

	overall := "ok"
	status := fiber.StatusOK
	if dbStatus != "ok" || gwState == stoat.StateClosed {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"database": dbStatus,
		"gateway":  gwState.String(),
	})
}
