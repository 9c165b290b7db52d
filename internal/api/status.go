package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// StatusHandler serves the bridge status endpoint.
type StatusHandler struct {
	db      *store.Store
	gateway Gateway
	started time.Time
	log     zerolog.Logger
}

// NewStatusHandler creates a new status handler. started anchors the uptime report.
func NewStatusHandler(db *store.Store, gateway Gateway, started time.Time, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{db: db, gateway: gateway, started: started, log: logger}
}

// Status handles GET /api/v1/status.
func (h *StatusHandler) Status(c *fiber.Ctx) error {
	ctx := c.Context()

	serverLinks, err := h.db.ListServerLinks(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "status").Msg("list server links failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}

	channelLinks, err := h.db.ListActiveChannelLinks(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "status").Msg("list channel links failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}

	pairs, err := h.db.CountMessagePairs(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "status").Msg("count message pairs failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{
		"gateway":        h.gateway.State().String(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"server_links":   len(serverLinks),
		"channel_links":  len(channelLinks),
		"message_pairs":  pairs,
	})
}
