package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// ClaimsHandler serves claim code endpoints.
type ClaimsHandler struct {
	db  *store.Store
	log zerolog.Logger
}

// NewClaimsHandler creates a new claims handler.
func NewClaimsHandler(db *store.Store, logger zerolog.Logger) *ClaimsHandler {
	return &ClaimsHandler{db: db, log: logger}
}

type createClaimRequest struct {
	TargetServerID string `json:"target_server_id"`
	CreatedBy      string `json:"created_by"`
	CreatedIn      string `json:"created_in"`
}

// CreateClaim handles POST /api/v1/claims. The minted code authorizes linking one source
// guild to the named target server within the validity window.
func (h *ClaimsHandler) CreateClaim(c *fiber.Ctx) error {
	var body createClaimRequest
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.TargetServerID == "" || body.CreatedBy == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "target_server_id and created_by are required")
	}

	code, err := h.db.CreateClaimCode(c.Context(), body.TargetServerID, body.CreatedBy, body.CreatedIn)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "claims").Msg("mint claim code failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"code":             code.Code,
		"target_server_id": code.TargetServerID,
		"expires_at":       code.CreatedAt.Add(store.CodeValidity).UTC().Format(time.RFC3339),
	})
}
