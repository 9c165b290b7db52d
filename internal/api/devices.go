package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// DevicesHandler serves push device registration endpoints.
type DevicesHandler struct {
	db  *store.Store
	log zerolog.Logger
}

// NewDevicesHandler creates a new devices handler.
func NewDevicesHandler(db *store.Store, logger zerolog.Logger) *DevicesHandler {
	return &DevicesHandler{db: db, log: logger}
}

type registerDeviceRequest struct {
	TargetUserID string  `json:"target_user_id"`
	DeviceID     string  `json:"device_id"`
	Transport    string  `json:"transport"`
	FCMToken     *string `json:"fcm_token,omitempty"`
	Endpoint     *string `json:"endpoint,omitempty"`
	P256dh       *string `json:"p256dh,omitempty"`
	Auth         *string `json:"auth,omitempty"`
}

// Register handles POST /api/v1/push/devices. Registration is an upsert: the same
// device id re-registering refreshes its tokens, possibly under a different user.
func (h *DevicesHandler) Register(c *fiber.Ctx) error {
	var body registerDeviceRequest
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.TargetUserID == "" || body.DeviceID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "target_user_id and device_id are required")
	}

	transport := store.Transport(body.Transport)
	switch transport {
	case store.TransportFCM:
		if body.FCMToken == nil || *body.FCMToken == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "fcm devices require fcm_token")
		}
	case store.TransportWebPush:
		if body.Endpoint == nil || *body.Endpoint == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "webpush devices require endpoint")
		}
		// Encryption keys travel as a pair or not at all.
		if (body.P256dh == nil) != (body.Auth == nil) {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "p256dh and auth must be provided together")
		}
	default:
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "transport must be \"fcm\" or \"webpush\"")
	}

	err := h.db.UpsertPushDevice(c.Context(), store.PushDevice{
		TargetUserID: body.TargetUserID,
		DeviceID:     body.DeviceID,
		Transport:    transport,
		FCMToken:     body.FCMToken,
		Endpoint:     body.Endpoint,
		P256dh:       body.P256dh,
		Auth:         body.Auth,
	})
	if err != nil {
		h.log.Error().Err(err).Str("handler", "devices").Msg("register push device failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"device_id": body.DeviceID})
}

// Unregister handles DELETE /api/v1/push/devices/:id.
func (h *DevicesHandler) Unregister(c *fiber.Ctx) error {
	deviceID := c.Params("id")
	if err := h.db.DeletePushDevice(c.Context(), deviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Unknown device")
		}
		h.log.Error().Err(err).Str("handler", "devices").Str("device", deviceID).Msg("delete push device failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
