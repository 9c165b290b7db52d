package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/discord"
	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// WebhookName is the label on bridge-owned source webhooks. EnsureWebhook keys on it, so
// renaming orphans previously provisioned hooks.
const WebhookName = "Pontoon Bridge"

// WebhookEnsurer is the slice of the source client that provisions webhooks.
type WebhookEnsurer interface {
	EnsureWebhook(ctx context.Context, channelID, name string) (*discord.WebhookCredentials, error)
}

// LinksHandler serves server and channel link endpoints.
type LinksHandler struct {
	db     *store.Store
	source WebhookEnsurer
	log    zerolog.Logger
}

// NewLinksHandler creates a new links handler.
func NewLinksHandler(db *store.Store, source WebhookEnsurer, logger zerolog.Logger) *LinksHandler {
	return &LinksHandler{db: db, source: source, log: logger}
}

type serverLinkModel struct {
	SourceGuildID  string `json:"source_guild_id"`
	TargetServerID string `json:"target_server_id"`
	LinkedBy       string `json:"linked_by"`
	Method         string `json:"method"`
	CreatedAt      string `json:"created_at"`
}

type channelLinkModel struct {
	ID              int64  `json:"id"`
	SourceChannelID string `json:"source_channel_id"`
	TargetChannelID string `json:"target_channel_id"`
	HasWebhook      bool   `json:"has_webhook"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at"`
}

func toServerLinkModel(l *store.ServerLink) serverLinkModel {
	return serverLinkModel{
		SourceGuildID:  l.SourceGuildID,
		TargetServerID: l.TargetServerID,
		LinkedBy:       l.LinkedBy,
		Method:         string(l.Method),
		CreatedAt:      l.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toChannelLinkModel(l *store.ChannelLink) channelLinkModel {
	return channelLinkModel{
		ID:              l.ID,
		SourceChannelID: l.SourceChannelID,
		TargetChannelID: l.TargetChannelID,
		HasWebhook:      l.HasWebhook(),
		Active:          l.Active,
		CreatedAt:       l.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ListLinks handles GET /api/v1/links.
func (h *LinksHandler) ListLinks(c *fiber.Ctx) error {
	links, err := h.db.ListServerLinks(c.Context())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "links").Msg("list server links failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}

	result := make([]serverLinkModel, len(links))
	for i := range links {
		result[i] = toServerLinkModel(&links[i])
	}
	return httputil.Success(c, result)
}

// DeleteLink handles DELETE /api/v1/links/:guildID. Channel links, role links, and
// message pairs under the guild cascade away with it.
func (h *LinksHandler) DeleteLink(c *fiber.Ctx) error {
	guildID := c.Params("guildID")
	if err := h.db.DeleteServerLink(c.Context(), guildID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Guild is not linked")
		}
		h.log.Error().Err(err).Str("handler", "links").Str("guild", guildID).Msg("delete server link failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type createChannelLinkRequest struct {
	SourceChannelID string `json:"source_channel_id"`
	TargetChannelID string `json:"target_channel_id"`
	WithWebhook     bool   `json:"with_webhook"`
}

// CreateChannelLink handles POST /api/v1/links/channels. With with_webhook set it also
// provisions the bridge webhook on the source channel, enabling the target→source
// direction; a webhook failure rolls the link back so the call can simply be retried.
func (h *LinksHandler) CreateChannelLink(c *fiber.Ctx) error {
	var body createChannelLinkRequest
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.SourceChannelID == "" || body.TargetChannelID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "source_channel_id and target_channel_id are required")
	}

	ctx := c.Context()
	link, err := h.db.CreateChannelLink(ctx, store.ChannelLink{
		SourceChannelID: body.SourceChannelID,
		TargetChannelID: body.TargetChannelID,
		Active:          true,
	})
	if err != nil {
		if errors.Is(err, store.ErrChannelAlreadyLinked) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "Channel is already linked")
		}
		h.log.Error().Err(err).Str("handler", "links").Msg("create channel link failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}

	if body.WithWebhook {
		hook, err := h.source.EnsureWebhook(ctx, body.SourceChannelID, WebhookName)
		if err != nil {
			h.log.Warn().Err(err).Str("channel", body.SourceChannelID).Msg("Webhook provisioning failed, rolling link back")
			if delErr := h.db.DeleteChannelLink(ctx, link.ID); delErr != nil {
				h.log.Error().Err(delErr).Int64("link", link.ID).Msg("Rollback of channel link failed")
			}
			return httputil.Fail(c, fiber.StatusBadGateway, httputil.Unavailable, "Webhook provisioning failed")
		}
		if err := h.db.SetChannelWebhook(ctx, link.ID, hook.ID, hook.Token); err != nil {
			h.log.Error().Err(err).Int64("link", link.ID).Msg("store webhook credentials failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
		}
		link.WebhookID = &hook.ID
		link.WebhookToken = &hook.Token
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toChannelLinkModel(link))
}
