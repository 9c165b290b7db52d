package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/migration"
)

// MigrationRunner is the slice of the migration manager the API drives.
type MigrationRunner interface {
	Start(req migration.LinkRequest, opts migration.Options) string
	Snapshot(id string) (*migration.JobSnapshot, bool)
	Cancel(id string) bool
}

// MigrationsHandler serves migration job endpoints.
type MigrationsHandler struct {
	jobs MigrationRunner
	log  zerolog.Logger
}

// NewMigrationsHandler creates a new migrations handler.
func NewMigrationsHandler(jobs MigrationRunner, logger zerolog.Logger) *MigrationsHandler {
	return &MigrationsHandler{jobs: jobs, log: logger}
}

type startMigrationRequest struct {
	SourceGuildID   string `json:"source_guild_id"`
	SourceGuildName string `json:"source_guild_name"`
	SourceUserID    string `json:"source_user_id"`
	SourceUserName  string `json:"source_user_name"`
	ClaimCode       string `json:"claim_code"`
	TargetServerID  string `json:"target_server_id"`
	Mode            string `json:"mode"`
	DryRun          bool   `json:"dry_run"`
	IncludeEmoji    bool   `json:"include_emoji"`
	IncludeMedia    bool   `json:"include_media"`
	IncludeSnapshot bool   `json:"include_snapshot"`
}

// Start handles POST /api/v1/migrations. Authorization and the run itself happen in the
// background; the response carries only the job id to poll.
func (h *MigrationsHandler) Start(c *fiber.Ctx) error {
	var body startMigrationRequest
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.SourceGuildID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "source_guild_id is required")
	}

	mode, err := migration.ParseMode(body.Mode)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, err.Error())
	}

	id := h.jobs.Start(
		migration.LinkRequest{
			SourceGuildID:   body.SourceGuildID,
			SourceGuildName: body.SourceGuildName,
			SourceUserID:    body.SourceUserID,
			SourceUserName:  body.SourceUserName,
			ClaimCode:       body.ClaimCode,
			TargetServerID:  body.TargetServerID,
		},
		migration.Options{
			Mode:            mode,
			DryRun:          body.DryRun,
			IncludeEmoji:    body.IncludeEmoji,
			IncludeMedia:    body.IncludeMedia,
			IncludeSnapshot: body.IncludeSnapshot,
		},
	)
	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"id": id})
}

// Get handles GET /api/v1/migrations/:id.
func (h *MigrationsHandler) Get(c *fiber.Ctx) error {
	snap, ok := h.jobs.Snapshot(c.Params("id"))
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Unknown migration job")
	}
	return httputil.Success(c, snap)
}

// Cancel handles DELETE /api/v1/migrations/:id. Cancellation is asynchronous; the job
// settles into the cancelled state once the executor observes it.
func (h *MigrationsHandler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.jobs.Cancel(id) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Unknown migration job")
	}
	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"id": id})
}
