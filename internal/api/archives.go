package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/archive"
	"github.com/pontoon-chat/pontoon/internal/httputil"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// ArchiveRunner is the slice of the archive manager the API drives.
type ArchiveRunner interface {
	StartExport(ctx context.Context, guildID, channelID, channelName string) (*store.ArchiveJob, error)
	StartImport(ctx context.Context, jobID int64, targetChannelID string, opts archive.Options) (*store.ArchiveJob, error)
	Resume(ctx context.Context, jobID int64, opts archive.Options) (*store.ArchiveJob, error)
	Job(ctx context.Context, jobID int64) (*store.ArchiveJob, error)
	Cancel(jobID int64) bool
}

// ArchivesHandler serves archive job endpoints.
type ArchivesHandler struct {
	jobs ArchiveRunner
	log  zerolog.Logger
}

// NewArchivesHandler creates a new archives handler.
func NewArchivesHandler(jobs ArchiveRunner, logger zerolog.Logger) *ArchivesHandler {
	return &ArchivesHandler{jobs: jobs, log: logger}
}

type archiveJobModel struct {
	ID                int64   `json:"id"`
	GuildID           string  `json:"guild_id"`
	SourceChannelID   string  `json:"source_channel_id"`
	SourceChannelName string  `json:"source_channel_name"`
	TargetChannelID   *string `json:"target_channel_id,omitempty"`
	Direction         string  `json:"direction"`
	Status            string  `json:"status"`
	TotalMessages     int64   `json:"total_messages"`
	ProcessedMessages int64   `json:"processed_messages"`
	StartedAt         *string `json:"started_at,omitempty"`
	CompletedAt       *string `json:"completed_at,omitempty"`
	Error             *string `json:"error,omitempty"`
}

func toArchiveJobModel(j *store.ArchiveJob) archiveJobModel {
	m := archiveJobModel{
		ID:                j.ID,
		GuildID:           j.GuildID,
		SourceChannelID:   j.SourceChannelID,
		SourceChannelName: j.SourceChannelName,
		TargetChannelID:   j.TargetChannelID,
		Direction:         string(j.Direction),
		Status:            string(j.Status),
		TotalMessages:     j.TotalMessages,
		ProcessedMessages: j.ProcessedMessages,
		Error:             j.Error,
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().Format(time.RFC3339)
		m.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(time.RFC3339)
		m.CompletedAt = &s
	}
	return m
}

func archiveJobID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

type exportRequest struct {
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
}

// Export handles POST /api/v1/archives/export.
func (h *ArchivesHandler) Export(c *fiber.Ctx) error {
	var body exportRequest
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.GuildID == "" || body.ChannelID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "guild_id and channel_id are required")
	}

	job, err := h.jobs.StartExport(c.Context(), body.GuildID, body.ChannelID, body.ChannelName)
	if err != nil {
		if errors.Is(err, store.ErrActiveJobExists) {
			return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "Channel already has an active archive job")
		}
		h.log.Error().Err(err).Str("handler", "archives").Msg("start export failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}
	return httputil.SuccessStatus(c, fiber.StatusAccepted, toArchiveJobModel(job))
}

type importRequest struct {
	JobID           int64  `json:"job_id"`
	TargetChannelID string `json:"target_channel_id"`
	RehostFiles     bool   `json:"rehost_files"`
	KeepEmbeds      bool   `json:"keep_embeds"`
}

// Import handles POST /api/v1/archives/import. The job must be a completed export.
func (h *ArchivesHandler) Import(c *fiber.Ctx) error {
	var body importRequest
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
	}
	if body.JobID == 0 || body.TargetChannelID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "job_id and target_channel_id are required")
	}

	opts := archive.Options{RehostFiles: body.RehostFiles, KeepEmbeds: body.KeepEmbeds}
	job, err := h.jobs.StartImport(c.Context(), body.JobID, body.TargetChannelID, opts)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Unknown archive job")
		case errors.Is(err, store.ErrJobNotImportable):
			return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, "Job is not a completed export")
		default:
			h.log.Error().Err(err).Str("handler", "archives").Msg("start import failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
		}
	}
	return httputil.SuccessStatus(c, fiber.StatusAccepted, toArchiveJobModel(job))
}

type resumeRequest struct {
	RehostFiles bool `json:"rehost_files"`
	KeepEmbeds  bool `json:"keep_embeds"`
}

// Resume handles POST /api/v1/archives/:id/resume. Paused and failed jobs pick up from
// their cursor; import options are per run, so the body supplies them again.
func (h *ArchivesHandler) Resume(c *fiber.Ctx) error {
	id, err := archiveJobID(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid job id")
	}

	var body resumeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid request body")
		}
	}

	opts := archive.Options{RehostFiles: body.RehostFiles, KeepEmbeds: body.KeepEmbeds}
	job, err := h.jobs.Resume(c.Context(), id, opts)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Unknown archive job")
		}
		return httputil.Fail(c, fiber.StatusConflict, httputil.Conflict, err.Error())
	}
	return httputil.SuccessStatus(c, fiber.StatusAccepted, toArchiveJobModel(job))
}

// Get handles GET /api/v1/archives/:id.
func (h *ArchivesHandler) Get(c *fiber.Ctx) error {
	id, err := archiveJobID(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid job id")
	}

	job, err := h.jobs.Job(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "Unknown archive job")
		}
		h.log.Error().Err(err).Str("handler", "archives").Msg("load archive job failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.Internal, "An internal error occurred")
	}
	return httputil.Success(c, toArchiveJobModel(job))
}

// Cancel handles DELETE /api/v1/archives/:id. The job parks as paused and can be resumed.
func (h *ArchivesHandler) Cancel(c *fiber.Ctx) error {
	id, err := archiveJobID(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.InvalidBody, "Invalid job id")
	}
	if !h.jobs.Cancel(id) {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.NotFound, "No running job with that id")
	}
	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"id": id})
}
