package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/relay"
	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// ErrNoTargetChannel means an import job was launched without a destination.
var ErrNoTargetChannel = errors.New("import job has no target channel")

const (
	importBatchSize = 50
	importGap       = 1100 * time.Millisecond
	rehostLimit     = 20 * 1024 * 1024

	// headerLayout renders the original send time above each imported message.
	headerLayout = "2006-01-02 03:04 PM"

	importMaxContent  = 2000
	importNameMax     = 32
	genericReplyQuote = "> *Replying to a message*"
)

// TargetImportAPI is the slice of the target client the importer writes through.
type TargetImportAPI interface {
	SendMessage(ctx context.Context, channelID string, req stoat.SendMessage) (*stoat.Message, error)
	Upload(ctx context.Context, tag, filename string, data []byte) (string, error)
	Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error)
}

// Options tunes one import run. They are supplied per run, not persisted with the job.
type Options struct {
	RehostFiles bool
	KeepEmbeds  bool
}

// Importer replays archived rows into a target channel, oldest first, masquerading each
// message as its original author.
type Importer struct {
	db     *store.Store
	target TargetImportAPI
	log    zerolog.Logger
	gap    time.Duration
}

func NewImporter(db *store.Store, target TargetImportAPI, logger zerolog.Logger) *Importer {
	return &Importer{
		db:     db,
		target: target,
		log:    logger.With().Str("component", "archive").Logger(),
		gap:    importGap,
	}
}

// Run sends every unimported row of the job. Each send is recorded before the next row is
// touched, so a resumed run continues exactly where the last one stopped. A send failure
// aborts the run; the failing row stays unimported and is retried on resume.
func (i *Importer) Run(ctx context.Context, job *store.ArchiveJob, opts Options) error {
	if job.TargetChannelID == nil {
		return ErrNoTargetChannel
	}
	channelID := *job.TargetChannelID

	total, err := i.db.CountArchiveMessages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count archive rows: %w", err)
	}
	processed := job.ProcessedMessages

	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		batch, err := i.db.ListUnimportedMessages(ctx, job.ID, importBatchSize)
		if err != nil {
			return fmt.Errorf("list unimported rows: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for idx := range batch {
			row := &batch[idx]
			if ctx.Err() != nil {
				return ErrCancelled
			}
			sent, err := i.send(ctx, job, channelID, row, opts)
			if err != nil {
				return fmt.Errorf("import message %s: %w", row.SourceMessageID, err)
			}
			if err := i.db.MarkMessageImported(ctx, row.ID, sent.ID); err != nil {
				return fmt.Errorf("record import: %w", err)
			}
			processed++
			if err := i.db.UpdateJobProgress(ctx, job.ID, processed, total, job.LastMessageID); err != nil {
				return fmt.Errorf("record progress: %w", err)
			}
			if err := sleepCtx(ctx, i.gap); err != nil {
				return err
			}
		}
	}

	i.log.Info().Int64("job", job.ID).Int64("messages", processed).Msg("Import finished")
	return nil
}

func (i *Importer) send(ctx context.Context, job *store.ArchiveJob, channelID string, row *store.ArchiveMessage, opts Options) (*stoat.Message, error) {
	req := stoat.SendMessage{
		Masquerade: &stoat.Masquerade{Name: clampRunes(row.AuthorName, importNameMax)},
	}
	if row.AuthorAvatar != nil {
		req.Masquerade.Avatar = *row.AuthorAvatar
	}

	lines := []string{"*" + row.Timestamp.UTC().Format(headerLayout) + " UTC*"}
	if body := relay.ToTarget(row.Content); body != "" {
		lines = append(lines, body)
	}

	for _, att := range row.Attachments {
		if opts.RehostFiles && att.Size <= rehostLimit {
			if fileID, ok := i.rehost(ctx, att); ok {
				req.Attachments = append(req.Attachments, fileID)
				continue
			}
		}
		lines = append(lines, "["+att.Name+"]("+att.URL+")")
	}

	if row.ReplyToID != nil {
		targetID, err := i.db.ImportedTargetID(ctx, job.ID, *row.ReplyToID)
		switch {
		case err == nil:
			req.Replies = []stoat.Reply{{ID: targetID}}
		case errors.Is(err, store.ErrNotFound):
			// The referenced message predates the archive or was skipped.
			lines = append([]string{genericReplyQuote}, lines...)
		default:
			return nil, fmt.Errorf("resolve reply: %w", err)
		}
	}

	if opts.KeepEmbeds {
		req.Embeds = convertEmbeds(row.Embeds)
	}

	req.Content = clampRunes(strings.Join(lines, "\n"), importMaxContent)
	return i.target.SendMessage(ctx, channelID, req)
}

// rehost copies one attachment onto the target CDN. Failures fall back to a link line.
func (i *Importer) rehost(ctx context.Context, att store.ArchiveAttachment) (string, bool) {
	data, err := i.target.Download(ctx, att.URL, rehostLimit)
	if err != nil {
		i.log.Warn().Err(err).Str("file", att.Name).Msg("Attachment fetch failed, linking instead")
		return "", false
	}
	fileID, err := i.target.Upload(ctx, "attachments", att.Name, data)
	if err != nil {
		i.log.Warn().Err(err).Str("file", att.Name).Msg("Attachment upload failed, linking instead")
		return "", false
	}
	return fileID, true
}

// convertEmbeds turns stored embeds into sendable ones. Preview embeds the target renders
// on its own (plain links, videos, gifs) are dropped rather than duplicated.
func convertEmbeds(embeds []store.ArchiveEmbed) []stoat.SendableEmbed {
	var out []stoat.SendableEmbed
	for _, em := range embeds {
		switch strings.ToLower(em.Type) {
		case "link", "video", "gifv":
			continue
		}
		conv := stoat.SendableEmbed{
			Type:        "Text",
			Title:       em.Title,
			Description: em.Description,
			URL:         em.URL,
			IconURL:     em.IconURL,
		}
		if em.Color != 0 {
			conv.Colour = fmt.Sprintf("#%06x", em.Color)
		}
		if conv.Title == "" && conv.Description == "" {
			continue
		}
		out = append(out, conv)
	}
	return out
}

func clampRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
