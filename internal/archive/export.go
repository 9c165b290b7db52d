// Package archive copies channel history in bulk. An export drains a source channel's
// past into the store; an import replays those rows into a target channel with the
// original authorship masqueraded on. Jobs are resumable: both directions persist a
// cursor and can be paused and picked up again.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/store"
)

// ErrCancelled marks a job interrupted by the operator or shutdown. The manager maps it
// to the paused state so the job can resume later.
var ErrCancelled = errors.New("archive job cancelled")

const (
	exportPageSize = 100
	exportGap      = 1500 * time.Millisecond
)

// SourceHistoryAPI is the slice of the source client the exporter reads from.
type SourceHistoryAPI interface {
	MessagesBefore(ctx context.Context, channelID, before string, limit int) ([]*discordgo.Message, error)
}

// Exporter walks a source channel backward and serializes its messages into archive rows.
type Exporter struct {
	db     *store.Store
	source SourceHistoryAPI
	log    zerolog.Logger
	gap    time.Duration
}

func NewExporter(db *store.Store, source SourceHistoryAPI, logger zerolog.Logger) *Exporter {
	return &Exporter{
		db:     db,
		source: source,
		log:    logger.With().Str("component", "archive").Logger(),
		gap:    exportGap,
	}
}

// Run pages from the job's cursor toward the start of history. Each page is stored before
// the cursor advances, so an interrupted run never loses a page it already walked.
func (e *Exporter) Run(ctx context.Context, job *store.ArchiveJob) error {
	cursor := ""
	if job.LastMessageID != nil {
		cursor = *job.LastMessageID
	}
	processed := job.ProcessedMessages

	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		page, err := e.source.MessagesBefore(ctx, job.SourceChannelID, cursor, exportPageSize)
		if err != nil {
			return fmt.Errorf("fetch history page: %w", err)
		}
		if len(page) == 0 {
			break
		}

		rows := make([]store.ArchiveMessage, 0, len(page))
		oldest := page[0].ID
		for _, m := range page {
			if snowflakeLess(m.ID, oldest) {
				oldest = m.ID
			}
			if !exportable(m) {
				continue
			}
			rows = append(rows, archiveRow(job.ID, m))
		}

		added, err := e.db.InsertArchiveMessages(ctx, job.ID, rows)
		if err != nil {
			return fmt.Errorf("store page: %w", err)
		}
		processed += added
		if err := e.db.UpdateJobProgress(ctx, job.ID, processed, processed, &oldest); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		cursor = oldest
		e.log.Debug().
			Int64("job", job.ID).
			Int("page", len(page)).
			Int64("stored", added).
			Msg("Export page archived")

		if len(page) < exportPageSize {
			break
		}
		if err := sleepCtx(ctx, e.gap); err != nil {
			return err
		}
	}

	e.log.Info().Int64("job", job.ID).Int64("messages", processed).Msg("Export finished")
	return nil
}

// exportable drops platform notices and messages the bridge itself wrote via webhooks.
func exportable(m *discordgo.Message) bool {
	if m.Author == nil || m.WebhookID != "" {
		return false
	}
	return m.Type == discordgo.MessageTypeDefault || m.Type == discordgo.MessageTypeReply
}

func archiveRow(jobID int64, m *discordgo.Message) store.ArchiveMessage {
	row := store.ArchiveMessage{
		JobID:           jobID,
		SourceMessageID: m.ID,
		AuthorID:        m.Author.ID,
		AuthorName:      authorName(m.Author),
		Content:         m.Content,
		Timestamp:       m.Timestamp.UTC(),
	}
	if avatar := m.Author.AvatarURL("256"); avatar != "" {
		row.AuthorAvatar = &avatar
	}
	if m.EditedTimestamp != nil {
		edited := m.EditedTimestamp.UTC()
		row.EditedTimestamp = &edited
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		row.ReplyToID = &ref.MessageID
	}
	for _, att := range m.Attachments {
		row.Attachments = append(row.Attachments, store.ArchiveAttachment{
			Name:        att.Filename,
			URL:         att.URL,
			Size:        int64(att.Size),
			ContentType: att.ContentType,
		})
	}
	for _, em := range m.Embeds {
		conv := store.ArchiveEmbed{
			Type:        string(em.Type),
			Title:       em.Title,
			Description: em.Description,
			URL:         em.URL,
			Color:       em.Color,
		}
		if em.Author != nil && em.Author.IconURL != "" {
			conv.IconURL = em.Author.IconURL
		} else if em.Footer != nil && em.Footer.IconURL != "" {
			conv.IconURL = em.Footer.IconURL
		}
		row.Embeds = append(row.Embeds, conv)
	}
	return row
}

func authorName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// snowflakeLess orders source message ids numerically without parsing them.
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-t.C:
		return nil
	}
}
