package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobDirection distinguishes exports (source history → store) from imports (store → target channel).
type JobDirection string

const (
	JobExport JobDirection = "export"
	JobImport JobDirection = "import"
)

// JobStatus is the lifecycle state of an archive job. Paused jobs resume from last_message_id.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ArchiveJob tracks one export or import run over a channel's history.
type ArchiveJob struct {
	ID                int64
	GuildID           string
	SourceChannelID   string
	SourceChannelName string
	TargetChannelID   *string
	Direction         JobDirection
	Status            JobStatus
	TotalMessages     int64
	ProcessedMessages int64
	LastMessageID     *string // resume cursor: oldest message of the last completed page
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Error             *string
}

// Active reports whether the job still has work pending.
func (j *ArchiveJob) Active() bool {
	return j.Status == JobPending || j.Status == JobRunning || j.Status == JobPaused
}

// ArchiveAttachment is the serialized form of a source attachment on an archived message.
type ArchiveAttachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// ArchiveEmbed is the serialized form of a source embed on an archived message.
type ArchiveEmbed struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
}

// ArchiveMessage is one exported source message. target_message_id stays null until the import run sends it.
type ArchiveMessage struct {
	ID              int64
	JobID           int64
	SourceMessageID string
	AuthorID        string
	AuthorName      string
	AuthorAvatar    *string
	Content         string
	Timestamp       time.Time
	EditedTimestamp *time.Time
	ReplyToID       *string
	Attachments     []ArchiveAttachment
	Embeds          []ArchiveEmbed
	TargetMessageID *string
	ImportedAt      *time.Time
}

const jobColumns = "id, guild_id, source_channel_id, source_channel_name, target_channel_id, direction, status, " +
	"total_messages, processed_messages, last_message_id, started_at, completed_at, error"

// CreateArchiveJob inserts a job. Exports are exclusive per source channel: creating a second one while another is
// pending, running, or paused fails with ErrActiveJobExists.
func (s *Store) CreateArchiveJob(ctx context.Context, job ArchiveJob) (*ArchiveJob, error) {
	var created *ArchiveJob
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if job.Direction == JobExport {
			var active bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM archive_jobs
				 WHERE source_channel_id = ? AND direction = ? AND status IN (?, ?, ?))`,
				job.SourceChannelID, string(JobExport), string(JobPending), string(JobRunning), string(JobPaused),
			).Scan(&active)
			if err != nil {
				return fmt.Errorf("check active jobs: %w", err)
			}
			if active {
				return ErrActiveJobExists
			}
		}

		started := now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO archive_jobs
			 (guild_id, source_channel_id, source_channel_name, target_channel_id, direction, status, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.GuildID, job.SourceChannelID, job.SourceChannelName, nullStr(job.TargetChannelID),
			string(job.Direction), string(JobPending), started.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert archive job: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		created = &job
		created.ID = id
		created.Status = JobPending
		created.StartedAt = &started
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ArchiveJobByID returns the job with the given id.
func (s *Store) ArchiveJobByID(ctx context.Context, id int64) (*ArchiveJob, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM archive_jobs WHERE id = ?", jobColumns), id,
	)
	job, err := scanArchiveJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query archive job: %w", err)
	}
	return job, nil
}

// SetJobStatus transitions the job, recording the error message on failure and the completion time on terminal states.
func (s *Store) SetJobStatus(ctx context.Context, id int64, status JobStatus, jobErr *string) error {
	var completedAt any
	if status == JobCompleted || status == JobFailed {
		completedAt = now().Unix()
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE archive_jobs SET status = ?, error = ?, completed_at = ? WHERE id = ?",
		string(status), nullStr(jobErr), completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return requireRow(res)
}

// PrepareImport converts a completed export into a pending import aimed at the given target channel. The job keeps
// its message rows, so reply resolution and resume work against the same job id. Only completed exports qualify.
func (s *Store) PrepareImport(ctx context.Context, id int64, targetChannelID string) (*ArchiveJob, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE archive_jobs
		 SET direction = ?, target_channel_id = ?, status = ?, processed_messages = 0, completed_at = NULL, error = NULL
		 WHERE id = ? AND direction = ? AND status = ?`,
		string(JobImport), targetChannelID, string(JobPending), id, string(JobExport), string(JobCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("prepare import: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.ArchiveJobByID(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrJobNotImportable
	}
	return s.ArchiveJobByID(ctx, id)
}

// UpdateJobProgress records processed/total counts and the resume cursor after a page of work.
func (s *Store) UpdateJobProgress(ctx context.Context, id, processed, total int64, lastMessageID *string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE archive_jobs SET processed_messages = ?, total_messages = ?, last_message_id = ? WHERE id = ?",
		processed, total, nullStr(lastMessageID), id,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return requireRow(res)
}

// InsertArchiveMessages bulk-inserts a page of exported messages in one transaction. Rows whose
// (job_id, source_message_id) already exist are ignored, and the returned count covers only rows actually inserted,
// so a resumed export does not double-count.
func (s *Store) InsertArchiveMessages(ctx context.Context, jobID int64, msgs []ArchiveMessage) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO archive_messages
			 (job_id, source_message_id, author_id, author_name, author_avatar, content, timestamp,
			  edited_timestamp, reply_to_id, attachments, embeds)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range msgs {
			attachments, err := json.Marshal(m.Attachments)
			if err != nil {
				return fmt.Errorf("marshal attachments: %w", err)
			}
			embeds, err := json.Marshal(m.Embeds)
			if err != nil {
				return fmt.Errorf("marshal embeds: %w", err)
			}

			res, err := stmt.ExecContext(ctx,
				jobID, m.SourceMessageID, m.AuthorID, m.AuthorName, nullStr(m.AuthorAvatar), m.Content,
				m.Timestamp.Unix(), nullTime(m.EditedTimestamp), nullStr(m.ReplyToID),
				string(attachments), string(embeds),
			)
			if err != nil {
				return fmt.Errorf("insert archive message %s: %w", m.SourceMessageID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

const archiveMessageColumns = "id, job_id, source_message_id, author_id, author_name, author_avatar, content, " +
	"timestamp, edited_timestamp, reply_to_id, attachments, embeds, target_message_id, imported_at"

// ListUnimportedMessages returns up to limit rows of the job that have not been sent yet, oldest first.
func (s *Store) ListUnimportedMessages(ctx context.Context, jobID int64, limit int) ([]ArchiveMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM archive_messages
		 WHERE job_id = ? AND target_message_id IS NULL ORDER BY timestamp ASC LIMIT ?`, archiveMessageColumns),
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unimported messages: %w", err)
	}
	defer rows.Close()

	var msgs []ArchiveMessage
	for rows.Next() {
		m, err := scanArchiveMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive messages: %w", err)
	}
	return msgs, nil
}

// MarkMessageImported records the target message created for an archived row.
func (s *Store) MarkMessageImported(ctx context.Context, id int64, targetMessageID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE archive_messages SET target_message_id = ?, imported_at = ? WHERE id = ?",
		targetMessageID, now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("mark message imported: %w", err)
	}
	return requireRow(res)
}

// ImportedTargetID resolves a source message id to the target message the same job already created for it. Used for
// reply reconstruction during import.
func (s *Store) ImportedTargetID(ctx context.Context, jobID int64, sourceMessageID string) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT target_message_id FROM archive_messages WHERE job_id = ? AND source_message_id = ?",
		jobID, sourceMessageID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query imported target id: %w", err)
	}
	if !id.Valid {
		return "", ErrNotFound
	}
	return id.String, nil
}

// CountArchiveMessages returns how many rows the job holds.
func (s *Store) CountArchiveMessages(ctx context.Context, jobID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM archive_messages WHERE job_id = ?", jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count archive messages: %w", err)
	}
	return n, nil
}

func scanArchiveJob(row scanner) (*ArchiveJob, error) {
	var (
		job                ArchiveJob
		targetCh, lastMsg  sql.NullString
		jobErr             sql.NullString
		started, completed sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.GuildID, &job.SourceChannelID, &job.SourceChannelName, &targetCh, &job.Direction,
		&job.Status, &job.TotalMessages, &job.ProcessedMessages, &lastMsg, &started, &completed, &jobErr,
	)
	if err != nil {
		return nil, err
	}
	job.TargetChannelID = strPtr(targetCh)
	job.LastMessageID = strPtr(lastMsg)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.Error = strPtr(jobErr)
	return &job, nil
}

func scanArchiveMessage(row scanner) (*ArchiveMessage, error) {
	var (
		m                   ArchiveMessage
		avatar, reply       sql.NullString
		targetID            sql.NullString
		attachments, embeds string
		ts                  int64
		edited, importedAt  sql.NullInt64
	)
	err := row.Scan(
		&m.ID, &m.JobID, &m.SourceMessageID, &m.AuthorID, &m.AuthorName, &avatar, &m.Content,
		&ts, &edited, &reply, &attachments, &embeds, &targetID, &importedAt,
	)
	if err != nil {
		return nil, err
	}
	m.AuthorAvatar = strPtr(avatar)
	m.Timestamp = time.Unix(ts, 0).UTC()
	m.EditedTimestamp = timePtr(edited)
	m.ReplyToID = strPtr(reply)
	m.TargetMessageID = strPtr(targetID)
	m.ImportedAt = timePtr(importedAt)

	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(embeds), &m.Embeds); err != nil {
		return nil, fmt.Errorf("unmarshal embeds: %w", err)
	}
	return &m, nil
}
