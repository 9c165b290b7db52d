package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AuthMethod records how a server link was authorized.
type AuthMethod string

const (
	AuthNewServer    AuthMethod = "new_server"
	AuthClaimCode    AuthMethod = "claim_code"
	AuthLiveApproval AuthMethod = "live_approval"
)

// ServerLink binds one source guild to one target server. Both sides are unique: a guild has at most one link and a
// target server belongs to at most one guild.
type ServerLink struct {
	SourceGuildID      string
	TargetServerID     string
	LinkedBy           string // source user who initiated the link
	LinkedByTargetUser *string
	Method             AuthMethod
	CreatedAt          time.Time
}

// ChannelLink binds one source channel to one target channel. Webhook credentials are absent until a webhook is
// provisioned; without them the target→source direction is disabled.
type ChannelLink struct {
	ID                  int64
	SourceChannelID     string
	TargetChannelID     string
	WebhookID           *string
	WebhookToken        *string
	Active              bool
	LastBridgedSourceID *string
	LastBridgedTargetID *string
	LastBridgedAt       *time.Time
	CreatedAt           time.Time
}

// HasWebhook reports whether the link can relay target messages back to the source side.
func (l *ChannelLink) HasWebhook() bool {
	return l.WebhookID != nil && l.WebhookToken != nil
}

// RoleLink maps a source role to its migrated target role.
type RoleLink struct {
	SourceRoleID  string
	TargetRoleID  string
	SourceGuildID string
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const serverLinkColumns = "source_guild_id, target_server_id, linked_by, linked_by_target_user, method, created_at"

// CreateServerLink inserts a server link, enforcing the one-to-one binding on both sides.
func (s *Store) CreateServerLink(ctx context.Context, link ServerLink) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO server_links (%s) VALUES (?, ?, ?, ?, ?, ?)", serverLinkColumns),
		link.SourceGuildID, link.TargetServerID, link.LinkedBy, nullStr(link.LinkedByTargetUser),
		string(link.Method), now().Unix(),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrServerAlreadyLinked
		}
		return fmt.Errorf("insert server link: %w", err)
	}
	return nil
}

// ServerLinkByGuild returns the link for the given source guild.
func (s *Store) ServerLinkByGuild(ctx context.Context, guildID string) (*ServerLink, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM server_links WHERE source_guild_id = ?", serverLinkColumns), guildID,
	)
	link, err := scanServerLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query server link by guild: %w", err)
	}
	return link, nil
}

// ServerLinkByTarget returns the link owning the given target server.
func (s *Store) ServerLinkByTarget(ctx context.Context, targetServerID string) (*ServerLink, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM server_links WHERE target_server_id = ?", serverLinkColumns), targetServerID,
	)
	link, err := scanServerLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query server link by target: %w", err)
	}
	return link, nil
}

// ListServerLinks returns all server links ordered by creation time.
func (s *Store) ListServerLinks(ctx context.Context) ([]ServerLink, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM server_links ORDER BY created_at", serverLinkColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("query server links: %w", err)
	}
	defer rows.Close()

	var links []ServerLink
	for rows.Next() {
		link, err := scanServerLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server link: %w", err)
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate server links: %w", err)
	}
	return links, nil
}

// DeleteServerLink removes the link for the given source guild along with its role links.
func (s *Store) DeleteServerLink(ctx context.Context, guildID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM role_links WHERE source_guild_id = ?", guildID); err != nil {
			return fmt.Errorf("delete role links: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM server_links WHERE source_guild_id = ?", guildID)
		if err != nil {
			return fmt.Errorf("delete server link: %w", err)
		}
		return requireRow(res)
	})
}

const channelLinkColumns = "id, source_channel_id, target_channel_id, webhook_id, webhook_token, active, " +
	"last_bridged_source_id, last_bridged_target_id, last_bridged_at, created_at"

// CreateChannelLink inserts a channel link and returns it with its assigned id.
func (s *Store) CreateChannelLink(ctx context.Context, link ChannelLink) (*ChannelLink, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_links (source_channel_id, target_channel_id, webhook_id, webhook_token, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		link.SourceChannelID, link.TargetChannelID, nullStr(link.WebhookID), nullStr(link.WebhookToken),
		link.Active, now().Unix(),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrChannelAlreadyLinked
		}
		return nil, fmt.Errorf("insert channel link: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.channelLinkBy(ctx, "id", id)
}

// ChannelLinkBySource returns the link for the given source channel.
func (s *Store) ChannelLinkBySource(ctx context.Context, sourceChannelID string) (*ChannelLink, error) {
	return s.channelLinkBy(ctx, "source_channel_id", sourceChannelID)
}

// ChannelLinkByTarget returns the link for the given target channel.
func (s *Store) ChannelLinkByTarget(ctx context.Context, targetChannelID string) (*ChannelLink, error) {
	return s.channelLinkBy(ctx, "target_channel_id", targetChannelID)
}

func (s *Store) channelLinkBy(ctx context.Context, column string, value any) (*ChannelLink, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM channel_links WHERE %s = ?", channelLinkColumns, column), value,
	)
	link, err := scanChannelLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel link by %s: %w", column, err)
	}
	return link, nil
}

// ListActiveChannelLinks returns every link with the active flag set.
func (s *Store) ListActiveChannelLinks(ctx context.Context) ([]ChannelLink, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM channel_links WHERE active = 1 ORDER BY id", channelLinkColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("query channel links: %w", err)
	}
	defer rows.Close()

	var links []ChannelLink
	for rows.Next() {
		link, err := scanChannelLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel link: %w", err)
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel links: %w", err)
	}
	return links, nil
}

// SetChannelWebhook records webhook credentials on the link, enabling the target→source direction.
func (s *Store) SetChannelWebhook(ctx context.Context, linkID int64, webhookID, webhookToken string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channel_links SET webhook_id = ?, webhook_token = ? WHERE id = ?",
		webhookID, webhookToken, linkID,
	)
	if err != nil {
		return fmt.Errorf("update channel webhook: %w", err)
	}
	return requireRow(res)
}

// SetChannelLinkActive toggles the active flag.
func (s *Store) SetChannelLinkActive(ctx context.Context, linkID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE channel_links SET active = ? WHERE id = ?", active, linkID)
	if err != nil {
		return fmt.Errorf("update channel link active: %w", err)
	}
	return requireRow(res)
}

// AdvanceSourceCursor records the newest bridged source message for the link.
func (s *Store) AdvanceSourceCursor(ctx context.Context, linkID int64, sourceMessageID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channel_links SET last_bridged_source_id = ?, last_bridged_at = ? WHERE id = ?",
		sourceMessageID, now().Unix(), linkID,
	)
	if err != nil {
		return fmt.Errorf("advance source cursor: %w", err)
	}
	return requireRow(res)
}

// AdvanceTargetCursor records the newest bridged target message for the link.
func (s *Store) AdvanceTargetCursor(ctx context.Context, linkID int64, targetMessageID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE channel_links SET last_bridged_target_id = ?, last_bridged_at = ? WHERE id = ?",
		targetMessageID, now().Unix(), linkID,
	)
	if err != nil {
		return fmt.Errorf("advance target cursor: %w", err)
	}
	return requireRow(res)
}

// DeleteChannelLink removes the link with the given id.
func (s *Store) DeleteChannelLink(ctx context.Context, linkID int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM channel_links WHERE id = ?", linkID)
	if err != nil {
		return fmt.Errorf("delete channel link: %w", err)
	}
	return requireRow(res)
}

// UpsertRoleLink inserts or replaces the mapping for a source role.
func (s *Store) UpsertRoleLink(ctx context.Context, link RoleLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_links (source_role_id, target_role_id, source_guild_id) VALUES (?, ?, ?)
		 ON CONFLICT(source_role_id) DO UPDATE SET target_role_id = excluded.target_role_id`,
		link.SourceRoleID, link.TargetRoleID, link.SourceGuildID,
	)
	if err != nil {
		return fmt.Errorf("upsert role link: %w", err)
	}
	return nil
}

// RoleLinksByGuild returns all role mappings recorded for a source guild, keyed by source role id.
func (s *Store) RoleLinksByGuild(ctx context.Context, guildID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_role_id, target_role_id FROM role_links WHERE source_guild_id = ?", guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query role links: %w", err)
	}
	defer rows.Close()

	links := make(map[string]string)
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			return nil, fmt.Errorf("scan role link: %w", err)
		}
		links[src] = dst
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role links: %w", err)
	}
	return links, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanServerLink(row scanner) (*ServerLink, error) {
	var (
		link    ServerLink
		byUser  sql.NullString
		created int64
	)
	err := row.Scan(&link.SourceGuildID, &link.TargetServerID, &link.LinkedBy, &byUser, &link.Method, &created)
	if err != nil {
		return nil, err
	}
	link.LinkedByTargetUser = strPtr(byUser)
	link.CreatedAt = time.Unix(created, 0).UTC()
	return &link, nil
}

func scanChannelLink(row scanner) (*ChannelLink, error) {
	var (
		link             ChannelLink
		whID, whToken    sql.NullString
		lastSrc, lastTgt sql.NullString
		lastAt           sql.NullInt64
		created          int64
	)
	err := row.Scan(
		&link.ID, &link.SourceChannelID, &link.TargetChannelID, &whID, &whToken, &link.Active,
		&lastSrc, &lastTgt, &lastAt, &created,
	)
	if err != nil {
		return nil, err
	}
	link.WebhookID = strPtr(whID)
	link.WebhookToken = strPtr(whToken)
	link.LastBridgedSourceID = strPtr(lastSrc)
	link.LastBridgedTargetID = strPtr(lastTgt)
	link.LastBridgedAt = timePtr(lastAt)
	link.CreatedAt = time.Unix(created, 0).UTC()
	return &link, nil
}
