// Package discord wraps the source platform's official gateway and REST surface: intents
// negotiation, typed event dispatch, message pagination, and per-channel webhook management.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// fetchPageLimit is the largest page the message history endpoint serves.
const fetchPageLimit = 100

// Client owns the gateway session. Event handlers registered before Open run for the lifetime of
// the session; discordgo already isolates handler panics from the read loop.
type Client struct {
	session *discordgo.Session
	log     zerolog.Logger
}

// NewClient builds a session for the given bot token. Privileged intents (guild members and
// moderation) are only requested when asked for; they are needed solely for migration
// snapshots, and requesting them without portal approval would sever the gateway.
func NewClient(token string, privileged bool, logger zerolog.Logger) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = intentsFor(privileged)
	// Handlers must observe events in gateway order; downstream fan-out to per-channel
	// workers happens in the relay engine.
	session.SyncEvents = true
	return &Client{
		session: session,
		log:     logger.With().Str("component", "discord").Logger(),
	}, nil
}

// intentsFor returns the gateway intent mask. The base set covers relaying; the privileged pair
// adds member and ban visibility for snapshots.
func intentsFor(privileged bool) discordgo.Intent {
	intents := discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentGuildWebhooks
	if privileged {
		intents |= discordgo.IntentGuildMembers | discordgo.IntentGuildModeration
	}
	return intents
}

// Open connects to the gateway. discordgo maintains its own heartbeat and resume loop.
func (c *Client) Open() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	c.log.Info().Msg("Source gateway connected")
	return nil
}

// Close shuts the gateway connection down.
func (c *Client) Close() error {
	return c.session.Close()
}

// BotUserID returns the bot's own user id once the session is open.
func (c *Client) BotUserID() string {
	if c.session.State != nil && c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

// OnMessageCreate registers a handler for new messages.
func (c *Client) OnMessageCreate(fn func(*discordgo.MessageCreate)) {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { fn(m) })
}

// OnMessageUpdate registers a handler for message edits.
func (c *Client) OnMessageUpdate(fn func(*discordgo.MessageUpdate)) {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) { fn(m) })
}

// OnMessageDelete registers a handler for message deletions.
func (c *Client) OnMessageDelete(fn func(*discordgo.MessageDelete)) {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) { fn(m) })
}

// OnReady registers a handler for the gateway ready event.
func (c *Client) OnReady(fn func(*discordgo.Ready)) {
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) { fn(r) })
}

// Message fetches one message by id. Deleted or inaccessible messages return nil without error.
func (c *Client) Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	msg, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	return msg, nil
}

// MessagesBefore returns up to limit messages older than the cursor, newest first. An empty
// cursor starts from the channel head. Limit is clamped to the API page size.
func (c *Client) MessagesBefore(ctx context.Context, channelID, before string, limit int) ([]*discordgo.Message, error) {
	if limit <= 0 || limit > fetchPageLimit {
		limit = fetchPageLimit
	}
	msgs, err := c.session.ChannelMessages(channelID, limit, before, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch messages before %q: %w", before, err)
	}
	return msgs, nil
}

// MessagesAfter returns up to limit messages newer than the cursor, newest first.
func (c *Client) MessagesAfter(ctx context.Context, channelID, after string, limit int) ([]*discordgo.Message, error) {
	if limit <= 0 || limit > fetchPageLimit {
		limit = fetchPageLimit
	}
	msgs, err := c.session.ChannelMessages(channelID, limit, "", after, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch messages after %q: %w", after, err)
	}
	return msgs, nil
}

// Channel fetches a channel by id.
func (c *Client) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch channel: %w", err)
	}
	return ch, nil
}

// Guild fetches a guild by id.
func (c *Client) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	g, err := c.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild: %w", err)
	}
	return g, nil
}

// GuildChannels lists a guild's channels.
func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	chs, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild channels: %w", err)
	}
	return chs, nil
}

// GuildRoles lists a guild's roles.
func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	roles, err := c.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild roles: %w", err)
	}
	return roles, nil
}

// GuildEmojis lists a guild's custom emojis.
func (c *Client) GuildEmojis(ctx context.Context, guildID string) ([]*discordgo.Emoji, error) {
	emojis, err := c.session.GuildEmojis(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild emojis: %w", err)
	}
	return emojis, nil
}

// Member fetches one guild member. Missing members return nil without error.
func (c *Client) Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	m, err := c.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch member: %w", err)
	}
	return m, nil
}

// GuildMembers fetches one page of guild members. Requires the privileged members intent.
func (c *Client) GuildMembers(ctx context.Context, guildID, after string, limit int) ([]*discordgo.Member, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	members, err := c.session.GuildMembers(guildID, after, limit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild members: %w", err)
	}
	return members, nil
}

// GuildBans fetches one page of guild bans. Requires the privileged moderation intent.
func (c *Client) GuildBans(ctx context.Context, guildID, after string, limit int) ([]*discordgo.GuildBan, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	bans, err := c.session.GuildBans(guildID, limit, "", after, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild bans: %w", err)
	}
	return bans, nil
}

// notFound reports whether err is the REST API's 404.
func notFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
