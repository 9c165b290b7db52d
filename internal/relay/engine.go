package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/discord"
	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

const (
	// jobTimeout bounds one relay operation end to end, downloads included.
	jobTimeout = 2 * time.Minute

	// masqueradeNameMax is the target platform's limit on masquerade display names.
	masqueradeNameMax = 32

	genericReplyQuote = "> *Replying to a message*"
	delayedSuffix     = " [delayed]"
)

// SourceClient is the slice of the source platform client the engine drives.
type SourceClient interface {
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	MessagesAfter(ctx context.Context, channelID, after string, limit int) ([]*discordgo.Message, error)
	WebhookSend(ctx context.Context, creds discord.WebhookCredentials, params *discordgo.WebhookParams) (*discordgo.Message, error)
	WebhookEdit(ctx context.Context, creds discord.WebhookCredentials, messageID, content string) error
	WebhookDelete(ctx context.Context, creds discord.WebhookCredentials, messageID string) error
}

// TargetClient is the slice of the target platform client the engine drives.
type TargetClient interface {
	SendMessage(ctx context.Context, channelID string, req stoat.SendMessage) (*stoat.Message, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchUser(ctx context.Context, userID string) (*stoat.User, error)
	FetchMessages(ctx context.Context, channelID string, opts stoat.FetchMessagesOptions) ([]stoat.Message, error)
	Upload(ctx context.Context, tag, filename string, data []byte) (string, error)
	Download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error)
	AttachmentURL(f *stoat.File) string
	AvatarURL(u *stoat.User) string
}

// Config carries the engine's tunables. Zero values fall back to defaults.
type Config struct {
	// SourceFileLimit caps source attachments re-hosted onto the target CDN, in bytes.
	SourceFileLimit int64
	// TargetFileLimit caps target attachments re-sent over source webhooks, in bytes.
	TargetFileLimit int64
	// TargetBotID reports the bridge's own target-side account id once known.
	TargetBotID func() string
}

// profile is a resolved target-side author identity for webhook impersonation.
type profile struct {
	name   string
	avatar string
}

// Engine relays messages, edits, and deletes between linked channels in both directions.
// Work is serialized per channel so messages keep their original order; separate channels
// proceed concurrently.
type Engine struct {
	db     *store.Store
	source SourceClient
	target TargetClient
	guard  *Guard
	lanes  *laneQueue
	log    zerolog.Logger

	botID func() string

	sourceFileLimit int64
	targetFileLimit int64

	// sendGap and hookGap space out recovery sends to stay inside platform rate limits.
	sendGap time.Duration
	hookGap time.Duration

	guilds   *ttlCache[string]
	profiles *ttlCache[profile]

	recovering sync.Mutex
}

// NewEngine builds a relay engine over the given store and platform clients.
func NewEngine(db *store.Store, source SourceClient, target TargetClient, guard *Guard, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.SourceFileLimit <= 0 {
		cfg.SourceFileLimit = 20 * 1024 * 1024
	}
	if cfg.TargetFileLimit <= 0 {
		cfg.TargetFileLimit = 25 * 1024 * 1024
	}
	if cfg.TargetBotID == nil {
		cfg.TargetBotID = func() string { return "" }
	}
	return &Engine{
		db:              db,
		source:          source,
		target:          target,
		guard:           guard,
		lanes:           newLaneQueue(),
		log:             logger.With().Str("component", "relay").Logger(),
		botID:           cfg.TargetBotID,
		sourceFileLimit: cfg.SourceFileLimit,
		targetFileLimit: cfg.TargetFileLimit,
		sendGap:         1100 * time.Millisecond,
		hookGap:         500 * time.Millisecond,
		guilds:          newTTLCache[string](10 * time.Minute),
		profiles:        newTTLCache[profile](5 * time.Minute),
	}
}

// Guard exposes the echo guard so sibling components can mark ids they produce.
func (e *Engine) Guard() *Guard {
	return e.guard
}

// Close drains the per-channel queues and waits for in-flight relays to finish.
func (e *Engine) Close() {
	e.lanes.Close()
}

// HandleSourceMessage relays a new source message to its linked target channel.
func (e *Engine) HandleSourceMessage(m *discordgo.MessageCreate) {
	if !relayableSource(m.Message) {
		return
	}
	e.lanes.Submit("s:"+m.ChannelID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		link, ok := e.sourceLink(ctx, m.ChannelID)
		if !ok {
			return
		}
		if e.alreadyPairedSource(ctx, m.ID) {
			return
		}
		e.relaySource(ctx, link, m.Message, false)
	})
}

// HandleTargetMessage relays a new target message back to its linked source channel.
func (e *Engine) HandleTargetMessage(m *stoat.Message) {
	if !e.relayableTarget(m) {
		return
	}
	e.lanes.Submit("t:"+m.Channel, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		link, ok := e.targetLink(ctx, m.Channel)
		if !ok {
			return
		}
		if e.alreadyPairedTarget(ctx, m.ID) {
			return
		}
		e.relayTarget(ctx, link, m, false)
	})
}

// relayableSource filters out messages that must never cross the bridge: bot and webhook
// authors (including our own webhook sends) and system notices.
func relayableSource(m *discordgo.Message) bool {
	if m.Author == nil || m.Author.Bot || m.WebhookID != "" {
		return false
	}
	return m.Type == discordgo.MessageTypeDefault || m.Type == discordgo.MessageTypeReply
}

// relayableTarget filters echoes of our own sends: guard hits, masqueraded messages
// (those began life on the source side), system notices, and the bridge account itself.
func (e *Engine) relayableTarget(m *stoat.Message) bool {
	if m.IsSystem() || m.Masquerade != nil {
		return false
	}
	if e.guard.Was(KindBridged, m.ID) {
		return false
	}
	if id := e.botID(); id != "" && m.Author == id {
		return false
	}
	return true
}

// relaySource sends one source message into the target channel. In delayed mode (outage
// recovery) attachments are linked instead of re-hosted and the author name is suffixed.
func (e *Engine) relaySource(ctx context.Context, link *store.ChannelLink, m *discordgo.Message, delayed bool) {
	content := ToTarget(m.Content)

	var fileIDs, lines []string
	if delayed {
		for _, att := range m.Attachments {
			lines = append(lines, att.URL)
		}
	} else {
		fileIDs, lines = e.rehostToTarget(ctx, m.Attachments)
	}
	content = appendLines(content, lines)

	if content == "" && len(fileIDs) == 0 {
		return
	}

	replies, quote := e.targetReplies(ctx, m)
	if quote != "" {
		content = truncate(quote + "\n" + content)
	}

	sent, err := e.target.SendMessage(ctx, link.TargetChannelID, stoat.SendMessage{
		Content:     content,
		Attachments: fileIDs,
		Replies:     replies,
		Masquerade:  sourceMasquerade(m, delayed),
	})
	if err != nil {
		e.log.Error().Err(err).
			Str("source_message", m.ID).
			Str("target_channel", link.TargetChannelID).
			Msg("Relay to target failed")
		return
	}

	e.guard.Mark(KindBridged, sent.ID)
	e.recordPair(ctx, link, m.ID, sent.ID, store.SourceToTarget)
}

// relayTarget posts one target message into the source channel through the link's webhook.
func (e *Engine) relayTarget(ctx context.Context, link *store.ChannelLink, m *stoat.Message, delayed bool) {
	content := ToSource(m.Content)

	var files []*discordgo.File
	var lines []string
	if delayed {
		for i := range m.Attachments {
			lines = append(lines, e.target.AttachmentURL(&m.Attachments[i]))
		}
	} else {
		files, lines = e.rehostToSource(ctx, m.Attachments)
	}
	content = appendLines(content, lines)

	if prefix := e.sourceReplyPrefix(ctx, link, m.Replies); prefix != "" {
		content = truncate(prefix + content)
	}
	if content == "" && len(files) == 0 {
		return
	}

	who := e.targetProfile(ctx, m.Author)
	name := who.name
	if delayed {
		name += delayedSuffix
	}

	sent, err := e.source.WebhookSend(ctx, webhookCreds(link), &discordgo.WebhookParams{
		Content:   content,
		Username:  name,
		AvatarURL: who.avatar,
		Files:     files,
	})
	if err != nil {
		e.log.Error().Err(err).
			Str("target_message", m.ID).
			Str("source_channel", link.SourceChannelID).
			Msg("Relay to source failed")
		return
	}

	e.guard.Mark(KindBridged, sent.ID)
	e.recordPair(ctx, link, sent.ID, m.ID, store.TargetToSource)
}

// recordPair persists the bridged pair and pushes both link cursors forward.
func (e *Engine) recordPair(ctx context.Context, link *store.ChannelLink, sourceID, targetID string, dir store.Direction) {
	pair := store.MessagePair{
		SourceMessageID: sourceID,
		TargetMessageID: targetID,
		SourceChannelID: link.SourceChannelID,
		TargetChannelID: link.TargetChannelID,
		Direction:       dir,
	}
	if err := e.db.SaveMessagePair(ctx, pair); err != nil {
		e.log.Error().Err(err).Str("source_message", sourceID).Msg("Persist message pair failed")
	}
	if err := e.db.AdvanceSourceCursor(ctx, link.ID, sourceID); err != nil {
		e.log.Error().Err(err).Int64("link", link.ID).Msg("Advance source cursor failed")
	}
	if err := e.db.AdvanceTargetCursor(ctx, link.ID, targetID); err != nil {
		e.log.Error().Err(err).Int64("link", link.ID).Msg("Advance target cursor failed")
	}
}

// rehostToTarget downloads each source attachment and uploads it to the target CDN.
// Oversized or failed attachments degrade to their original URL as a content line.
func (e *Engine) rehostToTarget(ctx context.Context, atts []*discordgo.MessageAttachment) (fileIDs, lines []string) {
	for _, att := range atts {
		if int64(att.Size) > e.sourceFileLimit {
			lines = append(lines, att.URL)
			continue
		}
		data, err := e.target.Download(ctx, att.URL, e.sourceFileLimit)
		if err != nil {
			e.log.Warn().Err(err).Str("url", att.URL).Msg("Attachment download failed, linking instead")
			lines = append(lines, att.URL)
			continue
		}
		id, err := e.target.Upload(ctx, "attachments", att.Filename, data)
		if err != nil {
			e.log.Warn().Err(err).Str("filename", att.Filename).Msg("Attachment upload failed, linking instead")
			lines = append(lines, att.URL)
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	return fileIDs, lines
}

// rehostToSource pulls each target attachment from the CDN for a multipart webhook send.
func (e *Engine) rehostToSource(ctx context.Context, atts []stoat.File) (files []*discordgo.File, lines []string) {
	for i := range atts {
		att := &atts[i]
		url := e.target.AttachmentURL(att)
		if att.Size > e.targetFileLimit {
			lines = append(lines, url)
			continue
		}
		data, err := e.target.Download(ctx, url, e.targetFileLimit)
		if err != nil {
			e.log.Warn().Err(err).Str("url", url).Msg("Attachment download failed, linking instead")
			lines = append(lines, url)
			continue
		}
		files = append(files, &discordgo.File{
			Name:        att.Filename,
			ContentType: att.ContentType,
			Reader:      bytes.NewReader(data),
		})
	}
	return files, lines
}

// targetReplies resolves a source reply reference to its target counterpart. When the parent
// was never bridged the second return carries a quote line to prepend instead.
func (e *Engine) targetReplies(ctx context.Context, m *discordgo.Message) ([]stoat.Reply, string) {
	if m.MessageReference == nil || m.MessageReference.MessageID == "" {
		return nil, ""
	}
	pair, err := e.db.PairBySourceID(ctx, m.MessageReference.MessageID)
	if err != nil {
		return nil, genericReplyQuote
	}
	return []stoat.Reply{{ID: pair.TargetMessageID}}, ""
}

// sourceReplyPrefix turns a target reply reference into a quoted link to the counterpart
// source message, falling back to a generic quote when the parent was never bridged.
func (e *Engine) sourceReplyPrefix(ctx context.Context, link *store.ChannelLink, replies []string) string {
	if len(replies) == 0 {
		return ""
	}
	pair, err := e.db.PairByTargetID(ctx, replies[0])
	if err == nil {
		if guildID := e.guildID(ctx, link.SourceChannelID); guildID != "" {
			return fmt.Sprintf("> Replying to https://discord.com/channels/%s/%s/%s\n",
				guildID, link.SourceChannelID, pair.SourceMessageID)
		}
	}
	return genericReplyQuote + "\n"
}

// targetProfile resolves a target author's display identity, cached briefly to keep one
// REST call per author per window rather than per message.
func (e *Engine) targetProfile(ctx context.Context, userID string) profile {
	if p, ok := e.profiles.Get(userID); ok {
		return p
	}
	u, err := e.target.FetchUser(ctx, userID)
	if err != nil {
		e.log.Warn().Err(err).Str("user", userID).Msg("Fetch target user failed")
		return profile{name: "Unknown User"}
	}
	p := profile{name: u.Name(), avatar: e.target.AvatarURL(u)}
	e.profiles.Set(userID, p)
	return p
}

// guildID resolves the guild owning a source channel, cached for reply permalinks.
func (e *Engine) guildID(ctx context.Context, channelID string) string {
	if id, ok := e.guilds.Get(channelID); ok {
		return id
	}
	ch, err := e.source.Channel(ctx, channelID)
	if err != nil || ch == nil {
		return ""
	}
	e.guilds.Set(channelID, ch.GuildID)
	return ch.GuildID
}

// sourceLink loads the active link for a source channel, reporting false when the channel
// is unbridged.
func (e *Engine) sourceLink(ctx context.Context, channelID string) (*store.ChannelLink, bool) {
	link, err := e.db.ChannelLinkBySource(ctx, channelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("channel", channelID).Msg("Channel link lookup failed")
		}
		return nil, false
	}
	if !link.Active {
		return nil, false
	}
	return link, true
}

// targetLink loads the active link for a target channel. Links without webhook credentials
// cannot carry this direction and report false.
func (e *Engine) targetLink(ctx context.Context, channelID string) (*store.ChannelLink, bool) {
	link, err := e.db.ChannelLinkByTarget(ctx, channelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("channel", channelID).Msg("Channel link lookup failed")
		}
		return nil, false
	}
	if !link.Active || !link.HasWebhook() {
		return nil, false
	}
	return link, true
}

func (e *Engine) alreadyPairedSource(ctx context.Context, messageID string) bool {
	_, err := e.db.PairBySourceID(ctx, messageID)
	if err == nil {
		return true
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.log.Error().Err(err).Str("source_message", messageID).Msg("Pair lookup failed")
	}
	return false
}

func (e *Engine) alreadyPairedTarget(ctx context.Context, messageID string) bool {
	_, err := e.db.PairByTargetID(ctx, messageID)
	if err == nil {
		return true
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.log.Error().Err(err).Str("target_message", messageID).Msg("Pair lookup failed")
	}
	return false
}

// sourceMasquerade builds the displayed identity for a bridged source author: server
// nickname first, then global display name, then username.
func sourceMasquerade(m *discordgo.Message, delayed bool) *stoat.Masquerade {
	name := m.Author.Username
	if m.Author.GlobalName != "" {
		name = m.Author.GlobalName
	}
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}
	if delayed {
		name += delayedSuffix
	}
	return &stoat.Masquerade{
		Name:   clampRunes(name, masqueradeNameMax),
		Avatar: m.Author.AvatarURL("256"),
	}
}

func webhookCreds(link *store.ChannelLink) discord.WebhookCredentials {
	return discord.WebhookCredentials{ID: *link.WebhookID, Token: *link.WebhookToken}
}

func appendLines(content string, lines []string) string {
	if len(lines) == 0 {
		return content
	}
	if content != "" {
		content += "\n"
	}
	return truncate(content + strings.Join(lines, "\n"))
}

func clampRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
