package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/discord"
	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

const (
	testSourceChannel = "111000111000111"
	testTargetChannel = "01HABCDEFGHJKMNPQRSTVWXYZ1"
	testBotID         = "01BOTBOTBOTBOTBOTBOTBOTBOT"
	testAuthorID      = "01AAAAAAAAAAAAAAAAAAAAAAAA"
)

type webhookSend struct {
	creds  discord.WebhookCredentials
	params *discordgo.WebhookParams
}

type fakeSource struct {
	mu      sync.Mutex
	guildID string
	history []*discordgo.Message
	sent    []webhookSend
	edited  map[string]string
	deleted []string
	nextID  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{guildID: "222000222000222", edited: make(map[string]string)}
}

func (f *fakeSource) Channel(_ context.Context, channelID string) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: channelID, GuildID: f.guildID}, nil
}

func (f *fakeSource) MessagesAfter(_ context.Context, _ string, after string, _ int) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*discordgo.Message
	for _, m := range f.history {
		if snowflakeLess(after, m.ID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSource) WebhookSend(_ context.Context, creds discord.WebhookCredentials, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, webhookSend{creds: creds, params: params})
	return &discordgo.Message{ID: fmt.Sprintf("9%014d", f.nextID), ChannelID: testSourceChannel}, nil
}

func (f *fakeSource) WebhookEdit(_ context.Context, _ discord.WebhookCredentials, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited[messageID] = content
	return nil
}

func (f *fakeSource) WebhookDelete(_ context.Context, _ discord.WebhookCredentials, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

type sentMessage struct {
	channel string
	req     stoat.SendMessage
}

type fakeTarget struct {
	mu      sync.Mutex
	users   map[string]*stoat.User
	history []stoat.Message
	sent    []sentMessage
	edited  map[string]string
	deleted []string
	uploads map[string][]byte
	blobs   map[string][]byte
	nextID  int
}

func newFakeTarget() *fakeTarget {
	display := "Bob"
	return &fakeTarget{
		users: map[string]*stoat.User{
			testAuthorID: {ID: testAuthorID, Username: "bob", DisplayName: &display},
		},
		edited:  make(map[string]string),
		uploads: make(map[string][]byte),
		blobs:   make(map[string][]byte),
	}
}

func (f *fakeTarget) SendMessage(_ context.Context, channelID string, req stoat.SendMessage) (*stoat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{channel: channelID, req: req})
	return &stoat.Message{ID: fmt.Sprintf("01SENT%020d", f.nextID), Channel: channelID}, nil
}

func (f *fakeTarget) EditMessage(_ context.Context, _, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited[messageID] = content
	return nil
}

func (f *fakeTarget) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTarget) FetchUser(_ context.Context, userID string) (*stoat.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, stoat.ErrNotFound
}

func (f *fakeTarget) FetchMessages(_ context.Context, channelID string, opts stoat.FetchMessagesOptions) ([]stoat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stoat.Message
	for _, m := range f.history {
		if m.Channel == channelID && m.ID > opts.After {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeTarget) Upload(_ context.Context, _, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("01FILE%020d", f.nextID)
	f.uploads[id] = data
	return id, nil
}

func (f *fakeTarget) Download(_ context.Context, rawURL string, _ int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blobs[rawURL]; ok {
		return b, nil
	}
	return nil, errors.New("no blob for " + rawURL)
}

func (f *fakeTarget) AttachmentURL(file *stoat.File) string {
	return "https://cdn.test/attachments/" + file.ID + "/" + file.Filename
}

func (f *fakeTarget) AvatarURL(u *stoat.User) string {
	if u.Avatar == nil {
		return ""
	}
	return "https://cdn.test/avatars/" + u.Avatar.ID + "?max_side=256"
}

func newTestEngine(t *testing.T) (*Engine, *fakeSource, *fakeTarget, *store.Store) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open(:memory:) returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	src := newFakeSource()
	tgt := newFakeTarget()
	eng := NewEngine(db, src, tgt, NewGuard(), Config{
		TargetBotID: func() string { return testBotID },
	}, zerolog.Nop())
	eng.sendGap = 0
	eng.hookGap = 0
	t.Cleanup(eng.Close)
	return eng, src, tgt, db
}

// linkChannels creates the test channel link, optionally with webhook credentials.
func linkChannels(t *testing.T, db *store.Store, webhook bool) *store.ChannelLink {
	t.Helper()
	in := store.ChannelLink{
		SourceChannelID: testSourceChannel,
		TargetChannelID: testTargetChannel,
		Active:          true,
	}
	if webhook {
		id, token := "wh-1", "wh-token"
		in.WebhookID, in.WebhookToken = &id, &token
	}
	link, err := db.CreateChannelLink(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateChannelLink returned error: %v", err)
	}
	return link
}

// flush waits until every job already queued on the lane has run.
func flush(e *Engine, lane string) {
	done := make(chan struct{})
	e.lanes.Submit(lane, func() { close(done) })
	<-done
}

func sourceMsg(id, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        id,
		ChannelID: testSourceChannel,
		Content:   content,
		Author:    &discordgo.User{ID: "42", Username: "alice", GlobalName: "Alice"},
		Type:      discordgo.MessageTypeDefault,
	}}
}

func targetMsg(id, content string) *stoat.Message {
	return &stoat.Message{ID: id, Channel: testTargetChannel, Author: testAuthorID, Content: content}
}

func TestRelaySourceMessage(t *testing.T) {
	t.Parallel()
	eng, _, tgt, db := newTestEngine(t)
	linkChannels(t, db, false)

	eng.HandleSourceMessage(sourceMsg("500", "hello **world**"))
	flush(eng, "s:"+testSourceChannel)

	if len(tgt.sent) != 1 {
		t.Fatalf("target received %d messages, want 1", len(tgt.sent))
	}
	got := tgt.sent[0]
	if got.channel != testTargetChannel {
		t.Errorf("sent to channel %s, want %s", got.channel, testTargetChannel)
	}
	if got.req.Content != "hello **world**" {
		t.Errorf("content = %q, want %q", got.req.Content, "hello **world**")
	}
	if got.req.Masquerade == nil || got.req.Masquerade.Name != "Alice" {
		t.Errorf("masquerade = %+v, want name Alice", got.req.Masquerade)
	}

	pair, err := db.PairBySourceID(context.Background(), "500")
	if err != nil {
		t.Fatalf("PairBySourceID returned error: %v", err)
	}
	if pair.Direction != store.SourceToTarget {
		t.Errorf("pair direction = %s, want %s", pair.Direction, store.SourceToTarget)
	}

	fresh, err := db.ChannelLinkBySource(context.Background(), testSourceChannel)
	if err != nil {
		t.Fatalf("ChannelLinkBySource returned error: %v", err)
	}
	if fresh.LastBridgedSourceID == nil || *fresh.LastBridgedSourceID != "500" {
		t.Errorf("source cursor = %v, want 500", fresh.LastBridgedSourceID)
	}
	if fresh.LastBridgedTargetID == nil || *fresh.LastBridgedTargetID != pair.TargetMessageID {
		t.Errorf("target cursor = %v, want %s", fresh.LastBridgedTargetID, pair.TargetMessageID)
	}
}

func TestRelaySourceMessageDrops(t *testing.T) {
	t.Parallel()
	eng, _, tgt, db := newTestEngine(t)
	linkChannels(t, db, false)

	bot := sourceMsg("501", "from a bot")
	bot.Author.Bot = true
	eng.HandleSourceMessage(bot)

	hook := sourceMsg("502", "from a webhook")
	hook.WebhookID = "777"
	eng.HandleSourceMessage(hook)

	system := sourceMsg("503", "pin notice")
	system.Type = discordgo.MessageTypeChannelPinnedMessage
	eng.HandleSourceMessage(system)

	unlinked := sourceMsg("504", "elsewhere")
	unlinked.ChannelID = "999999"
	eng.HandleSourceMessage(unlinked)

	empty := sourceMsg("505", "")
	eng.HandleSourceMessage(empty)

	flush(eng, "s:"+testSourceChannel)
	flush(eng, "s:999999")
	if len(tgt.sent) != 0 {
		t.Fatalf("target received %d messages, want 0", len(tgt.sent))
	}
}

func TestRelaySourceMessageIdempotent(t *testing.T) {
	t.Parallel()
	eng, _, tgt, db := newTestEngine(t)
	linkChannels(t, db, false)

	eng.HandleSourceMessage(sourceMsg("510", "once"))
	flush(eng, "s:"+testSourceChannel)
	eng.HandleSourceMessage(sourceMsg("510", "once"))
	flush(eng, "s:"+testSourceChannel)

	if len(tgt.sent) != 1 {
		t.Fatalf("target received %d messages, want 1", len(tgt.sent))
	}
}

func TestRelayTargetMessage(t *testing.T) {
	t.Parallel()
	eng, src, _, db := newTestEngine(t)
	linkChannels(t, db, true)

	eng.HandleTargetMessage(targetMsg("01MSGAAAAAAAAAAAAAAAAAAAA1", "hi !!there!!"))
	flush(eng, "t:"+testTargetChannel)

	if len(src.sent) != 1 {
		t.Fatalf("source received %d webhook sends, want 1", len(src.sent))
	}
	got := src.sent[0]
	if got.creds.ID != "wh-1" || got.creds.Token != "wh-token" {
		t.Errorf("webhook creds = %+v", got.creds)
	}
	if got.params.Content != "hi ||there||" {
		t.Errorf("content = %q, want %q", got.params.Content, "hi ||there||")
	}
	if got.params.Username != "Bob" {
		t.Errorf("username = %q, want Bob", got.params.Username)
	}

	pair, err := db.PairByTargetID(context.Background(), "01MSGAAAAAAAAAAAAAAAAAAAA1")
	if err != nil {
		t.Fatalf("PairByTargetID returned error: %v", err)
	}
	if pair.Direction != store.TargetToSource {
		t.Errorf("pair direction = %s, want %s", pair.Direction, store.TargetToSource)
	}
}

func TestRelayTargetMessageDrops(t *testing.T) {
	t.Parallel()
	eng, src, _, db := newTestEngine(t)
	linkChannels(t, db, true)

	masq := targetMsg("01MSGBBBBBBBBBBBBBBBBBBBB1", "already bridged")
	masq.Masquerade = &stoat.Masquerade{Name: "Alice"}
	eng.HandleTargetMessage(masq)

	own := targetMsg("01MSGBBBBBBBBBBBBBBBBBBBB2", "bot notice")
	own.Author = testBotID
	eng.HandleTargetMessage(own)

	guarded := targetMsg("01MSGBBBBBBBBBBBBBBBBBBBB3", "echo")
	eng.guard.Mark(KindBridged, guarded.ID)
	eng.HandleTargetMessage(guarded)

	flush(eng, "t:"+testTargetChannel)
	if len(src.sent) != 0 {
		t.Fatalf("source received %d webhook sends, want 0", len(src.sent))
	}
}

func TestRelayTargetRequiresWebhook(t *testing.T) {
	t.Parallel()
	eng, src, _, db := newTestEngine(t)
	linkChannels(t, db, false)

	eng.HandleTargetMessage(targetMsg("01MSGCCCCCCCCCCCCCCCCCCCC1", "no path back"))
	flush(eng, "t:"+testTargetChannel)

	if len(src.sent) != 0 {
		t.Fatalf("source received %d webhook sends, want 0", len(src.sent))
	}
}

func TestEchoSuppressionRoundTrip(t *testing.T) {
	t.Parallel()
	eng, src, tgt, db := newTestEngine(t)
	linkChannels(t, db, true)

	eng.HandleSourceMessage(sourceMsg("600", "ping"))
	flush(eng, "s:"+testSourceChannel)
	if len(tgt.sent) != 1 {
		t.Fatalf("target received %d messages, want 1", len(tgt.sent))
	}

	// The gateway echoes our own send back; it must not cross again.
	pair, err := db.PairBySourceID(context.Background(), "600")
	if err != nil {
		t.Fatalf("PairBySourceID returned error: %v", err)
	}
	echo := targetMsg(pair.TargetMessageID, "ping")
	echo.Masquerade = &stoat.Masquerade{Name: "Alice"}
	eng.HandleTargetMessage(echo)
	flush(eng, "t:"+testTargetChannel)

	if len(src.sent) != 0 {
		t.Fatalf("echo was relayed back: %d webhook sends", len(src.sent))
	}
}

func TestEditSyncSourceToTarget(t *testing.T) {
	t.Parallel()
	eng, _, tgt, db := newTestEngine(t)
	linkChannels(t, db, false)

	eng.HandleSourceMessage(sourceMsg("610", "first"))
	flush(eng, "s:"+testSourceChannel)
	pair, err := db.PairBySourceID(context.Background(), "610")
	if err != nil {
		t.Fatalf("PairBySourceID returned error: %v", err)
	}

	edit := &discordgo.MessageUpdate{Message: sourceMsg("610", "second ||hidden||").Message}
	eng.HandleSourceEdit(edit)
	flush(eng, "s:"+testSourceChannel)

	if got := tgt.edited[pair.TargetMessageID]; got != "second !!hidden!!" {
		t.Errorf("target edit = %q, want %q", got, "second !!hidden!!")
	}

	// The resulting target update event is our own echo.
	if !eng.guard.Was(KindEdited, pair.TargetMessageID) {
		t.Error("edited id not marked in the guard")
	}
}

func TestEditSyncTargetToSource(t *testing.T) {
	t.Parallel()
	eng, src, _, db := newTestEngine(t)
	linkChannels(t, db, true)

	eng.HandleTargetMessage(targetMsg("01MSGDDDDDDDDDDDDDDDDDDDD1", "first"))
	flush(eng, "t:"+testTargetChannel)
	pair, err := db.PairByTargetID(context.Background(), "01MSGDDDDDDDDDDDDDDDDDDDD1")
	if err != nil {
		t.Fatalf("PairByTargetID returned error: %v", err)
	}

	eng.HandleTargetEdit(&stoat.MessageUpdateEvent{
		ID:      "01MSGDDDDDDDDDDDDDDDDDDDD1",
		Channel: testTargetChannel,
		Data:    stoat.Message{Content: "second !!hidden!!"},
	})
	flush(eng, "t:"+testTargetChannel)

	if got := src.edited[pair.SourceMessageID]; got != "second ||hidden||" {
		t.Errorf("source edit = %q, want %q", got, "second ||hidden||")
	}
}

func TestDeleteSyncSourceToTarget(t *testing.T) {
	t.Parallel()
	eng, _, tgt, db := newTestEngine(t)
	linkChannels(t, db, false)

	eng.HandleSourceMessage(sourceMsg("620", "doomed"))
	flush(eng, "s:"+testSourceChannel)
	pair, err := db.PairBySourceID(context.Background(), "620")
	if err != nil {
		t.Fatalf("PairBySourceID returned error: %v", err)
	}

	eng.HandleSourceDelete(&discordgo.MessageDelete{Message: &discordgo.Message{
		ID: "620", ChannelID: testSourceChannel,
	}})
	flush(eng, "s:"+testSourceChannel)

	if len(tgt.deleted) != 1 || tgt.deleted[0] != pair.TargetMessageID {
		t.Errorf("target deletions = %v, want [%s]", tgt.deleted, pair.TargetMessageID)
	}
	if _, err := db.PairBySourceID(context.Background(), "620"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pair still present after delete sync: %v", err)
	}
}

func TestDeleteSyncTargetToSource(t *testing.T) {
	t.Parallel()
	eng, src, _, db := newTestEngine(t)
	linkChannels(t, db, true)

	eng.HandleTargetMessage(targetMsg("01MSGEEEEEEEEEEEEEEEEEEEE1", "doomed"))
	flush(eng, "t:"+testTargetChannel)
	pair, err := db.PairByTargetID(context.Background(), "01MSGEEEEEEEEEEEEEEEEEEEE1")
	if err != nil {
		t.Fatalf("PairByTargetID returned error: %v", err)
	}

	eng.HandleTargetDelete(&stoat.MessageDeleteEvent{ID: "01MSGEEEEEEEEEEEEEEEEEEEE1", Channel: testTargetChannel})
	flush(eng, "t:"+testTargetChannel)

	if len(src.deleted) != 1 || src.deleted[0] != pair.SourceMessageID {
		t.Errorf("source deletions = %v, want [%s]", src.deleted, pair.SourceMessageID)
	}
	if _, err := db.PairByTargetID(context.Background(), "01MSGEEEEEEEEEEEEEEEEEEEE1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pair still present after delete sync: %v", err)
	}
}

func TestReplyResolution(t *testing.T) {
	t.Parallel()
	eng, _, tgt, db := newTestEngine(t)
	linkChannels(t, db, false)

	eng.HandleSourceMessage(sourceMsg("630", "parent"))
	flush(eng, "s:"+testSourceChannel)
	parent, err := db.PairBySourceID(context.Background(), "630")
	if err != nil {
		t.Fatalf("PairBySourceID returned error: %v", err)
	}

	reply := sourceMsg("631", "child")
	reply.Type = discordgo.MessageTypeReply
	reply.MessageReference = &discordgo.MessageReference{MessageID: "630", ChannelID: testSourceChannel}
	eng.HandleSourceMessage(reply)

	orphan := sourceMsg("632", "lost child")
	orphan.Type = discordgo.MessageTypeReply
	orphan.MessageReference = &discordgo.MessageReference{MessageID: "404404", ChannelID: testSourceChannel}
	eng.HandleSourceMessage(orphan)
	flush(eng, "s:"+testSourceChannel)

	if len(tgt.sent) != 3 {
		t.Fatalf("target received %d messages, want 3", len(tgt.sent))
	}
	resolved := tgt.sent[1].req
	if len(resolved.Replies) != 1 || resolved.Replies[0].ID != parent.TargetMessageID {
		t.Errorf("replies = %+v, want reference to %s", resolved.Replies, parent.TargetMessageID)
	}
	unresolved := tgt.sent[2].req
	if len(unresolved.Replies) != 0 {
		t.Errorf("orphan reply carried references: %+v", unresolved.Replies)
	}
	if !strings.HasPrefix(unresolved.Content, genericReplyQuote) {
		t.Errorf("orphan content = %q, want generic quote prefix", unresolved.Content)
	}
}

func TestReplyBackReference(t *testing.T) {
	t.Parallel()
	eng, src, _, db := newTestEngine(t)
	linkChannels(t, db, true)

	eng.HandleTargetMessage(targetMsg("01MSGFFFFFFFFFFFFFFFFFFFF1", "parent"))
	flush(eng, "t:"+testTargetChannel)
	pair, err := db.PairByTargetID(context.Background(), "01MSGFFFFFFFFFFFFFFFFFFFF1")
	if err != nil {
		t.Fatalf("PairByTargetID returned error: %v", err)
	}

	reply := targetMsg("01MSGFFFFFFFFFFFFFFFFFFFF2", "child")
	reply.Replies = []string{"01MSGFFFFFFFFFFFFFFFFFFFF1"}
	eng.HandleTargetMessage(reply)
	flush(eng, "t:"+testTargetChannel)

	if len(src.sent) != 2 {
		t.Fatalf("source received %d webhook sends, want 2", len(src.sent))
	}
	content := src.sent[1].params.Content
	want := "https://discord.com/channels/222000222000222/" + testSourceChannel + "/" + pair.SourceMessageID
	if !strings.Contains(content, want) {
		t.Errorf("reply content = %q, want link to %s", content, want)
	}
}

func TestAttachmentRehost(t *testing.T) {
	t.Parallel()
	eng, _, tgt, db := newTestEngine(t)
	linkChannels(t, db, false)

	tgt.mu.Lock()
	tgt.blobs["https://cdn.source.test/small.png"] = []byte("png-bytes")
	tgt.mu.Unlock()

	msg := sourceMsg("640", "look at this")
	msg.Attachments = []*discordgo.MessageAttachment{
		{ID: "1", URL: "https://cdn.source.test/small.png", Filename: "small.png", Size: 9},
		{ID: "2", URL: "https://cdn.source.test/huge.bin", Filename: "huge.bin", Size: 64 * 1024 * 1024},
	}
	eng.HandleSourceMessage(msg)
	flush(eng, "s:"+testSourceChannel)

	if len(tgt.sent) != 1 {
		t.Fatalf("target received %d messages, want 1", len(tgt.sent))
	}
	got := tgt.sent[0].req
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %v, want one re-hosted file", got.Attachments)
	}
	if string(tgt.uploads[got.Attachments[0]]) != "png-bytes" {
		t.Errorf("uploaded bytes = %q", tgt.uploads[got.Attachments[0]])
	}
	if !strings.Contains(got.Content, "https://cdn.source.test/huge.bin") {
		t.Errorf("oversized attachment not linked in content: %q", got.Content)
	}
}
