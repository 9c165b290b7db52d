package relay

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/pontoon-chat/pontoon/internal/stoat"
)

func TestRecoverSourceGap(t *testing.T) {
	t.Parallel()
	eng, src, tgt, db := newTestEngine(t)
	link := linkChannels(t, db, true)

	cursorSrc, cursorTgt := "700", "01MSGRECOVERAAAAAAAAAAAAA0"
	if err := db.AdvanceSourceCursor(context.Background(), link.ID, cursorSrc); err != nil {
		t.Fatalf("AdvanceSourceCursor returned error: %v", err)
	}
	if err := db.AdvanceTargetCursor(context.Background(), link.ID, cursorTgt); err != nil {
		t.Fatalf("AdvanceTargetCursor returned error: %v", err)
	}

	// History holds the cursor message, two missed human messages (newest first, as the
	// API returns them), and a bot message that must be skipped.
	src.history = []*discordgo.Message{
		sourceMsg("703", "third").Message,
		sourceMsg("702", "second").Message,
		sourceMsg("700", "already bridged").Message,
	}
	bot := sourceMsg("701", "beep").Message
	bot.Author.Bot = true
	src.history = append(src.history, bot)

	eng.Recover(context.Background())

	if len(tgt.sent) != 2 {
		t.Fatalf("target received %d messages, want 2", len(tgt.sent))
	}
	if tgt.sent[0].req.Content != "second" || tgt.sent[1].req.Content != "third" {
		t.Errorf("replay order wrong: %q then %q", tgt.sent[0].req.Content, tgt.sent[1].req.Content)
	}
	for _, s := range tgt.sent {
		if s.req.Masquerade == nil || !strings.HasSuffix(s.req.Masquerade.Name, delayedSuffix) {
			t.Errorf("masquerade = %+v, want delayed suffix", s.req.Masquerade)
		}
	}

	fresh, err := db.ChannelLinkBySource(context.Background(), testSourceChannel)
	if err != nil {
		t.Fatalf("ChannelLinkBySource returned error: %v", err)
	}
	if fresh.LastBridgedSourceID == nil || *fresh.LastBridgedSourceID != "703" {
		t.Errorf("source cursor = %v, want 703", fresh.LastBridgedSourceID)
	}
}

func TestRecoverSourceGapSkipsRehost(t *testing.T) {
	t.Parallel()
	eng, src, tgt, db := newTestEngine(t)
	link := linkChannels(t, db, false)

	if err := db.AdvanceSourceCursor(context.Background(), link.ID, "710"); err != nil {
		t.Fatalf("AdvanceSourceCursor returned error: %v", err)
	}
	missed := sourceMsg("711", "file incoming").Message
	missed.Attachments = []*discordgo.MessageAttachment{
		{ID: "1", URL: "https://cdn.source.test/pic.png", Filename: "pic.png", Size: 10},
	}
	src.history = []*discordgo.Message{missed}

	eng.Recover(context.Background())

	if len(tgt.uploads) != 0 {
		t.Errorf("recovery re-hosted %d files, want 0", len(tgt.uploads))
	}
	if len(tgt.sent) != 1 {
		t.Fatalf("target received %d messages, want 1", len(tgt.sent))
	}
	if !strings.Contains(tgt.sent[0].req.Content, "https://cdn.source.test/pic.png") {
		t.Errorf("content = %q, want attachment URL appended", tgt.sent[0].req.Content)
	}
}

func TestRecoverTargetGap(t *testing.T) {
	t.Parallel()
	eng, src, tgt, db := newTestEngine(t)
	link := linkChannels(t, db, true)

	if err := db.AdvanceTargetCursor(context.Background(), link.ID, "01MSGRECOVERBBBBBBBBBBBBB0"); err != nil {
		t.Fatalf("AdvanceTargetCursor returned error: %v", err)
	}
	masq := *targetMsg("01MSGRECOVERBBBBBBBBBBBBB1", "ours already")
	masq.Masquerade = &stoat.Masquerade{Name: "Alice"}
	tgt.history = []stoat.Message{
		masq,
		*targetMsg("01MSGRECOVERBBBBBBBBBBBBB2", "missed one"),
		*targetMsg("01MSGRECOVERBBBBBBBBBBBBB3", "missed two"),
	}

	eng.Recover(context.Background())

	if len(src.sent) != 2 {
		t.Fatalf("source received %d webhook sends, want 2", len(src.sent))
	}
	if src.sent[0].params.Content != "missed one" || src.sent[1].params.Content != "missed two" {
		t.Errorf("replay order wrong: %q then %q", src.sent[0].params.Content, src.sent[1].params.Content)
	}
	for _, s := range src.sent {
		if !strings.HasSuffix(s.params.Username, delayedSuffix) {
			t.Errorf("username = %q, want delayed suffix", s.params.Username)
		}
	}
}

func TestRecoverIsIdempotent(t *testing.T) {
	t.Parallel()
	eng, src, tgt, db := newTestEngine(t)
	link := linkChannels(t, db, true)

	if err := db.AdvanceSourceCursor(context.Background(), link.ID, "720"); err != nil {
		t.Fatalf("AdvanceSourceCursor returned error: %v", err)
	}
	src.history = []*discordgo.Message{sourceMsg("721", "exactly once").Message}

	eng.Recover(context.Background())
	eng.Recover(context.Background())

	if len(tgt.sent) != 1 {
		t.Fatalf("target received %d messages after two recovery passes, want 1", len(tgt.sent))
	}

	// A live delivery of the same message after recovery is also a no-op.
	eng.HandleSourceMessage(sourceMsg("721", "exactly once"))
	flush(eng, "s:"+testSourceChannel)
	if len(tgt.sent) != 1 {
		t.Fatalf("target received %d messages after live replay, want 1", len(tgt.sent))
	}
}

func TestRecoverSkipsLinksWithoutBaseline(t *testing.T) {
	t.Parallel()
	eng, src, tgt, db := newTestEngine(t)
	linkChannels(t, db, true)

	src.history = []*discordgo.Message{sourceMsg("730", "pre-link history").Message}

	eng.Recover(context.Background())

	if len(tgt.sent) != 0 {
		t.Errorf("target received %d messages, want 0 for a link with no cursor", len(tgt.sent))
	}
}
