package relay

import (
	"context"
	"sort"
	"time"

	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// recoveryFetchLimit caps how far back one recovery pass reaches per channel per direction.
const recoveryFetchLimit = 100

// Recover replays messages that arrived while the bridge was disconnected, oldest first,
// for every active channel link. It is invoked on each target gateway READY; overlapping
// invocations from a reconnect storm collapse into the run already in progress.
func (e *Engine) Recover(ctx context.Context) {
	if !e.recovering.TryLock() {
		e.log.Debug().Msg("Recovery already running, skipping")
		return
	}
	defer e.recovering.Unlock()

	links, err := e.db.ListActiveChannelLinks(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("List channel links for recovery failed")
		return
	}
	for i := range links {
		if ctx.Err() != nil {
			return
		}
		e.recoverSourceGap(ctx, &links[i])
		e.recoverTargetGap(ctx, &links[i])
	}
}

// recoverSourceGap replays source messages newer than the link's source cursor. Links that
// never bridged anything have no baseline and are skipped rather than replaying history.
func (e *Engine) recoverSourceGap(ctx context.Context, link *store.ChannelLink) {
	if link.LastBridgedSourceID == nil {
		return
	}
	msgs, err := e.source.MessagesAfter(ctx, link.SourceChannelID, *link.LastBridgedSourceID, recoveryFetchLimit)
	if err != nil {
		e.log.Error().Err(err).Str("channel", link.SourceChannelID).Msg("Recovery fetch from source failed")
		return
	}
	sort.Slice(msgs, func(i, j int) bool { return snowflakeLess(msgs[i].ID, msgs[j].ID) })

	relayed := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}
		if !relayableSource(m) || e.alreadyPairedSource(ctx, m.ID) {
			continue
		}
		if relayed > 0 && !sleepCtx(ctx, e.sendGap) {
			return
		}
		e.relaySource(ctx, link, m, true)
		relayed++
	}
	if relayed > 0 {
		e.log.Info().Int("count", relayed).Str("channel", link.SourceChannelID).Msg("Replayed missed source messages")
	}
}

// recoverTargetGap replays target messages newer than the link's target cursor through the
// link's webhook.
func (e *Engine) recoverTargetGap(ctx context.Context, link *store.ChannelLink) {
	if link.LastBridgedTargetID == nil || !link.HasWebhook() {
		return
	}
	msgs, err := e.target.FetchMessages(ctx, link.TargetChannelID, stoat.FetchMessagesOptions{
		After: *link.LastBridgedTargetID,
		Sort:  "Oldest",
		Limit: recoveryFetchLimit,
	})
	if err != nil {
		e.log.Error().Err(err).Str("channel", link.TargetChannelID).Msg("Recovery fetch from target failed")
		return
	}

	relayed := 0
	for i := range msgs {
		m := &msgs[i]
		if ctx.Err() != nil {
			return
		}
		if !e.relayableTarget(m) || e.alreadyPairedTarget(ctx, m.ID) {
			continue
		}
		if relayed > 0 && !sleepCtx(ctx, e.hookGap) {
			return
		}
		e.relayTarget(ctx, link, m, true)
		relayed++
	}
	if relayed > 0 {
		e.log.Info().Int("count", relayed).Str("channel", link.TargetChannelID).Msg("Replayed missed target messages")
	}
}

// snowflakeLess orders numeric string ids without parsing; snowflakes never carry leading
// zeros so length ordering agrees with numeric ordering.
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// sleepCtx waits d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
