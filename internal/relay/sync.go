package relay

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"

	"github.com/pontoon-chat/pontoon/internal/stoat"
	"github.com/pontoon-chat/pontoon/internal/store"
)

// HandleSourceEdit mirrors a source-side edit onto the bridged target message.
func (e *Engine) HandleSourceEdit(m *discordgo.MessageUpdate) {
	// Partial updates without content (embed unfurls) and edits of bot or webhook
	// messages (our own sends included) carry nothing to mirror.
	if m.Content == "" || m.Author == nil || m.Author.Bot || m.WebhookID != "" {
		return
	}
	if e.guard.Was(KindEdited, m.ID) {
		return
	}
	e.lanes.Submit("s:"+m.ChannelID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		pair, ok := e.pairForSource(ctx, m.ID)
		if !ok {
			return
		}
		e.guard.Mark(KindEdited, pair.TargetMessageID)
		if err := e.target.EditMessage(ctx, pair.TargetChannelID, pair.TargetMessageID, ToTarget(m.Content)); err != nil {
			e.log.Error().Err(err).Str("target_message", pair.TargetMessageID).Msg("Edit sync to target failed")
		}
	})
}

// HandleTargetEdit mirrors a target-side edit onto the bridged source message.
func (e *Engine) HandleTargetEdit(ev *stoat.MessageUpdateEvent) {
	if ev.Data.Content == "" || ev.Data.Masquerade != nil {
		return
	}
	if e.guard.Was(KindEdited, ev.ID) {
		return
	}
	e.lanes.Submit("t:"+ev.Channel, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		pair, ok := e.pairForTarget(ctx, ev.ID)
		if !ok {
			return
		}
		link, ok := e.targetLink(ctx, ev.Channel)
		if !ok {
			return
		}
		e.guard.Mark(KindEdited, pair.SourceMessageID)
		if err := e.source.WebhookEdit(ctx, webhookCreds(link), pair.SourceMessageID, ToSource(ev.Data.Content)); err != nil {
			e.log.Error().Err(err).Str("source_message", pair.SourceMessageID).Msg("Edit sync to source failed")
		}
	})
}

// HandleSourceDelete removes the bridged target counterpart of a deleted source message.
func (e *Engine) HandleSourceDelete(m *discordgo.MessageDelete) {
	if e.guard.Was(KindDeleted, m.ID) {
		return
	}
	e.lanes.Submit("s:"+m.ChannelID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		pair, ok := e.pairForSource(ctx, m.ID)
		if !ok {
			return
		}
		e.guard.Mark(KindDeleted, pair.TargetMessageID)
		if err := e.target.DeleteMessage(ctx, pair.TargetChannelID, pair.TargetMessageID); err != nil {
			e.log.Error().Err(err).Str("target_message", pair.TargetMessageID).Msg("Delete sync to target failed")
			return
		}
		if err := e.db.DeletePairBySourceID(ctx, m.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("source_message", m.ID).Msg("Remove message pair failed")
		}
	})
}

// HandleTargetDelete removes the bridged source counterpart of a deleted target message.
func (e *Engine) HandleTargetDelete(ev *stoat.MessageDeleteEvent) {
	if e.guard.Was(KindDeleted, ev.ID) {
		return
	}
	e.lanes.Submit("t:"+ev.Channel, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		pair, ok := e.pairForTarget(ctx, ev.ID)
		if !ok {
			return
		}
		link, ok := e.targetLink(ctx, ev.Channel)
		if !ok {
			return
		}
		e.guard.Mark(KindDeleted, pair.SourceMessageID)
		if err := e.source.WebhookDelete(ctx, webhookCreds(link), pair.SourceMessageID); err != nil {
			e.log.Error().Err(err).Str("source_message", pair.SourceMessageID).Msg("Delete sync to source failed")
			return
		}
		if err := e.db.DeletePairByTargetID(ctx, ev.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("target_message", ev.ID).Msg("Remove message pair failed")
		}
	})
}

func (e *Engine) pairForSource(ctx context.Context, messageID string) (*store.MessagePair, bool) {
	pair, err := e.db.PairBySourceID(ctx, messageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("source_message", messageID).Msg("Pair lookup failed")
		}
		return nil, false
	}
	return pair, true
}

func (e *Engine) pairForTarget(ctx context.Context, messageID string) (*store.MessagePair, bool) {
	pair, err := e.db.PairByTargetID(ctx, messageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("target_message", messageID).Msg("Pair lookup failed")
		}
		return nil, false
	}
	return pair, true
}
