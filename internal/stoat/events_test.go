package stoat

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestHandlerPanicIsolation(t *testing.T) {
	t.Parallel()

	h := newHandlers(zerolog.Nop())
	var second, third bool
	h.OnMessage(func(m *Message) { panic("handler bug") })
	h.OnMessage(func(m *Message) { second = true })
	h.OnMessage(func(m *Message) { third = true })

	h.emitMessage(&Message{ID: "01HMSGAAAAAAAAAAAAAAAAAAAA"})

	if !second || !third {
		t.Errorf("handlers after the panic ran = (%v, %v), want both true", second, third)
	}
}

func TestHandlersReceiveEventPayloads(t *testing.T) {
	t.Parallel()

	h := newHandlers(zerolog.Nop())
	var (
		gotUpdate *MessageUpdateEvent
		gotDelete *MessageDeleteEvent
		reacts    []string
	)
	h.OnMessageUpdate(func(ev *MessageUpdateEvent) { gotUpdate = ev })
	h.OnMessageDelete(func(ev *MessageDeleteEvent) { gotDelete = ev })
	h.OnMessageReact(func(ev *MessageReactEvent) { reacts = append(reacts, "add:"+ev.EmojiID) })
	h.OnMessageUnreact(func(ev *MessageReactEvent) { reacts = append(reacts, "del:"+ev.EmojiID) })

	h.emitMessageUpdate(&MessageUpdateEvent{ID: "m1", Channel: "c1", Data: Message{Content: "edited"}})
	h.emitMessageDelete(&MessageDeleteEvent{ID: "m1", Channel: "c1"})
	h.emitMessageReact(&MessageReactEvent{ID: "m1", EmojiID: "wave"}, false)
	h.emitMessageReact(&MessageReactEvent{ID: "m1", EmojiID: "wave"}, true)

	if gotUpdate == nil || gotUpdate.Data.Content != "edited" {
		t.Errorf("update event = %+v, want edited content", gotUpdate)
	}
	if gotDelete == nil || gotDelete.ID != "m1" {
		t.Errorf("delete event = %+v, want id m1", gotDelete)
	}
	if len(reacts) != 2 || reacts[0] != "add:wave" || reacts[1] != "del:wave" {
		t.Errorf("reacts = %v, want [add:wave del:wave]", reacts)
	}
}
