package stoat

import (
	"sync"

	"github.com/rs/zerolog"
)

// ReadyEvent is the initial state snapshot sent after authentication.
type ReadyEvent struct {
	Users    []User    `json:"users"`
	Servers  []Server  `json:"servers"`
	Channels []Channel `json:"channels"`
	Members  []Member  `json:"members,omitempty"`
	Emojis   []Emoji   `json:"emojis,omitempty"`
}

// MessageUpdateEvent reports a partial edit to an existing message.
type MessageUpdateEvent struct {
	ID      string  `json:"id"`
	Channel string  `json:"channel"`
	Data    Message `json:"data"`
}

// MessageDeleteEvent reports a removed message.
type MessageDeleteEvent struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
}

// MessageReactEvent reports a reaction added to or removed from a message.
type MessageReactEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	EmojiID   string `json:"emoji_id"`
}

// ChannelTypingEvent reports a user starting to type in a channel.
type ChannelTypingEvent struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

// ChannelUpdateEvent reports a partial edit to a channel.
type ChannelUpdateEvent struct {
	ID    string   `json:"id"`
	Data  Channel  `json:"data"`
	Clear []string `json:"clear,omitempty"`
}

// Handlers holds the registered callbacks for gateway events. Invocations are isolated: a panic
// in one handler is logged and does not stop the remaining handlers or the read loop.
type Handlers struct {
	mu             sync.RWMutex
	ready          []func(*ReadyEvent)
	message        []func(*Message)
	messageUpdate  []func(*MessageUpdateEvent)
	messageDelete  []func(*MessageDeleteEvent)
	messageReact   []func(*MessageReactEvent)
	messageUnreact []func(*MessageReactEvent)
	channelTyping  []func(*ChannelTypingEvent)
	channelUpdate  []func(*ChannelUpdateEvent)
	log            zerolog.Logger
}

func newHandlers(logger zerolog.Logger) *Handlers {
	return &Handlers{log: logger}
}

// OnReady registers a callback for the post-authentication snapshot.
func (h *Handlers) OnReady(fn func(*ReadyEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = append(h.ready, fn)
}

// OnMessage registers a callback for new messages from either the socket or the poller.
func (h *Handlers) OnMessage(fn func(*Message)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.message = append(h.message, fn)
}

// OnMessageUpdate registers a callback for message edits.
func (h *Handlers) OnMessageUpdate(fn func(*MessageUpdateEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messageUpdate = append(h.messageUpdate, fn)
}

// OnMessageDelete registers a callback for message deletions.
func (h *Handlers) OnMessageDelete(fn func(*MessageDeleteEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messageDelete = append(h.messageDelete, fn)
}

// OnMessageReact registers a callback for added reactions.
func (h *Handlers) OnMessageReact(fn func(*MessageReactEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messageReact = append(h.messageReact, fn)
}

// OnMessageUnreact registers a callback for removed reactions.
func (h *Handlers) OnMessageUnreact(fn func(*MessageReactEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messageUnreact = append(h.messageUnreact, fn)
}

// OnChannelTyping registers a callback for typing notifications.
func (h *Handlers) OnChannelTyping(fn func(*ChannelTypingEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelTyping = append(h.channelTyping, fn)
}

// OnChannelUpdate registers a callback for channel edits.
func (h *Handlers) OnChannelUpdate(fn func(*ChannelUpdateEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelUpdate = append(h.channelUpdate, fn)
}

func (h *Handlers) emitReady(ev *ReadyEvent) {
	h.mu.RLock()
	fns := h.ready
	h.mu.RUnlock()
	for _, fn := range fns {
		h.invoke("ready", func() { fn(ev) })
	}
}

func (h *Handlers) emitMessage(m *Message) {
	h.mu.RLock()
	fns := h.message
	h.mu.RUnlock()
	for _, fn := range fns {
		h.invoke("message", func() { fn(m) })
	}
}

func (h *Handlers) emitMessageUpdate(ev *MessageUpdateEvent) {
	h.mu.RLock()
	fns := h.messageUpdate
	h.mu.RUnlock()
	for _, fn := range fns {
		h.invoke("messageUpdate", func() { fn(ev) })
	}
}

func (h *Handlers) emitMessageDelete(ev *MessageDeleteEvent) {
	h.mu.RLock()
	fns := h.messageDelete
	h.mu.RUnlock()
	for _, fn := range fns {
		h.invoke("messageDelete", func() { fn(ev) })
	}
}

func (h *Handlers) emitMessageReact(ev *MessageReactEvent, removed bool) {
	h.mu.RLock()
	fns := h.messageReact
	name := "messageReact"
	if removed {
		fns = h.messageUnreact
		name = "messageUnreact"
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		h.invoke(name, func() { fn(ev) })
	}
}

func (h *Handlers) emitChannelTyping(ev *ChannelTypingEvent) {
	h.mu.RLock()
	fns := h.channelTyping
	h.mu.RUnlock()
	for _, fn := range fns {
		h.invoke("channelStartTyping", func() { fn(ev) })
	}
}

func (h *Handlers) emitChannelUpdate(ev *ChannelUpdateEvent) {
	h.mu.RLock()
	fns := h.channelUpdate
	h.mu.RUnlock()
	for _, fn := range fns {
		h.invoke("channelUpdate", func() { fn(ev) })
	}
}

// invoke runs one handler with panic isolation.
func (h *Handlers) invoke(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("event", event).Interface("panic", r).Msg("Event handler panicked")
		}
	}()
	fn()
}
