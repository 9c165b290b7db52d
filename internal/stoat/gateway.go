package stoat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds the initial WebSocket dial.
	handshakeTimeout = 10 * time.Second

	// pingInterval is how often a JSON Ping is sent while running.
	pingInterval = 30 * time.Second

	// livenessInterval is how often pong silence is checked.
	livenessInterval = 30 * time.Second

	// pongWarnAfter is the pong silence that produces a warning.
	pongWarnAfter = 90 * time.Second

	// pongTimeout is the pong silence that forces a reconnect.
	pongTimeout = 120 * time.Second

	// maxReconnects is how many consecutive failed connection attempts are made before giving up.
	maxReconnects = 10

	// maxReconnectDelay caps the exponential backoff between attempts.
	maxReconnectDelay = 60 * time.Second

	// closePongTimeout is the close code sent when the peer stops answering pings.
	closePongTimeout = 4000
)

// State is the gateway connection lifecycle phase.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	default:
		return "closed"
	}
}

type authenticatePayload struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type pingPayload struct {
	Type string `json:"type"`
	Data int64  `json:"data"`
}

type subscribePayload struct {
	Type     string `json:"type"`
	ServerID string `json:"server_id"`
}

// Session drives the gateway WebSocket. It authenticates, subscribes to every visible server,
// keeps the connection alive with a ping/liveness pair, sweeps channels over REST for messages
// bot accounts are not pushed, and reconnects with exponential backoff until closed.
//
// Registered handlers run on the read loop; handlers doing I/O must hand the event off to their
// own queue and return promptly.
type Session struct {
	wsURL    string
	token    string
	client   *Client
	handlers *Handlers
	dedup    *dedupSet
	poller   *poller
	log      zerolog.Logger

	state atomic.Int32

	mu         sync.Mutex
	conn       *websocket.Conn
	lastPongAt time.Time
	botUserID  string
	closed     bool

	sendMu sync.Mutex
}

// NewSession builds a gateway session using the given REST client for the polling fallback.
func NewSession(wsURL, token string, client *Client, logger zerolog.Logger) *Session {
	log := logger.With().Str("component", "gateway").Logger()
	s := &Session{
		wsURL:    strings.TrimSuffix(wsURL, "/"),
		token:    token,
		client:   client,
		handlers: newHandlers(log),
		dedup:    newDedupSet(dedupCapacity, dedupRetain),
		log:      log,
	}
	s.poller = newPoller(client, s.dispatchMessage, log)
	return s
}

// Handlers exposes the event registry so other components can attach callbacks.
func (s *Session) Handlers() *Handlers { return s.handlers }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// BotUserID returns our own user id, known once the first Ready has been processed.
func (s *Session) BotUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botUserID
}

// Run connects and keeps reconnecting until the context is cancelled, Close is called, or the
// attempt budget is exhausted. It blocks for the lifetime of the session.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		reachedReady, err := s.connect(ctx)
		if ctx.Err() != nil || s.isClosed() {
			return nil
		}
		if reachedReady {
			attempt = 0
		}
		attempt++
		if attempt > maxReconnects {
			return fmt.Errorf("gateway: giving up after %d reconnect attempts: %w", maxReconnects, err)
		}
		delay := reconnectDelay(attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Gateway disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Close ends the session with a normal-closure frame and disables reconnection.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeWithCode(websocket.CloseNormalClosure, "shutting down")
	s.setState(StateClosed)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// reconnectDelay is min(1s·2^(n-1), 60s) for attempt n.
func reconnectDelay(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d <= 0 || d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// connect runs a single connection to completion. It reports whether the connection reached
// Ready, which resets the reconnect budget.
func (s *Session) connect(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.wsURL+"/?format=json", nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.lastPongAt = time.Now()
	s.mu.Unlock()

	// Child context scoping the ping, liveness, and polling tasks to this connection.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()

	// Transport-level pings are answered independently of the JSON ping exchange.
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	s.setState(StateAuthenticating)
	if err := s.send(authenticatePayload{Type: "Authenticate", Token: s.token}); err != nil {
		return false, err
	}

	reachedReady := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return reachedReady, fmt.Errorf("gateway read: %w", err)
		}
		if s.handleEvent(connCtx, raw) {
			reachedReady = true
		}
	}
}

// handleEvent decodes and routes one inbound frame, reporting whether it was a Ready.
func (s *Session) handleEvent(ctx context.Context, raw []byte) bool {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Debug().Err(err).Msg("Undecodable gateway frame")
		return false
	}

	switch env.Type {
	case "Authenticated":
		s.log.Debug().Msg("Gateway authenticated")
	case "Ready":
		var ev ReadyEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.log.Error().Err(err).Msg("Undecodable ready event")
			return false
		}
		s.handleReady(ctx, &ev)
		return true
	case "Pong":
		s.mu.Lock()
		s.lastPongAt = time.Now()
		s.mu.Unlock()
	case "Message":
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.Debug().Err(err).Msg("Undecodable message event")
			return false
		}
		s.dispatchMessage(&m)
	case "MessageUpdate":
		var ev MessageUpdateEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			s.handlers.emitMessageUpdate(&ev)
		}
	case "MessageDelete":
		var ev MessageDeleteEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			s.handlers.emitMessageDelete(&ev)
		}
	case "MessageReact":
		var ev MessageReactEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			s.handlers.emitMessageReact(&ev, false)
		}
	case "MessageUnreact":
		var ev MessageReactEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			s.handlers.emitMessageReact(&ev, true)
		}
	case "ChannelStartTyping":
		var ev ChannelTypingEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			s.handlers.emitChannelTyping(&ev)
		}
	case "ChannelUpdate":
		var ev ChannelUpdateEvent
		if err := json.Unmarshal(raw, &ev); err == nil {
			s.handlers.emitChannelUpdate(&ev)
		}
	case "Error":
		s.log.Error().RawJSON("event", raw).Msg("Gateway error event")
	default:
		s.log.Debug().Str("type", env.Type).Msg("Ignoring gateway event")
	}
	return false
}

// handleReady processes the state snapshot: identify ourselves, subscribe to every server, prime
// the polling fallback, and start the per-connection timers. Ready handlers run on their own
// goroutine because recovery sweeps can outlast the pong deadline.
func (s *Session) handleReady(ctx context.Context, ev *ReadyEvent) {
	s.setState(StateReady)

	botID := findBotUser(ev.Users)
	s.mu.Lock()
	s.botUserID = botID
	s.mu.Unlock()

	for _, srv := range ev.Servers {
		if err := s.send(subscribePayload{Type: "Subscribe", ServerID: srv.ID}); err != nil {
			s.log.Warn().Err(err).Str("server", srv.ID).Msg("Subscribe failed")
		}
	}

	var pollable []string
	for _, ch := range ev.Channels {
		switch ch.ChannelType {
		case ChannelText, ChannelGroup, ChannelDM:
			pollable = append(pollable, ch.ID)
		}
	}
	s.poller.reset(pollable, botID)

	go s.pingLoop(ctx)
	go s.livenessLoop(ctx)
	go s.poller.run(ctx)

	s.setState(StateRunning)
	s.log.Info().Int("servers", len(ev.Servers)).Int("channels", len(pollable)).Msg("Gateway ready")
	go s.handlers.emitReady(ev)
}

// dispatchMessage funnels messages from both the socket and the poller through the dedup set.
func (s *Session) dispatchMessage(m *Message) {
	if !s.dedup.add(m.ID) {
		return
	}
	s.handlers.emitMessage(m)
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(pingPayload{Type: "Ping", Data: time.Now().UnixMilli()}); err != nil {
				s.log.Debug().Err(err).Msg("Ping send failed")
				return
			}
		}
	}
}

func (s *Session) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := s.pongSilence()
			switch {
			case silent > pongTimeout:
				s.log.Error().Dur("silent", silent).Msg("Pong timeout, forcing reconnect")
				s.closeWithCode(closePongTimeout, "pong timeout")
				return
			case silent > pongWarnAfter:
				s.log.Warn().Dur("silent", silent).Msg("No pong received recently")
			}
		}
	}
}

func (s *Session) pongSilence() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastPongAt)
}

// send serializes writes to the connection.
func (s *Session) send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("gateway not connected")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	return nil
}

// closeWithCode sends a close frame with the given code and reason, then closes the connection.
func (s *Session) closeWithCode(code int, reason string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// findBotUser picks our own user out of the ready snapshot: the entry the platform marks as the
// session user, or failing that the first bot entry.
func findBotUser(users []User) string {
	var firstBot string
	for i := range users {
		u := &users[i]
		if u.Relationship == "User" {
			return u.ID
		}
		if firstBot == "" && u.Bot != nil {
			firstBot = u.ID
		}
	}
	return firstBot
}
