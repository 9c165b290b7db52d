package stoat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// pollInterval is the delay between polling sweeps.
	pollInterval = 5 * time.Second

	// pollBatchSize is how many channels one sweep covers.
	pollBatchSize = 10

	// pollFetchLimit is how many messages are requested per channel once a cursor exists.
	pollFetchLimit = 10
)

// poller sweeps subscribed channels over REST for messages the socket did not push. Bot sessions
// are not guaranteed channel-message events, so the poller runs even while the socket is healthy;
// the session's dedup set collapses the two paths.
type poller struct {
	client *Client
	emit   func(*Message)
	log    zerolog.Logger

	mu        sync.Mutex
	channels  []string
	cursors   map[string]string
	offset    int
	botUserID string
}

func newPoller(client *Client, emit func(*Message), logger zerolog.Logger) *poller {
	return &poller{
		client:  client,
		emit:    emit,
		log:     logger.With().Str("component", "poller").Logger(),
		cursors: make(map[string]string),
	}
}

// reset replaces the channel list and drops every cursor. Called on each Ready so a reconnect
// re-primes cursors instead of replaying the gap (recovery owns gap replay).
func (p *poller) reset(channels []string, botUserID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = channels
	p.cursors = make(map[string]string, len(channels))
	p.offset = 0
	p.botUserID = botUserID
}

// run sweeps one batch per tick until the context is cancelled.
func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ch := range p.nextBatch() {
				p.poll(ctx, ch)
			}
		}
	}
}

// nextBatch returns the next slice of channels, wrapping around the list.
func (p *poller) nextBatch() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.channels)
	if n == 0 {
		return nil
	}
	count := pollBatchSize
	if count > n {
		count = n
	}
	batch := make([]string, 0, count)
	for i := 0; i < count; i++ {
		batch = append(batch, p.channels[(p.offset+i)%n])
	}
	p.offset = (p.offset + count) % n
	return batch
}

// poll fetches messages after the channel's cursor, or primes the cursor on first contact.
func (p *poller) poll(ctx context.Context, channelID string) {
	p.mu.Lock()
	cursor := p.cursors[channelID]
	botID := p.botUserID
	p.mu.Unlock()

	opts := FetchMessagesOptions{Limit: 1, Sort: "Latest"}
	if cursor != "" {
		opts = FetchMessagesOptions{Limit: pollFetchLimit, After: cursor, Sort: "Latest"}
	}

	msgs, err := p.client.FetchMessages(ctx, channelID, opts)
	if err != nil {
		p.log.Debug().Err(err).Str("channel", channelID).Msg("Poll failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	// Responses are newest-first; the head carries the new cursor.
	p.setCursor(channelID, msgs[0].ID)
	if cursor == "" {
		return
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Author == botID {
			continue
		}
		p.emit(&m)
	}
}

func (p *poller) setCursor(channelID, messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[channelID] = messageID
}
