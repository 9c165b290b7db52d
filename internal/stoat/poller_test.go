package stoat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestPollerPrimesThenFetchesAfterCursor(t *testing.T) {
	t.Parallel()

	const channelID = "01HCHNAAAAAAAAAAAAAAAAAAAA"
	var (
		mu      sync.Mutex
		queries []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		n := len(queries)
		mu.Unlock()

		if n == 1 {
			// Priming call: one latest message.
			fmt.Fprint(w, `[{"_id":"M5","channel":"`+channelID+`","author":"alice","content":"old"}]`)
			return
		}
		// After-cursor call: newest-first, head authored by the bot itself.
		fmt.Fprint(w, `[
			{"_id":"M8","channel":"`+channelID+`","author":"bot","content":"ours"},
			{"_id":"M7","channel":"`+channelID+`","author":"alice","content":"second"},
			{"_id":"M6","channel":"`+channelID+`","author":"bob","content":"first"}
		]`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, ts.URL, "token", zerolog.Nop())
	var emitted []string
	p := newPoller(client, func(m *Message) { emitted = append(emitted, m.ID) }, zerolog.Nop())
	p.reset([]string{channelID}, "bot")

	ctx := context.Background()
	p.poll(ctx, channelID)
	if len(emitted) != 0 {
		t.Fatalf("priming poll emitted %v, want nothing", emitted)
	}

	p.poll(ctx, channelID)
	if len(emitted) != 2 || emitted[0] != "M6" || emitted[1] != "M7" {
		t.Errorf("emitted = %v, want [M6 M7] in chronological order", emitted)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 2 {
		t.Fatalf("server saw %d polls, want 2", len(queries))
	}
	if queries[0] != "limit=1&sort=Latest" {
		t.Errorf("priming query = %q, want limit=1&sort=Latest", queries[0])
	}
	if queries[1] != "after=M5&limit=10&sort=Latest" {
		t.Errorf("cursor query = %q, want after=M5&limit=10&sort=Latest", queries[1])
	}

	// Cursor advanced to the newest id even though it was our own message.
	p.mu.Lock()
	cursor := p.cursors[channelID]
	p.mu.Unlock()
	if cursor != "M8" {
		t.Errorf("cursor = %q, want M8", cursor)
	}
}

func TestPollerBatchRotation(t *testing.T) {
	t.Parallel()

	p := newPoller(nil, nil, zerolog.Nop())
	channels := make([]string, 25)
	for i := range channels {
		channels[i] = fmt.Sprintf("ch-%02d", i)
	}
	p.reset(channels, "bot")

	first := p.nextBatch()
	second := p.nextBatch()
	third := p.nextBatch()

	if len(first) != 10 || first[0] != "ch-00" || first[9] != "ch-09" {
		t.Errorf("first batch = %v", first)
	}
	if len(second) != 10 || second[0] != "ch-10" || second[9] != "ch-19" {
		t.Errorf("second batch = %v", second)
	}
	// Third batch wraps past the end of the list.
	if len(third) != 10 || third[0] != "ch-20" || third[4] != "ch-24" || third[5] != "ch-00" {
		t.Errorf("third batch = %v", third)
	}
}

func TestPollerEmptyChannelList(t *testing.T) {
	t.Parallel()

	p := newPoller(nil, nil, zerolog.Nop())
	if batch := p.nextBatch(); batch != nil {
		t.Errorf("nextBatch() = %v, want nil before reset", batch)
	}
}
