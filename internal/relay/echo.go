// Package relay moves messages between the two platforms: format translation, attachment
// re-hosting, reply resolution, edit and delete sync, and gap recovery after an outage. The echo
// guard and the user cache live here; other components reach them through small methods.
package relay

import (
	"sync"
	"time"
)

const (
	// bridgedTTL is how long a relayed message id is treated as our own echo. Gateway delivery
	// of our own sends arrives within seconds; a minute covers severe event lag.
	bridgedTTL = 60 * time.Second

	// editTTL and deleteTTL cover the echo window of sync operations, which have no
	// counterpart message to pair against and so expire faster.
	editTTL   = 10 * time.Second
	deleteTTL = 10 * time.Second

	// sweepThreshold is the per-set size at which expired entries are swept during Mark.
	sweepThreshold = 1024
)

// Kind selects which echo set an id belongs to.
type Kind int

const (
	// KindBridged marks ids of messages the relay itself sent.
	KindBridged Kind = iota
	// KindEdited marks ids whose edit the relay originated.
	KindEdited
	// KindDeleted marks ids whose delete the relay originated.
	KindDeleted
)

// Guard remembers message ids the bridge produced so their echoes coming back over either
// gateway are dropped instead of relayed again. State is in-memory only; after a restart the
// pair table still makes duplicate handling idempotent.
type Guard struct {
	mu   sync.Mutex
	sets [3]map[string]time.Time
	ttls [3]time.Duration
}

// NewGuard builds a guard with the standard TTLs.
func NewGuard() *Guard {
	return newGuardWithTTLs(bridgedTTL, editTTL, deleteTTL)
}

func newGuardWithTTLs(bridged, edited, deleted time.Duration) *Guard {
	g := &Guard{ttls: [3]time.Duration{bridged, edited, deleted}}
	for i := range g.sets {
		g.sets[i] = make(map[string]time.Time)
	}
	return g
}

// Mark schedules the id to be treated as our own echo until its TTL lapses.
func (g *Guard) Mark(kind Kind, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.sets[kind]
	set[id] = time.Now().Add(g.ttls[kind])
	if len(set) > sweepThreshold {
		now := time.Now()
		for k, expiry := range set {
			if now.After(expiry) {
				delete(set, k)
			}
		}
	}
}

// Was reports whether the id is a marked echo. Expired entries are evicted on sight.
func (g *Guard) Was(kind Kind, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	expiry, ok := g.sets[kind][id]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(g.sets[kind], id)
		return false
	}
	return true
}
