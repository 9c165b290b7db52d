package stoat

import "sync"

const (
	// dedupCapacity is the high-water mark of remembered message ids.
	dedupCapacity = 10000

	// dedupRetain is how many of the newest ids survive a trim.
	dedupRetain = 5000
)

// dedupSet records every message id seen from either the socket or the poller, so each message is
// dispatched at most once per run. Insertion order is kept so trimming drops the oldest ids first.
type dedupSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
	keep  int
}

func newDedupSet(capacity, retain int) *dedupSet {
	return &dedupSet{
		seen: make(map[string]struct{}, capacity),
		cap:  capacity,
		keep: retain,
	}
}

// add inserts the id and reports whether it was new.
func (d *dedupSet) add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.cap {
		drop := len(d.order) - d.keep
		for _, old := range d.order[:drop] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0:0], d.order[drop:]...)
	}
	return true
}

// len reports the current number of remembered ids.
func (d *dedupSet) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
