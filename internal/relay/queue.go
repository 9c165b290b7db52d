package relay

import "sync"

// queueDepth bounds how many pending jobs a single channel lane may hold before
// submitters block. Blocking pushes backpressure up to the gateway reader instead
// of growing memory without bound during a flood.
const queueDepth = 64

// laneQueue runs jobs grouped by key in submission order. Jobs with the same key
// execute sequentially on one goroutine; jobs with different keys run concurrently.
type laneQueue struct {
	mu     sync.Mutex
	lanes  map[string]chan func()
	wg     sync.WaitGroup
	closed bool
}

func newLaneQueue() *laneQueue {
	return &laneQueue{lanes: make(map[string]chan func())}
}

// Submit enqueues job on the lane for key, starting the lane worker on first use.
// It blocks when the lane is full. Jobs submitted after Close are dropped.
func (q *laneQueue) Submit(key string, job func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	lane, ok := q.lanes[key]
	if !ok {
		lane = make(chan func(), queueDepth)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.drain(lane)
	}
	q.mu.Unlock()

	lane <- job
}

func (q *laneQueue) drain(lane chan func()) {
	defer q.wg.Done()
	for job := range lane {
		job()
	}
}

// Close stops accepting jobs and waits for every lane to finish what it already holds.
func (q *laneQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
