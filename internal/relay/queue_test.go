package relay

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLaneQueueOrdering(t *testing.T) {
	t.Parallel()

	q := newLaneQueue()

	var mu sync.Mutex
	got := make(map[string][]int)

	for i := 0; i < 50; i++ {
		i := i
		for _, key := range []string{"alpha", "beta"} {
			key := key
			q.Submit(key, func() {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			})
		}
	}
	q.Close()

	for _, key := range []string{"alpha", "beta"} {
		seq := got[key]
		if len(seq) != 50 {
			t.Fatalf("lane %s ran %d jobs, want 50", key, len(seq))
		}
		for i, v := range seq {
			if v != i {
				t.Fatalf("lane %s job %d ran out of order: got %d", key, i, v)
			}
		}
	}
}

func TestLaneQueueCloseWaits(t *testing.T) {
	t.Parallel()

	q := newLaneQueue()

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		q.Submit("ch", func() { done.Add(1) })
	}
	q.Close()

	if n := done.Load(); n != 20 {
		t.Errorf("Close returned with %d of 20 jobs finished", n)
	}

	// Submissions after Close must be ignored, not panic.
	q.Submit("ch", func() { done.Add(1) })
	if n := done.Load(); n != 20 {
		t.Errorf("job ran after Close: %d", n)
	}
}
