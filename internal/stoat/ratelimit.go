package stoat

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// resetSlack is added after a bucket's reset time before the next request is released, absorbing
// clock skew between us and the API.
const resetSlack = 100 * time.Millisecond

// bucketKey derives the rate-limit bucket for a request path. Server and channel routes get their
// own buckets; everything else shares the global one.
func bucketKey(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 2 {
		switch parts[0] {
		case "servers":
			return "server:" + parts[1]
		case "channels":
			return "channel:" + parts[1]
		}
	}
	return "global"
}

type bucket struct {
	remaining int
	resetAt   time.Time
}

// limiter tracks per-bucket request budgets from response headers. Every REST call goes through
// the same limiter, so no caller can overdraw a bucket another caller exhausted.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter() *limiter {
	return &limiter{buckets: make(map[string]*bucket)}
}

// wait blocks until the bucket admits a request or the context is cancelled.
func (l *limiter) wait(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		b := l.buckets[key]
		var delay time.Duration
		if b != nil && b.remaining <= 0 && b.resetAt.After(time.Now()) {
			delay = time.Until(b.resetAt) + resetSlack
		}
		l.mu.Unlock()

		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// update records the budget headers of a response. Headers carry seconds with fractional
// precision; responses without a remaining count leave the bucket untouched.
func (l *limiter) update(key string, h http.Header) {
	rem := h.Get("x-ratelimit-remaining")
	if rem == "" {
		return
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return
	}
	resetAfter, _ := strconv.ParseFloat(h.Get("x-ratelimit-reset-after"), 64)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = &bucket{
		remaining: remaining,
		resetAt:   time.Now().Add(time.Duration(resetAfter * float64(time.Second))),
	}
}

// retryAfter reads the delay from a 429 response, defaulting to one second.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("retry-after"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}
