// Package migration links source guilds to target servers and reconciles their structure:
// the authorizer establishes the link through one of three consent paths, the executor
// mirrors roles, channels, categories, emoji, and media onto the linked server.
package migration

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrApprovalDenied means a server admin rejected the link request.
	ErrApprovalDenied = errors.New("migration request denied")

	// ErrApprovalTimeout means no admin answered the prompt before it expired.
	ErrApprovalTimeout = errors.New("migration request timed out")

	// ErrShuttingDown means the process is stopping and cannot wait for approvals.
	ErrShuttingDown = errors.New("shutting down")
)

// decision is the outcome delivered through an approval rendezvous.
type decision struct {
	approved bool
	userID   string
	shutdown bool
}

// Approvals is the rendezvous between an authorizer blocked on a live-approval prompt and
// the gateway handler that sees the admin's reply. Slots are keyed by request id; the
// prompt message maps back to its request through the store.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]chan decision
	closed  bool
}

func NewApprovals() *Approvals {
	return &Approvals{pending: make(map[string]chan decision)}
}

// Register opens a slot for the request. The slot buffers one decision so a reply landing
// between registration and Await is not lost.
func (a *Approvals) Register(requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrShuttingDown
	}
	a.pending[requestID] = make(chan decision, 1)
	return nil
}

// Resolve delivers a verdict to the waiting authorizer. It reports false when no slot is
// open for the request, which means the wait already ended.
func (a *Approvals) Resolve(requestID string, approved bool, userID string) bool {
	a.mu.Lock()
	ch, ok := a.pending[requestID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- decision{approved: approved, userID: userID}:
		return true
	default:
		return false
	}
}

// Discard drops the slot without delivering, for when the prompt could not be posted.
func (a *Approvals) Discard(requestID string) {
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
}

// Await blocks until the request is resolved, the timeout lapses, or the context ends.
// On approval it returns the approving admin's user id.
func (a *Approvals) Await(ctx context.Context, requestID string, timeout time.Duration) (string, error) {
	a.mu.Lock()
	ch, ok := a.pending[requestID]
	a.mu.Unlock()
	if !ok {
		return "", ErrShuttingDown
	}
	defer a.Discard(requestID)

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d := <-ch:
		if d.shutdown {
			return "", ErrShuttingDown
		}
		if !d.approved {
			return "", ErrApprovalDenied
		}
		return d.userID, nil
	case <-t.C:
		return "", ErrApprovalTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown rejects every waiter and refuses further registrations.
func (a *Approvals) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, ch := range a.pending {
		select {
		case ch <- decision{shutdown: true}:
		default:
		}
		delete(a.pending, id)
	}
}
