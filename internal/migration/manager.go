package migration

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobState tracks a migration job through its lifecycle.
type JobState string

const (
	StateAuthorizing JobState = "authorizing"
	StateRunning     JobState = "running"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
	StateCancelled   JobState = "cancelled"
)

// JobSnapshot is a point-in-time view of one job for the admin API.
type JobSnapshot struct {
	ID       string   `json:"id"`
	State    JobState `json:"state"`
	Error    string   `json:"error,omitempty"`
	Progress Progress `json:"progress"`
}

type run struct {
	cancel  context.CancelFunc
	tracker *Tracker

	mu     sync.Mutex
	state  JobState
	errMsg string
}

func (r *run) setState(s JobState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) fail(err error) {
	r.mu.Lock()
	r.state = StateFailed
	r.errMsg = err.Error()
	r.mu.Unlock()
}

// Manager starts migration jobs and keeps their state queryable after they finish.
// Completed runs stay in memory until the process exits; jobs are infrequent enough
// that eviction is not worth the bookkeeping.
type Manager struct {
	auth      *Authorizer
	executor  *Executor
	approvals *Approvals
	log       zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

func NewManager(auth *Authorizer, executor *Executor, approvals *Approvals, logger zerolog.Logger) *Manager {
	return &Manager{
		auth:      auth,
		executor:  executor,
		approvals: approvals,
		log:       logger.With().Str("component", "migration").Logger(),
		runs:      make(map[string]*run),
	}
}

// Start launches a migration job and returns its id immediately. Authorization, including
// any live-approval wait, happens inside the job so the caller is never blocked on it.
func (m *Manager) Start(req LinkRequest, opts Options) string {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, tracker: NewTracker(), state: StateAuthorizing}

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	m.log.Info().Str("job", id).Str("guild", req.SourceGuildID).Str("mode", string(opts.Mode)).Msg("Migration job started")
	go m.execute(ctx, id, r, req, opts)
	return id
}

func (m *Manager) execute(ctx context.Context, id string, r *run, req LinkRequest, opts Options) {
	defer r.cancel()

	r.tracker.Action("authorizing")
	link, err := m.auth.Authorize(ctx, req)
	if err != nil {
		m.settle(id, r, err)
		return
	}

	r.setState(StateRunning)
	m.settle(id, r, m.executor.Run(ctx, link, opts, r.tracker))
}

func (m *Manager) settle(id string, r *run, err error) {
	switch {
	case err == nil:
		r.setState(StateCompleted)
		m.log.Info().Str("job", id).Msg("Migration job completed")
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		r.setState(StateCancelled)
		m.log.Info().Str("job", id).Msg("Migration job cancelled")
	default:
		r.fail(err)
		m.log.Error().Err(err).Str("job", id).Msg("Migration job failed")
	}
}

// Snapshot returns the current state of a job, or false when the id is unknown.
func (m *Manager) Snapshot(id string) (*JobSnapshot, bool) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	snap := &JobSnapshot{ID: id, State: r.state, Error: r.errMsg}
	r.mu.Unlock()
	snap.Progress = r.tracker.Snapshot()
	return snap, true
}

// Cancel stops a job. Work already applied to the target stays; the job state ends up
// cancelled once the run observes its context.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// Shutdown cancels every run and releases any goroutine parked on a live approval.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, r := range m.runs {
		r.cancel()
	}
	m.mu.Unlock()
	m.approvals.Shutdown()
}
