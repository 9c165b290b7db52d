package migration

import (
	"fmt"
	"sync"
)

// Progress is a point-in-time snapshot of a running migration.
type Progress struct {
	Total         int      `json:"total"`
	Completed     int      `json:"completed"`
	CurrentAction string   `json:"current_action"`
	Errors        []string `json:"errors"`
	Warnings      []string `json:"warnings"`
	DryRunLog     []string `json:"dry_run_log,omitempty"`
	Created       int      `json:"created"`
	Updated       int      `json:"updated"`
	Skipped       int      `json:"skipped"`
}

// Tracker accumulates executor progress behind a lock so the admin API can snapshot a run
// while it executes.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// AddTotal grows the planned operation count.
func (t *Tracker) AddTotal(n int) {
	t.mu.Lock()
	t.p.Total += n
	t.mu.Unlock()
}

// Action records what the executor is doing right now.
func (t *Tracker) Action(format string, args ...any) {
	t.mu.Lock()
	t.p.CurrentAction = fmt.Sprintf(format, args...)
	t.mu.Unlock()
}

// Complete marks one planned operation finished.
func (t *Tracker) Complete() {
	t.mu.Lock()
	t.p.Completed++
	t.mu.Unlock()
}

func (t *Tracker) Created() {
	t.mu.Lock()
	t.p.Created++
	t.mu.Unlock()
}

func (t *Tracker) Updated() {
	t.mu.Lock()
	t.p.Updated++
	t.mu.Unlock()
}

func (t *Tracker) Skipped() {
	t.mu.Lock()
	t.p.Skipped++
	t.mu.Unlock()
}

// Errorf records a per-operation failure; the run continues.
func (t *Tracker) Errorf(format string, args ...any) {
	t.mu.Lock()
	t.p.Errors = append(t.p.Errors, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

// Warnf records a lossy mapping the operator should know about.
func (t *Tracker) Warnf(format string, args ...any) {
	t.mu.Lock()
	t.p.Warnings = append(t.p.Warnings, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

// DryRun records what an operation would have done.
func (t *Tracker) DryRun(format string, args ...any) {
	t.mu.Lock()
	t.p.DryRunLog = append(t.p.DryRunLog, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

// Snapshot copies the current progress, detached from further mutation.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.p
	out.Errors = append([]string(nil), t.p.Errors...)
	out.Warnings = append([]string(nil), t.p.Warnings...)
	out.DryRunLog = append([]string(nil), t.p.DryRunLog...)
	return out
}
