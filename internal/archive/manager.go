package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pontoon-chat/pontoon/internal/store"
)

// statusTimeout bounds the terminal status write, which runs on a fresh context because
// the job's own context is usually already cancelled by then.
const statusTimeout = 10 * time.Second

// Manager launches archive jobs and owns their cancellation. Job state itself lives in
// the store, so progress queries survive restarts; only the cancel handles are in memory.
type Manager struct {
	db       *store.Store
	exporter *Exporter
	importer *Importer
	log      zerolog.Logger

	mu      sync.Mutex
	cancels map[int64]*jobHandle
}

// jobHandle identifies one worker goroutine. The same job id cycles through export,
// import, and resume runs, so a finished worker must only remove its own handle.
type jobHandle struct {
	cancel context.CancelFunc
}

func NewManager(db *store.Store, exporter *Exporter, importer *Importer, logger zerolog.Logger) *Manager {
	return &Manager{
		db:       db,
		exporter: exporter,
		importer: importer,
		log:      logger.With().Str("component", "archive").Logger(),
		cancels:  make(map[int64]*jobHandle),
	}
}

// StartExport creates an export job for the channel and runs it in the background. The
// store rejects a second export while one is still active for the same channel.
func (m *Manager) StartExport(ctx context.Context, guildID, channelID, channelName string) (*store.ArchiveJob, error) {
	job, err := m.db.CreateArchiveJob(ctx, store.ArchiveJob{
		GuildID:           guildID,
		SourceChannelID:   channelID,
		SourceChannelName: channelName,
		Direction:         store.JobExport,
	})
	if err != nil {
		return nil, err
	}
	m.launch(job, Options{})
	return job, nil
}

// StartImport turns a completed export into an import aimed at the target channel and
// runs it. The job keeps its rows, so replies resolve against earlier imports of the
// same job.
func (m *Manager) StartImport(ctx context.Context, jobID int64, targetChannelID string, opts Options) (*store.ArchiveJob, error) {
	job, err := m.db.PrepareImport(ctx, jobID, targetChannelID)
	if err != nil {
		return nil, err
	}
	m.launch(job, opts)
	return job, nil
}

// Resume restarts a paused or failed job from its cursor. Import options are not
// persisted, so the caller supplies them again; they are ignored for exports.
func (m *Manager) Resume(ctx context.Context, jobID int64, opts Options) (*store.ArchiveJob, error) {
	job, err := m.db.ArchiveJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != store.JobPaused && job.Status != store.JobFailed {
		return nil, errors.New("job is not paused or failed")
	}

	m.mu.Lock()
	_, running := m.cancels[job.ID]
	m.mu.Unlock()
	if running {
		return nil, errors.New("job is already running")
	}

	m.launch(job, opts)
	return job, nil
}

// Job returns the stored state of a job.
func (m *Manager) Job(ctx context.Context, jobID int64) (*store.ArchiveJob, error) {
	return m.db.ArchiveJobByID(ctx, jobID)
}

// Cancel asks a running job to stop. The job marks itself paused once it observes the
// cancel; a job that is not running is left untouched.
func (m *Manager) Cancel(jobID int64) bool {
	m.mu.Lock()
	h, ok := m.cancels[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Shutdown cancels every running job. The jobs mark themselves paused on the way out and
// resume on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, h := range m.cancels {
		h.cancel()
	}
	m.mu.Unlock()
}

func (m *Manager) launch(job *store.ArchiveJob, opts Options) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &jobHandle{cancel: cancel}
	m.mu.Lock()
	m.cancels[job.ID] = h
	m.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			m.mu.Lock()
			if m.cancels[job.ID] == h {
				delete(m.cancels, job.ID)
			}
			m.mu.Unlock()
		}()
		m.run(ctx, job, opts)
	}()
}

func (m *Manager) run(ctx context.Context, job *store.ArchiveJob, opts Options) {
	m.setStatus(job.ID, store.JobRunning, nil)

	var err error
	if job.Direction == store.JobExport {
		err = m.exporter.Run(ctx, job)
	} else {
		err = m.importer.Run(ctx, job, opts)
	}

	switch {
	case err == nil:
		m.setStatus(job.ID, store.JobCompleted, nil)
		m.log.Info().Int64("job", job.ID).Str("direction", string(job.Direction)).Msg("Archive job completed")
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		m.setStatus(job.ID, store.JobPaused, nil)
		m.log.Info().Int64("job", job.ID).Msg("Archive job paused")
	default:
		msg := err.Error()
		m.setStatus(job.ID, store.JobFailed, &msg)
		m.log.Error().Err(err).Int64("job", job.ID).Msg("Archive job failed")
	}
}

func (m *Manager) setStatus(jobID int64, status store.JobStatus, jobErr *string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if err := m.db.SetJobStatus(ctx, jobID, status, jobErr); err != nil {
		m.log.Error().Err(err).Int64("job", jobID).Str("status", string(status)).Msg("Set job status failed")
	}
}
