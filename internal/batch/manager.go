package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/producer"
	"github.com/atelier-ai/atelier/internal/store"
	"github.com/atelier-ai/atelier/pkg/types"
)

var (
	// ErrInvalidTransition is returned when an operation does not apply to
	// the job's current status.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobFinished is returned when a control command reaches a job whose
	// run already ended.
	ErrJobFinished = errors.New("job already finished")
)

// Manager owns the lifecycle of media jobs: creation, planning, and the map
// from job id to running engine. Job state survives restarts through the
// store; paused jobs can be resumed by a fresh process.
type Manager struct {
	store    *store.Store
	bus      *event.Bus
	exec     *ItemExecutor
	defaults types.BatchConfig
	log      zerolog.Logger

	mu      sync.Mutex
	engines map[string]*engine
}

// NewManager creates a Manager generating through gen with the given default
// execution policy.
func NewManager(st *store.Store, bus *event.Bus, gen producer.Generator, defaults types.BatchConfig) *Manager {
	return &Manager{
		store:    st,
		bus:      bus,
		exec:     NewItemExecutor(gen, st),
		defaults: defaults,
		log:      logging.For("batch"),
		engines:  make(map[string]*engine),
	}
}

// CreateJob persists a new job in draft status. A nil cfg adopts the
// manager's defaults; zero fields in a given cfg are filled from them.
func (m *Manager) CreateJob(ctx context.Context, sessionID string, cfg *types.BatchConfig) (*types.MediaJob, error) {
	now := time.Now().UnixMilli()
	job := &types.MediaJob{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Status:    types.JobDraft,
		Config:    m.normalize(cfg),
		Created:   now,
		Updated:   now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.log.Info().Str("jobID", job.ID).Int("concurrency", job.Config.Concurrency).Msg("job created")
	return job, nil
}

func (m *Manager) normalize(cfg *types.BatchConfig) types.BatchConfig {
	out := m.defaults
	if cfg == nil {
		return out
	}
	if cfg.Concurrency > 0 {
		out.Concurrency = cfg.Concurrency
	}
	if cfg.MaxRetries >= 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelayMs > 0 {
		out.RetryDelayMs = cfg.RetryDelayMs
	}
	return out
}

// PlanJob materializes the job's items from params, one item per entry in
// the given order, and moves the job from draft to planned.
func (m *Manager) PlanJob(ctx context.Context, jobID string, params []json.RawMessage) ([]*types.MediaJobItem, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobDraft {
		return nil, fmt.Errorf("%w: cannot plan %s job", ErrInvalidTransition, job.Status)
	}
	if len(params) == 0 {
		return nil, errors.New("plan requires at least one item")
	}

	job.Status = types.JobPlanning
	job.Updated = time.Now().UnixMilli()
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("plan job: %w", err)
	}

	items := make([]*types.MediaJobItem, 0, len(params))
	for i, p := range params {
		item := &types.MediaJobItem{
			ID:     ulid.Make().String(),
			JobID:  jobID,
			Index:  i,
			Params: p,
			Status: types.ItemPending,
		}
		if err := m.store.PutJobItem(ctx, item); err != nil {
			return nil, fmt.Errorf("plan job item %d: %w", i, err)
		}
		items = append(items, item)
	}

	job.Status = types.JobPlanned
	job.TotalItems = len(items)
	job.Updated = time.Now().UnixMilli()
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("plan job: %w", err)
	}

	m.log.Info().Str("jobID", jobID).Int("items", len(items)).Msg("job planned")
	return items, nil
}

// StartJob launches a planned job. The engine runs until the job reaches a
// terminal status or the job is paused and later resumed.
func (m *Manager) StartJob(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobPlanned {
		return fmt.Errorf("%w: cannot start %s job", ErrInvalidTransition, job.Status)
	}
	return m.launch(ctx, job)
}

func (m *Manager) launch(ctx context.Context, job *types.MediaJob) error {
	pending, err := m.pendingItems(ctx, job.ID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, running := m.engines[job.ID]; running {
		m.mu.Unlock()
		return fmt.Errorf("%w: job already running", ErrInvalidTransition)
	}
	eng := newEngine(context.Background(), job, pending, m.exec, m.store, m.bus)
	eng.onDone = func() {
		m.mu.Lock()
		delete(m.engines, job.ID)
		m.mu.Unlock()
	}
	m.engines[job.ID] = eng
	m.mu.Unlock()

	eng.setStatus(types.JobRunning)
	go eng.run()

	m.log.Info().Str("jobID", job.ID).Int("pending", len(pending)).Msg("job started")
	return nil
}

func (m *Manager) pendingItems(ctx context.Context, jobID string) ([]*types.MediaJobItem, error) {
	all, err := m.store.ListJobItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var pending []*types.MediaJobItem
	for _, item := range all {
		if item.Status == types.ItemPending {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

// PauseJob stops dequeueing for a running job. In-flight generations drain;
// the job lands in paused status once they do.
func (m *Manager) PauseJob(ctx context.Context, jobID string) error {
	eng, ok := m.engine(jobID)
	if !ok {
		return m.transitionError(ctx, jobID, "pause")
	}
	return eng.send(cmdPause)
}

// ResumeJob continues a paused job. When no engine is live, as after a
// process restart, a new one is launched over the job's remaining pending
// items.
func (m *Manager) ResumeJob(ctx context.Context, jobID string) error {
	if eng, ok := m.engine(jobID); ok {
		return eng.send(cmdResume)
	}

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobPaused {
		return fmt.Errorf("%w: cannot resume %s job", ErrInvalidTransition, job.Status)
	}
	return m.launch(ctx, job)
}

// CancelJob cancels a job in any non-terminal status. For a running job the
// engine drains in-flight calls and marks the remainder cancelled; for an
// inert job the records are updated directly.
func (m *Manager) CancelJob(ctx context.Context, jobID string) error {
	if eng, ok := m.engine(jobID); ok {
		return eng.send(cmdCancel)
	}

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is already %s", ErrInvalidTransition, job.Status)
	}

	items, err := m.store.ListJobItems(ctx, jobID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status == types.ItemPending || item.Status == types.ItemProcessing {
			item.Status = types.ItemCancelled
			if err := m.store.PutJobItem(ctx, item); err != nil {
				return fmt.Errorf("cancel job item: %w", err)
			}
		}
	}

	job.Status = types.JobCancelled
	job.Updated = time.Now().UnixMilli()
	job.Finished = job.Updated
	if err := m.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	if err := m.store.RecordJobProgress(ctx, types.JobProgress{
		Kind:           types.ProgressJobCancelled,
		JobID:          jobID,
		CompletedItems: job.CompletedItems,
		FailedItems:    job.FailedItems,
		TotalItems:     job.TotalItems,
		Timestamp:      job.Updated,
	}); err != nil {
		m.log.Error().Err(err).Str("jobID", jobID).Msg("failed to record cancellation")
	}

	m.bus.Publish(event.Event{Type: event.JobUpdated, Data: event.JobUpdatedData{Job: *job}})
	return nil
}

// Job returns the stored job record.
func (m *Manager) Job(ctx context.Context, jobID string) (*types.MediaJob, error) {
	return m.store.GetJob(ctx, jobID)
}

// Items returns the job's items ordered by ordinal index.
func (m *Manager) Items(ctx context.Context, jobID string) ([]*types.MediaJobItem, error) {
	return m.store.ListJobItems(ctx, jobID)
}

// Progress returns the job's recorded progress history.
func (m *Manager) Progress(ctx context.Context, jobID string) ([]types.JobProgress, error) {
	return m.store.ListJobProgress(ctx, jobID)
}

// Done returns a channel closed when the job's current run finishes, or nil
// when no engine is live.
func (m *Manager) Done(jobID string) <-chan struct{} {
	if eng, ok := m.engine(jobID); ok {
		return eng.done
	}
	return nil
}

// Shutdown interrupts every running engine and waits for them to wind down,
// or for ctx to expire. Interrupted jobs land in paused status and can be
// resumed by the next process.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	engines := make([]*engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.Unlock()

	for _, eng := range engines {
		eng.cancel()
	}
	for _, eng := range engines {
		select {
		case <-eng.done:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) engine(jobID string) (*engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[jobID]
	return eng, ok
}

func (m *Manager) transitionError(ctx context.Context, jobID, op string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s %s job", ErrInvalidTransition, op, job.Status)
}
