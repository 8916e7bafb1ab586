package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/store"
	"github.com/atelier-ai/atelier/pkg/types"
)

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdCancel
)

// engine drives one job to a terminal status. It owns the job record and its
// items for the duration of the run; the manager and HTTP layer read job
// state from the store, which the engine keeps current.
type engine struct {
	job   *types.MediaJob
	queue []*types.MediaJobItem // pending items, FIFO by ordinal index
	cfg   types.BatchConfig

	exec  *ItemExecutor
	store *store.Store
	bus   *event.Bus
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ctrl chan command
	done chan struct{}

	// onDone lets the manager drop its map entry once the run finishes.
	onDone func()
}

func newEngine(ctx context.Context, job *types.MediaJob, pending []*types.MediaJobItem, exec *ItemExecutor, st *store.Store, bus *event.Bus) *engine {
	ctx, cancel := context.WithCancel(ctx)
	return &engine{
		job:    job,
		queue:  pending,
		cfg:    job.Config,
		exec:   exec,
		store:  st,
		bus:    bus,
		log:    logging.For("batch.engine").With().Str("jobID", job.ID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		ctrl:   make(chan command),
		done:   make(chan struct{}),
	}
}

// send delivers a control command, failing once the run has finished.
func (e *engine) send(cmd command) error {
	select {
	case e.ctrl <- cmd:
		return nil
	case <-e.done:
		return ErrJobFinished
	}
}

// run is the scheduling loop. Items dispatch FIFO by ordinal index with at
// most cfg.Concurrency in flight. Failed items re-enter the queue after
// retryDelayMs * 2^retryCount until retryCount reaches maxRetries. Pause
// stops dequeueing and drains in-flight work; cancel settles retry waiters
// immediately and marks the remaining items cancelled once in-flight calls
// drain.
func (e *engine) run() {
	defer close(e.done)
	defer e.cancel()
	if e.onDone != nil {
		defer e.onDone()
	}

	results := make(chan Outcome)
	requeue := make(chan *types.MediaJobItem)

	inFlight := make(map[string]*types.MediaJobItem)
	// retryWait holds items sitting out a backoff delay, keyed by item id.
	// Cancel empties it so the job never waits out a pending timer.
	retryWait := make(map[string]*types.MediaJobItem)
	paused := false
	pauseAnnounced := false
	cancelled := false

	dispatch := func() {
		for !paused && !cancelled && e.ctx.Err() == nil && len(inFlight) < e.cfg.Concurrency && len(e.queue) > 0 {
			item := e.queue[0]
			e.queue = e.queue[1:]

			item.Status = types.ItemProcessing
			e.putItem(item)
			inFlight[item.ID] = item
			e.emit(types.ProgressItemStarted, item)

			go func(it types.MediaJobItem) {
				out := e.exec.Execute(e.ctx, it)
				select {
				case results <- out:
				case <-e.done:
				}
			}(*item)
		}
	}

	ctxDone := e.ctx.Done()

	dispatch()

	for {
		if e.ctx.Err() != nil && len(inFlight) == 0 {
			if !e.job.Status.Terminal() && e.job.Status != types.JobPaused {
				e.setStatus(types.JobPaused)
				e.emit(types.ProgressJobPaused, nil)
			}
			return
		}
		if cancelled && len(inFlight) == 0 {
			e.finishCancelled()
			return
		}
		if !cancelled && !paused && len(inFlight) == 0 && len(retryWait) == 0 && len(e.queue) == 0 {
			e.finishDrained()
			return
		}
		if paused && !pauseAnnounced && len(inFlight) == 0 {
			pauseAnnounced = true
			e.setStatus(types.JobPaused)
			e.emit(types.ProgressJobPaused, nil)
		}

		select {
		case <-ctxDone:
			// Shutdown: stop dispatching, let in-flight work drain. The
			// top-of-loop check parks the job in paused status.
			ctxDone = nil

		case out := <-results:
			item := inFlight[out.ItemID]
			delete(inFlight, out.ItemID)

			switch {
			case cancelled:
				// Outcome already persisted by the executor; it just does
				// not count toward the job totals.

			case out.Err == nil:
				item.Status = types.ItemCompleted
				item.ResultRef = out.ResultRef
				item.Error = ""
				e.job.CompletedItems++
				e.putJob()
				e.emit(types.ProgressItemCompleted, item)

			case item.RetryCount < e.cfg.MaxRetries:
				delay := e.retryDelay(item.RetryCount)
				item.Error = out.Err.Error()
				item.RetryCount++
				item.Status = types.ItemPending
				e.putItem(item)
				e.emit(types.ProgressItemRetry, item)

				retryWait[item.ID] = item
				it := item
				time.AfterFunc(delay, func() {
					select {
					case requeue <- it:
					case <-e.done:
					}
				})

			default:
				item.Status = types.ItemFailed
				item.Error = out.Err.Error()
				e.putItem(item)
				e.job.FailedItems++
				e.putJob()
				e.emit(types.ProgressItemFailed, item)
			}

			dispatch()

		case item := <-requeue:
			if _, waiting := retryWait[item.ID]; !waiting {
				// Cancel already settled this item.
				break
			}
			delete(retryWait, item.ID)
			e.queue = append(e.queue, item)
			dispatch()

		case cmd := <-e.ctrl:
			switch cmd {
			case cmdPause:
				paused = true
			case cmdResume:
				if paused {
					paused = false
					pauseAnnounced = false
					e.setStatus(types.JobRunning)
					dispatch()
				}
			case cmdCancel:
				cancelled = true
				paused = false
				for id, item := range retryWait {
					item.Status = types.ItemCancelled
					e.putItem(item)
					delete(retryWait, id)
				}
			}
		}
	}
}

func (e *engine) retryDelay(retryCount int) time.Duration {
	return time.Duration(e.cfg.RetryDelayMs) * time.Millisecond << retryCount
}

// finishDrained closes out a job whose queue emptied naturally. Partial
// failures leave the job completed; failed is reserved for the case where
// nothing succeeded at all.
func (e *engine) finishDrained() {
	status := types.JobCompleted
	if e.job.TotalItems > 0 && e.job.FailedItems == e.job.TotalItems {
		status = types.JobFailed
	}
	e.job.Finished = time.Now().UnixMilli()
	e.setStatus(status)
	e.emit(types.ProgressJobCompleted, nil)
}

func (e *engine) finishCancelled() {
	for _, item := range e.queue {
		item.Status = types.ItemCancelled
		e.putItem(item)
	}
	e.queue = nil
	e.job.Finished = time.Now().UnixMilli()
	e.setStatus(types.JobCancelled)
	e.emit(types.ProgressJobCancelled, nil)
}

func (e *engine) setStatus(status types.JobStatus) {
	e.job.Status = status
	e.putJob()
	e.bus.Publish(event.Event{
		Type: event.JobUpdated,
		Data: event.JobUpdatedData{Job: *e.job},
	})
}

func (e *engine) putJob() {
	e.job.Updated = time.Now().UnixMilli()
	if err := e.store.PutJob(context.Background(), e.job); err != nil {
		e.log.Error().Err(err).Msg("failed to persist job record")
	}
}

func (e *engine) putItem(item *types.MediaJobItem) {
	if err := e.store.PutJobItem(context.Background(), item); err != nil {
		e.log.Error().Err(err).Str("itemID", item.ID).Msg("failed to persist job item")
	}
}

// emit records one progress event and publishes it on the bus. Progress
// events are immutable once emitted.
func (e *engine) emit(kind types.JobProgressKind, item *types.MediaJobItem) {
	progress := types.JobProgress{
		Kind:           kind,
		JobID:          e.job.ID,
		CompletedItems: e.job.CompletedItems,
		FailedItems:    e.job.FailedItems,
		TotalItems:     e.job.TotalItems,
		Timestamp:      time.Now().UnixMilli(),
	}
	if item != nil {
		progress.ItemID = item.ID
		progress.ItemIndex = item.Index
		progress.RetryCount = item.RetryCount
		progress.ResultRef = item.ResultRef
		progress.Error = item.Error
	}

	if err := e.store.RecordJobProgress(context.Background(), progress); err != nil {
		e.log.Error().Err(err).Str("kind", string(kind)).Msg("failed to record job progress")
	}

	e.bus.Publish(event.Event{
		Type: event.JobProgressed,
		Data: event.JobProgressedData{Progress: progress},
	})
}
