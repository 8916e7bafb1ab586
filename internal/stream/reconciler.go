package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/permission"
	"github.com/atelier-ai/atelier/internal/producer"
	"github.com/atelier-ai/atelier/internal/store"
)

// Listener receives snapshot transitions for one session.
type Listener func(Snapshot)

// Reconciler owns one session's live connection: it pumps the decoder,
// folds events into the snapshot, and notifies subscribers of transitions.
// Exactly one terminal snapshot is ever emitted; after that the reconciler
// is inert and can be discarded.
type Reconciler struct {
	sessionID string
	conn      producer.Connection
	store     *store.Store
	bus       *event.Bus
	perms     *permission.Correlator
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// emitMu serializes snapshot commits so listeners observe transitions
	// in order and the terminal snapshot is delivered exactly once.
	emitMu sync.Mutex

	mu          sync.Mutex
	snap        Snapshot
	subscribers map[uint64]Listener
	nextSubID   uint64
	finalized   bool

	// onIdle fires when the snapshot is terminal and the last subscriber
	// has unsubscribed; the registry uses it to drop the entry.
	onIdle func()
}

func newReconciler(ctx context.Context, sessionID string, conn producer.Connection, st *store.Store, bus *event.Bus, perms *permission.Correlator) *Reconciler {
	ctx, cancel := context.WithCancel(ctx)
	return &Reconciler{
		sessionID:   sessionID,
		conn:        conn,
		store:       st,
		bus:         bus,
		perms:       perms,
		log:         logging.For("stream").With().Str("sessionID", sessionID).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		snap:        NewSnapshot(sessionID),
		subscribers: make(map[uint64]Listener),
	}
}

// Snapshot returns the current snapshot.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Done is closed once the terminal snapshot has been emitted and persisted.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

// Subscribe registers a listener and immediately delivers the current
// snapshot. The returned unsubscribe function is idempotent. Listeners must
// not call back into the reconciler synchronously.
func (r *Reconciler) Subscribe(fn Listener) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers[id] = fn
	current := r.snap
	r.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subscribers, id)
			idle := r.finalized && len(r.subscribers) == 0
			onIdle := r.onIdle
			r.mu.Unlock()
			if idle && onIdle != nil {
				onIdle()
			}
		})
	}
}

// Stop cancels the stream. The snapshot transitions to the stopped phase;
// events already issued by the producer are discarded. Safe to call more
// than once.
func (r *Reconciler) Stop() {
	r.commit(func(snap Snapshot) Snapshot { return Stop(snap) })
	r.cancel()
	r.conn.Close()
}

// run is the pump loop. Decode and reduce faults never escape: anything
// unexpected is converted into a terminal error phase so one session's
// malfunction cannot take down its neighbors.
func (r *Reconciler) run() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Any("panic", rec).Msg("stream pump panicked")
			r.commit(func(snap Snapshot) Snapshot {
				return Fail(snap, "internal stream error")
			})
		}
		r.conn.Close()
	}()

	dec := NewDecoder(r.conn.Events())

	for {
		frame, err := dec.Next()
		if err != nil {
			if r.ctx.Err() != nil {
				// Stop() already finalized the snapshot.
				r.commit(func(snap Snapshot) Snapshot { return Stop(snap) })
				return
			}
			if errors.Is(err, io.EOF) {
				// A result event ends the sequence; the trailing done is
				// optional. EOF before any of result, done, or error is the
				// truncation case.
				r.commit(func(snap Snapshot) Snapshot {
					if snap.ResultSeen {
						return Complete(snap)
					}
					return Fail(snap, "unexpected end of stream")
				})
			} else {
				r.log.Warn().Err(err).Msg("stream read failed")
				r.commit(func(snap Snapshot) Snapshot {
					return Fail(snap, "stream read failed")
				})
			}
			return
		}

		ev, ok := ParseFrame(frame)
		if !ok {
			continue
		}

		before := r.Snapshot()
		r.commit(func(snap Snapshot) Snapshot { return Reduce(snap, ev) })
		after := r.Snapshot()

		if after.PermissionConflicts > before.PermissionConflicts {
			r.log.Warn().Msg("duplicate permission request discarded")
		}

		if after.Phase.Terminal() {
			return
		}

		// A newly pending permission blocks this session until the user
		// decides; the producer connection is resumed with the decision.
		if after.PendingPermission != nil && before.PendingPermission == nil {
			r.awaitPermission(*after.PendingPermission)
		}
	}
}

func (r *Reconciler) awaitPermission(req PermissionRequestEvent) {
	decision, err := r.perms.Request(r.ctx, permission.Request{
		ID:          req.CorrelationID,
		SessionID:   r.sessionID,
		ToolName:    req.ToolName,
		Input:       req.Input,
		Suggestions: req.Suggestions,
		BlockedPath: req.BlockedPath,
		Reason:      req.Reason,
	})
	if err != nil {
		// Cancellation while waiting; the stop/teardown path finalizes.
		r.log.Debug().Err(err).Msg("permission wait ended without decision")
		return
	}

	if err := r.conn.Resolve(r.ctx, req.CorrelationID, decision); err != nil {
		r.log.Warn().Err(err).Msg("failed to resume producer with permission decision")
	}
	r.commit(func(snap Snapshot) Snapshot { return ResolvePermission(snap, decision) })
}

// commit applies a transition under the emit lock, notifies subscribers when
// the snapshot changed, and performs terminal side effects exactly once.
func (r *Reconciler) commit(transition func(Snapshot) Snapshot) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	prev := r.snap
	next := transition(prev)
	if next.Seq == prev.Seq {
		r.mu.Unlock()
		return
	}
	r.snap = next
	listeners := make([]Listener, 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		listeners = append(listeners, fn)
	}
	alreadyFinal := r.finalized
	if next.Phase.Terminal() {
		r.finalized = true
	}
	r.mu.Unlock()

	if alreadyFinal {
		return
	}

	for _, fn := range listeners {
		fn(next)
	}

	r.bus.Publish(event.Event{
		Type: event.SnapshotUpdated,
		Data: event.SnapshotUpdatedData{SessionID: r.sessionID, Snapshot: next},
	})

	if next.Phase.Terminal() {
		r.finalizeTerminal(next)
	}
}

// finalizeTerminal persists the finished message and announces termination.
func (r *Reconciler) finalizeTerminal(snap Snapshot) {
	if snap.FinalContent != nil {
		if _, err := r.store.SaveMessage(context.Background(), r.sessionID, "assistant", *snap.FinalContent, snap.Usage); err != nil {
			r.log.Error().Err(err).Msg("failed to persist final message")
		}
	}

	r.bus.PublishSync(event.Event{
		Type: event.SessionTerminal,
		Data: event.SessionTerminalData{
			SessionID: r.sessionID,
			Phase:     string(snap.Phase),
			Error:     snap.Error,
		},
	})

	r.mu.Lock()
	idle := len(r.subscribers) == 0
	onIdle := r.onIdle
	r.mu.Unlock()

	close(r.done)

	if idle && onIdle != nil {
		onIdle()
	}
}
