package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/permission"
	"github.com/atelier-ai/atelier/internal/producer"
	"github.com/atelier-ai/atelier/internal/store"
)

// ErrAlreadyStreaming is returned when a session already has a live
// reconciler. Two producers racing to mutate one snapshot is an invariant
// violation, so the second start is rejected rather than replacing the
// first.
var ErrAlreadyStreaming = errors.New("session is already streaming")

// Registry is the process-wide map from session id to active reconciler.
// It is the only shared mutable structure in the stream subsystem; all
// access goes through its operations, the map itself is never exposed.
type Registry struct {
	store *store.Store
	bus   *event.Bus
	perms *permission.Correlator

	mu     sync.Mutex
	active map[string]*Reconciler
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, bus *event.Bus, perms *permission.Correlator) *Registry {
	return &Registry{
		store:  st,
		bus:    bus,
		perms:  perms,
		active: make(map[string]*Reconciler),
	}
}

// Start registers a reconciler for the session and launches its pump.
// Rejected with ErrAlreadyStreaming when the session already has one.
func (r *Registry) Start(ctx context.Context, sessionID string, conn producer.Connection) (*Reconciler, error) {
	rec := newReconciler(ctx, sessionID, conn, r.store, r.bus, r.perms)

	r.mu.Lock()
	if _, exists := r.active[sessionID]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyStreaming
	}
	r.active[sessionID] = rec
	r.mu.Unlock()

	// Entries become removable once terminal and fully drained.
	rec.onIdle = func() { r.Unregister(sessionID) }

	go rec.run()
	return rec, nil
}

// Lookup returns the active reconciler for a session. An absent session
// means "not currently streaming", not an error.
func (r *Registry) Lookup(sessionID string) (*Reconciler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[sessionID]
	return rec, ok
}

// Unregister removes a session's entry if present.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
}

// Len returns the number of registered reconcilers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown stops every active reconciler and waits for them to finish, or
// for ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	recs := make([]*Reconciler, 0, len(r.active))
	for _, rec := range r.active {
		recs = append(recs, rec)
	}
	r.active = make(map[string]*Reconciler)
	r.mu.Unlock()

	for _, rec := range recs {
		rec.Stop()
	}
	for _, rec := range recs {
		select {
		case <-rec.Done():
		case <-ctx.Done():
			return
		}
	}
}
