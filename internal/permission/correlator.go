// Package permission matches in-flight permission requests to asynchronous
// user decisions. Each session holds at most one outstanding request; the
// correlator imposes no timeout of its own, so an unanswered request blocks
// that session until the caller cancels the surrounding stream.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/pkg/types"
)

// ErrPending is returned when a session already has an outstanding request.
var ErrPending = errors.New("permission request already pending for session")

// Request is one permission prompt surfaced to the user.
type Request struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionID"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
	BlockedPath string          `json:"blockedPath,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

type pendingRequest struct {
	req Request
	ch  chan types.Decision
}

// Correlator holds the outstanding (correlation id -> resolver) pair per
// session and hands decisions back to whoever is blocked in Request.
type Correlator struct {
	bus *event.Bus
	log zerolog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingRequest // correlation id -> pending
	bySession map[string]string          // session id -> correlation id
}

// NewCorrelator creates a Correlator publishing on bus.
func NewCorrelator(bus *event.Bus) *Correlator {
	return &Correlator{
		bus:       bus,
		log:       logging.For("permission"),
		pending:   make(map[string]*pendingRequest),
		bySession: make(map[string]string),
	}
}

// Request registers req and blocks until a decision arrives or ctx is done.
// A session with a request already outstanding gets ErrPending.
func (c *Correlator) Request(ctx context.Context, req Request) (types.Decision, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	c.mu.Lock()
	if _, exists := c.bySession[req.SessionID]; exists {
		c.mu.Unlock()
		return "", ErrPending
	}
	p := &pendingRequest{req: req, ch: make(chan types.Decision, 1)}
	c.pending[req.ID] = p
	c.bySession[req.SessionID] = req.ID
	c.mu.Unlock()

	defer c.remove(req.ID, req.SessionID)

	c.bus.Publish(event.Event{
		Type: event.PermissionRequested,
		Data: event.PermissionRequestedData{
			ID:          req.ID,
			SessionID:   req.SessionID,
			ToolName:    req.ToolName,
			BlockedPath: req.BlockedPath,
		},
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case decision := <-p.ch:
		return decision, nil
	}
}

// Resolve delivers a decision for a correlation id. An unknown or
// already-resolved id is a benign miss: logged, reported as false, nothing
// else happens.
func (c *Correlator) Resolve(correlationID string, decision types.Decision) bool {
	c.mu.Lock()
	p, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
		delete(c.bySession, p.req.SessionID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().
			Str("correlationID", correlationID).
			Msg("permission decision for unknown or resolved request")
		return false
	}

	p.ch <- decision

	c.bus.Publish(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{
			ID:        correlationID,
			SessionID: p.req.SessionID,
			Decision:  string(decision),
		},
	})
	return true
}

// Pending returns the outstanding request for a session, if any.
func (c *Correlator) Pending(sessionID string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.bySession[sessionID]
	if !ok {
		return Request{}, false
	}
	return c.pending[id].req, true
}

func (c *Correlator) remove(correlationID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[correlationID]; ok {
		delete(c.pending, correlationID)
		delete(c.bySession, sessionID)
	}
}
