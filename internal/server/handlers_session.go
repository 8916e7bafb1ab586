package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/producer"
	"github.com/atelier-ai/atelier/internal/stream"
	"github.com/atelier-ai/atelier/pkg/types"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

type startMessageRequest struct {
	Prompt  string          `json:"prompt"`
	Options json.RawMessage `json:"options,omitempty"`
}

// startMessage opens a producer stream for the session and registers its
// reconciler. The response returns immediately with the initial snapshot;
// progress flows through the SSE endpoints.
func (s *Server) startMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req startMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "prompt is required")
		return
	}

	// Reject before dialing the producer; a duplicate start must not open a
	// second upstream stream.
	if _, active := s.registry.Lookup(sessionID); active {
		writeError(w, http.StatusConflict, ErrCodeAlreadyStreaming, "session is already streaming")
		return
	}

	conn, err := s.producer.Open(r.Context(), producer.ChatRequest{
		SessionID: sessionID,
		Prompt:    req.Prompt,
		Options:   req.Options,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeProducerError, err.Error())
		return
	}

	// The stream outlives this request.
	rec, err := s.registry.Start(context.Background(), sessionID, conn)
	if err != nil {
		conn.Close()
		if errors.Is(err, stream.ErrAlreadyStreaming) {
			writeError(w, http.StatusConflict, ErrCodeAlreadyStreaming, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// The stream is already running; a failure to persist the user message
	// must not abort it.
	if _, err := s.store.SaveMessage(r.Context(), sessionID, "user", types.MessageContent{Text: req.Prompt}, nil); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("failed to persist user message")
	}

	writeJSON(w, http.StatusOK, rec.Snapshot())
}

// getSnapshot returns the session's current snapshot, 404 when the session
// is not streaming.
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, ok := s.registry.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session is not streaming")
		return
	}
	writeJSON(w, http.StatusOK, rec.Snapshot())
}

// listMessages returns the session's persisted messages.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	msgs, err := s.store.Messages(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// abortSession stops the session's stream. Aborting a session that is not
// streaming succeeds; the end state is the same.
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if rec, ok := s.registry.Lookup(sessionID); ok {
		rec.Stop()
	}
	writeSuccess(w)
}

// sessionEvents streams bus events scoped to one session.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s.serveSSE(w, r, func(e event.Event) bool {
		return eventBelongsToSession(e, sessionID)
	})
}

// pendingPermission returns the session's outstanding permission request,
// 404 when there is none.
func (s *Server) pendingPermission(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	req, ok := s.perms.Pending(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no pending permission request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}
