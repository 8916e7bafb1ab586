package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/logging"
)

// wireEvent is the SSE payload shape clients consume:
// {"type": "...", "properties": {...}}.
type wireEvent struct {
	Type       event.Type `json:"type"`
	Properties any        `json:"properties"`
}

// SSEHeartbeatInterval is the interval for SSE heartbeat comments.
const SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the plain flusher if it cannot.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// serveSSE is the shared SSE loop: it subscribes to the bus, forwards events
// matching filter, and heartbeats until the client disconnects. A nil filter
// forwards everything.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter func(event.Event) bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Flush headers before the first event so clients see the stream open.
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	// Subscribe before the hello event: a client that has seen the hello is
	// guaranteed not to miss events published after it.
	events := make(chan event.Event, 10)
	unsub := s.bus.SubscribeAll(func(e event.Event) {
		if filter != nil && !filter(e) {
			return
		}
		select {
		case events <- e:
		default:
			logging.Warn().
				Str("eventType", string(e.Type)).
				Msg("SSE event dropped: channel full")
		}
	})
	defer unsub()

	hello := wireEvent{Type: "server.connected", Properties: map[string]any{}}
	if err := sse.writeEvent("message", hello); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			data := wireEvent{Type: e.Type, Properties: e.Data}
			if err := sse.writeEvent("message", data); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// globalEvents streams every bus event.
func (s *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, nil)
}

// eventBelongsToSession reports whether an event concerns the session.
func eventBelongsToSession(e event.Event, sessionID string) bool {
	switch data := e.Data.(type) {
	case event.SnapshotUpdatedData:
		return data.SessionID == sessionID
	case event.SessionTerminalData:
		return data.SessionID == sessionID
	case event.PermissionRequestedData:
		return data.SessionID == sessionID
	case event.PermissionRepliedData:
		return data.SessionID == sessionID
	}
	return false
}

// eventBelongsToJob reports whether an event concerns the job.
func eventBelongsToJob(e event.Event, jobID string) bool {
	switch data := e.Data.(type) {
	case event.JobUpdatedData:
		return data.Job.ID == jobID
	case event.JobProgressedData:
		return data.Progress.JobID == jobID
	}
	return false
}
