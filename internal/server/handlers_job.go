package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/store"
	"github.com/atelier-ai/atelier/pkg/types"
)

type createJobRequest struct {
	SessionID string             `json:"sessionID,omitempty"`
	Config    *types.BatchConfig `json:"config,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}
	}

	job, err := s.jobs.CreateJob(r.Context(), req.SessionID, req.Config)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type planJobRequest struct {
	Items []json.RawMessage `json:"items"`
}

func (s *Server) planJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req planJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "items are required")
		return
	}

	items, err := s.jobs.PlanJob(r.Context(), jobID, req.Items)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	s.jobControl(w, r, s.jobs.StartJob)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobControl(w, r, s.jobs.PauseJob)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobControl(w, r, s.jobs.ResumeJob)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobControl(w, r, s.jobs.CancelJob)
}

func (s *Server) jobControl(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, jobID string) error) {
	jobID := chi.URLParam(r, "jobID")
	if err := op(r.Context(), jobID); err != nil {
		writeJobError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.jobs.Job(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobItems(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	items, err := s.jobs.Items(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) listJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	history, err := s.jobs.Progress(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": history})
}

// jobEvents streams bus events scoped to one job.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	s.serveSSE(w, r, func(e event.Event) bool {
		return eventBelongsToJob(e, jobID)
	})
}

// writeJobError maps manager errors onto the HTTP envelope.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "job not found")
	case errors.Is(err, batch.ErrInvalidTransition), errors.Is(err, batch.ErrJobFinished):
		writeError(w, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
