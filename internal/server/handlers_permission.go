package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atelier-ai/atelier/pkg/types"
)

type permissionReplyRequest struct {
	Decision types.Decision `json:"decision"`
}

// replyPermission delivers a user decision to the correlator. A decision for
// an unknown or already-resolved correlation id is a benign miss: the reply
// succeeds with resolved=false so racing clients do not error.
func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")

	var req permissionReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if !req.Decision.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "decision must be allow or deny")
		return
	}

	resolved := s.perms.Resolve(correlationID, req.Decision)
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}
