package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Tafka-4/codex-agent-management/internal/orchestrator"
	"github.com/Tafka-4/codex-agent-management/internal/session"
)

type createSessionRequest struct {
	Category     string `json:"category"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	ArtifactName string `json:"artifactName"`
	// Artifact is the optional input file, base64-encoded.
	Artifact string `json:"artifact"`
}

type hintRequest struct {
	Hint string `json:"hint"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}
	if req.Category == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "category and title are required", "bad_request")
		return
	}

	var artifact *orchestrator.Artifact
	if req.Artifact != "" {
		data, err := base64.StdEncoding.DecodeString(req.Artifact)
		if err != nil {
			writeError(w, http.StatusBadRequest, "artifact is not valid base64", "bad_request")
			return
		}
		artifact = &orchestrator.Artifact{Name: req.ArtifactName, Data: data}
	}

	sess := s.orch.CreateSession(r.Context(), session.Problem{
		Category:    req.Category,
		Title:       req.Title,
		Description: req.Description,
	}, artifact)

	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.store.List()
	out := make([]session.Projection, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Delete(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "session not found", "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitHint(w http.ResponseWriter, r *http.Request) {
	var req hintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	id := r.PathValue("id")
	if err := s.orch.SubmitHint(id, req.Hint); err != nil {
		status, code := hintErrorStatus(err)
		writeError(w, status, err.Error(), code)
		return
	}

	sess, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found", "not_found")
		return
	}
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

// hintErrorStatus maps the orchestrator's synchronous errors to response
// codes: request errors are 400/404, precondition errors are 409 with a
// distinguishing code.
func hintErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrHintRequired):
		return http.StatusBadRequest, "hint_required"
	case errors.Is(err, session.ErrNoThread):
		return http.StatusConflict, "no_thread"
	case errors.Is(err, session.ErrRunActive):
		return http.StatusConflict, "run_active"
	case errors.Is(err, session.ErrTerminal):
		return http.StatusConflict, "terminal"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
