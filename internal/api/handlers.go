package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/crucible/internal/compute"
	"github.com/mattjoyce/crucible/internal/schema"
	"github.com/mattjoyce/crucible/internal/session"
)

// maxUploadSize caps direct file parameter uploads.
const maxUploadSize = 256 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.List()
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Sessions:      len(ids),
	})
}

// handleCreateSession handles POST /sessions.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.engine.Create(r.Context(), &req.Configuration, session.Metadata{
		DisplayName: req.DisplayName,
		Description: req.Description,
		Creator:     req.Creator,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: id})
}

// handleListSessions handles GET /sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.List()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: ids})
}

// handleGetSession handles GET /sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Info(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleRemoveSession handles DELETE /sessions/{id}?force=true.
func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.engine.Remove(r.Context(), chi.URLParam(r, "id"), force); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus handles GET /sessions/{id}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{State: state})
}

func parseGroupParam(r *http.Request) (schema.Group, error) {
	return schema.ParseGroup(chi.URLParam(r, "group"))
}

// handleGetParameters handles GET /sessions/{id}/parameters/{group}.
func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	group, err := parseGroupParam(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	params, err := s.engine.Parameters(chi.URLParam(r, "id"), group)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, params)
}

// handleUpdateParameter handles PUT /sessions/{id}/parameters/{group}/{name}.
func (s *Server) handleUpdateParameter(w http.ResponseWriter, r *http.Request) {
	group, err := parseGroupParam(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	var req UpdateParameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.UpdateParameter(chi.URLParam(r, "id"), group, chi.URLParam(r, "name"), req.Value); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadParameterFile handles POST /sessions/{id}/parameters/{group}/{name}.
// The body is the raw file content; the file name comes from the filename
// query parameter and defaults to the parameter name.
func (s *Server) handleUploadParameterFile(w http.ResponseWriter, r *http.Request) {
	group, err := parseGroupParam(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	fileName := r.URL.Query().Get("filename")
	if fileName == "" {
		fileName = name
	}
	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read upload body")
		return
	}
	if err := s.engine.UploadParameterFile(chi.URLParam(r, "id"), group, name, fileName, content); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResetParameter handles DELETE /sessions/{id}/parameters/{group}/{name}.
func (s *Server) handleResetParameter(w http.ResponseWriter, r *http.Request) {
	group, err := parseGroupParam(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.engine.ResetParameter(chi.URLParam(r, "id"), group, chi.URLParam(r, "name")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecute handles POST /sessions/{id}/execute.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	phase, err := schema.ParseGroup(req.Command)
	if err != nil || phase == schema.GroupCommon {
		s.writeError(w, http.StatusBadRequest, "command must be build or run")
		return
	}
	id := chi.URLParam(r, "id")

	output, err := s.engine.Execute(r.Context(), id, session.ExecuteRequest{
		Phase:   phase,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
		Async:   req.Async,
	})
	if req.Async {
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, ExecuteResponse{Accepted: true})
		return
	}

	var cmdErr *compute.CommandError
	if err != nil && !errors.As(err, &cmdErr) && !errors.Is(err, compute.ErrTimeout) {
		s.writeDomainError(w, err)
		return
	}

	state, stateErr := s.engine.Status(id)
	if stateErr != nil {
		s.writeDomainError(w, stateErr)
		return
	}
	resp := ExecuteResponse{State: state, Output: output}
	if err != nil {
		// a failed command is a normal terminal outcome
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStop handles POST /sessions/{id}/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListResults handles GET /sessions/{id}/results.
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.Results(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if results == nil {
		results = []schema.ResultInfo{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

// handleGetResult handles GET /sessions/{id}/results/{name}, serving the
// fetched artifact.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	path, err := s.engine.GetResult(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

// handleHistory handles GET /sessions/{id}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{
			ID:          e.ID,
			Phase:       string(e.Phase),
			State:       e.State,
			ExitMessage: e.ExitMessage,
			StartedAt:   e.StartedAt,
			FinishedAt:  e.FinishedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}
