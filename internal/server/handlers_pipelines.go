package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jonathan/cicd-control/internal/db"
)

// CreatePipelineRequest is the body of POST /pipelines.
type CreatePipelineRequest struct {
	// Repo defaults to the configured DEFAULT_REPO when omitted.
	Repo        string                 `json:"repo"`
	Ref         string                 `json:"ref" validate:"required,min=1"`
	Version     *string                `json:"version"`
	Trigger     string                 `json:"trigger"`
	TriggerData map[string]interface{} `json:"trigger_data"`
	// Start launches the pipeline immediately instead of leaving it pending.
	Start bool `json:"start"`
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req CreatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Repo == "" {
		req.Repo = s.defaultRepo
	}
	if req.Repo == "" {
		s.errorResponse(w, http.StatusBadRequest, "repo is required when no default repo is configured")
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}

	p, err := s.engine.CreatePipeline(r.Context(), &db.PipelineInput{
		Repo:        req.Repo,
		Ref:         req.Ref,
		Version:     req.Version,
		Trigger:     trigger,
		TriggerData: req.TriggerData,
	})
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if req.Start {
		if p, err = s.engine.Start(r.Context(), p.ID); err != nil {
			s.errorResponse(w, HTTPStatus(err), err.Error())
			return
		}
	}
	s.jsonResponse(w, http.StatusCreated, p)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	pipelines, err := s.store.ListPipelines(r.Context(), limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"pipelines": pipelines,
		"limit":     limit,
		"offset":    offset,
	})
}

func (s *Server) handleListRunning(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.store.ListPipelinesByStatus(r.Context(),
		db.PipelineStatusRunning, db.PipelineStatusWaitingApproval)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"pipelines": pipelines})
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid pipeline ID")
		return
	}
	p, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if p == nil {
		s.errorResponse(w, http.StatusNotFound, "Pipeline not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid pipeline ID")
		return
	}
	p, err := s.engine.Start(r.Context(), id)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleAbortPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid pipeline ID")
		return
	}
	p, err := s.engine.Abort(r.Context(), id)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid pipeline ID")
		return
	}
	stepID, err := uuid.Parse(r.PathValue("step_id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid step ID")
		return
	}
	p, err := s.engine.Retry(r.Context(), id, stepID)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
