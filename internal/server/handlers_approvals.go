package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// ResolveApprovalRequest is the body of the approve and reject endpoints.
// The body is optional for approvals; rejections without a user still
// resolve but record no resolver attribution beyond "anonymous". Reason is
// an alias for comment used by rejection clients.
type ResolveApprovalRequest struct {
	User    string `json:"user"`
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (s *Server) handleListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.store.ListPendingApprovals(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid approval ID")
		return
	}
	a, err := s.store.GetApproval(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if a == nil {
		s.errorResponse(w, http.StatusNotFound, "Approval not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, a)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid approval ID")
		return
	}

	var req ResolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user := req.User
	if user == "" {
		user = "anonymous"
	}
	var comment *string
	if req.Comment != "" {
		comment = &req.Comment
	} else if req.Reason != "" {
		comment = &req.Reason
	}

	resolve := s.engine.Reject
	if approve {
		resolve = s.engine.Approve
	}
	a, err := resolve(r.Context(), id, user, comment)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, a)
}
