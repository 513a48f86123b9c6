package server

import (
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/cicd-control/internal/ingest"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	outcome, err := s.ingestor.Process(r.Context(), ingest.Delivery{
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		EventType:  r.Header.Get("X-GitHub-Event"),
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		Body:       body,
	})
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	status := http.StatusOK
	if outcome.Status == ingest.OutcomeProcessed && outcome.Pipeline != nil {
		status = http.StatusCreated
	}
	s.jsonResponse(w, status, outcome)
}

func (s *Server) handleListWebhookEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, err := s.store.ListWebhookEvents(r.Context(), limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"events": events,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid event ID")
		return
	}
	ev, err := s.store.GetWebhookEvent(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if ev == nil {
		s.errorResponse(w, http.StatusNotFound, "Webhook event not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, ev)
}
