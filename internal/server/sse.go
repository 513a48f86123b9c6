package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleEventStream subscribes the client to the event bus and relays
// events as SSE until the client disconnects or the subscription is closed
// (slow consumers are dropped by the bus). ?pipeline_id narrows the stream
// to one pipeline; ?replay=true first delivers the retained event history.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var pipelineID *uuid.UUID
	if raw := r.URL.Query().Get("pipeline_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid pipeline_id")
			return
		}
		pipelineID = &id
	}
	replay := r.URL.Query().Get("replay") == "true"

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := s.bus.Subscribe(pipelineID, replay)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped by the bus for falling behind.
				return
			}
			if err := sse.WriteEvent(ev.Type, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	size, capacity := s.bus.BufferStats()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"subscribers":     s.bus.SubscriberCount(),
		"buffer_size":     size,
		"buffer_capacity": capacity,
	})
}
