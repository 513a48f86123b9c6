// Package server provides the HTTP REST API and the SSE event stream for
// the pipeline control plane.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/cicd-control/internal/bus"
	"github.com/jonathan/cicd-control/internal/db"
	"github.com/jonathan/cicd-control/internal/engine"
	"github.com/jonathan/cicd-control/internal/ingest"
)

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	store       db.Store
	engine      *engine.Engine
	bus         *bus.Bus
	ingestor    *ingest.Ingestor
	validator   *validator.Validate
	defaultRepo string
}

// New creates a new server instance wired to the given components.
// defaultRepo is used for manual pipelines created without a repo.
func New(port int, store db.Store, eng *engine.Engine, eventBus *bus.Bus, ingestor *ingest.Ingestor, defaultRepo string) *Server {
	s := &Server{
		store:       store,
		engine:      eng,
		bus:         eventBus,
		ingestor:    ingestor,
		validator:   validator.New(),
		defaultRepo: defaultRepo,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.withLogging(s.withCORS(s.Routes())),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Routes builds the request mux. Exposed for handler tests.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Pipeline endpoints
	mux.HandleFunc("GET /pipelines", s.handleListPipelines)
	mux.HandleFunc("GET /pipelines/running", s.handleListRunning)
	mux.HandleFunc("GET /pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("POST /pipelines", s.handleCreatePipeline)
	mux.HandleFunc("POST /pipelines/{id}/start", s.handleStartPipeline)
	mux.HandleFunc("POST /pipelines/{id}/abort", s.handleAbortPipeline)
	mux.HandleFunc("POST /pipelines/{id}/retry/{step_id}", s.handleRetryStep)

	// Approval endpoints
	mux.HandleFunc("GET /approvals/pending", s.handleListPendingApprovals)
	mux.HandleFunc("GET /approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)

	// Event stream
	mux.HandleFunc("GET /events/stream", s.handleEventStream)
	mux.HandleFunc("GET /events/stats", s.handleEventStats)

	// Webhook ingestion
	mux.HandleFunc("POST /webhooks/github", s.handleGitHubWebhook)
	mux.HandleFunc("GET /webhooks/events", s.handleListWebhookEvents)
	mux.HandleFunc("GET /webhooks/events/{id}", s.handleGetWebhookEvent)

	return mux
}

// Start begins listening and blocks until an interrupt, then shuts down
// gracefully.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.store.Close()
	log.Println("Server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Hub-Signature-256, X-GitHub-Event, X-GitHub-Delivery")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// jsonResponse writes a JSON response with the given status
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
