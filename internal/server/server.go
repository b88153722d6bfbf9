// Package server exposes the orchestrator over HTTP: session input and
// control routes, worker callback routes, an SSE event stream and
// operational endpoints.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionkit-dev/sessionkit/internal/config"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/broadcast"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/storage"
)

// Server wires the HTTP surface.
type Server struct {
	orch        *orchestrator.Orchestrator
	hooks       *orchestrator.Hooks
	broadcaster *broadcast.Broadcaster
	storage     storage.Factory
	registry    *prometheus.Registry
	log         logr.Logger
}

// New creates a Server.
func New(
	orch *orchestrator.Orchestrator,
	hooks *orchestrator.Hooks,
	broadcaster *broadcast.Broadcaster,
	store storage.Factory,
	registry *prometheus.Registry,
	log logr.Logger,
) *Server {
	return &Server{
		orch:        orch,
		hooks:       hooks,
		broadcaster: broadcaster,
		storage:     store,
		registry:    registry,
		log:         log.WithName("http"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/messages", s.handleEnqueue).Methods("POST")
	api.HandleFunc("/sessions/{id}/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/sessions/{id}/interrupt", s.handleInterrupt).Methods("POST")
	api.HandleFunc("/sessions/{id}/state", s.handleState).Methods("GET")
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods("GET")

	hooks := router.PathPrefix("/api/hooks").Subrouter()
	hooks.HandleFunc("/prompt-submitted", s.handlePromptSubmitted).Methods("POST")
	hooks.HandleFunc("/turn-stopped", s.handleTurnStopped).Methods("POST")
	hooks.HandleFunc("/pre-tool-use", s.handlePreToolUse).Methods("POST")

	return router
}

// HTTPServer builds the http.Server around the route table.
func (s *Server) HTTPServer(cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: 0, // SSE responses stream indefinitely
		IdleTimeout:  60 * time.Second,
	}
}
