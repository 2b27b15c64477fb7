// Package api exposes workflow documents, validation, run start and live
// node status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"

	"github.com/tcmartin/flowstudio/pkg/config"
	"github.com/tcmartin/flowstudio/pkg/middleware"
	"github.com/tcmartin/flowstudio/pkg/registry"
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/statusbus"
)

// Server represents the HTTP API server
type Server struct {
	config   *config.Config
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	registry registry.WorkflowRegistry
	engine   runtime.Engine
	bus      statusbus.Bus
	tokens   middleware.TokenValidator
	hub      *StatusHub
	events   *sse.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, reg registry.WorkflowRegistry, engine runtime.Engine, bus statusbus.Bus, tokens middleware.TokenValidator) *Server {
	events := sse.New()
	events.AutoStream = false
	// every request gets its own stream, so replay only covers that request
	events.AutoReplay = true

	s := &Server{
		config:   cfg,
		router:   mux.NewRouter(),
		registry: reg,
		engine:   engine,
		bus:      bus,
		tokens:   tokens,
		hub:      NewStatusHub(bus),
		events:   events,
	}

	s.setupRoutes()
	s.handler = middleware.CORS(cfg.Server.AllowedOrigins)(s.router)
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the websocket status hub
func (s *Server) Hub() *StatusHub {
	return s.hub
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.config.Address()
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.handler,
		ReadTimeout: 15 * time.Second,
		// no write timeout: status streams stay open for the whole run
		IdleTimeout: 60 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting HTTP server")

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	s.events.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	authMiddleware := middleware.NewAuthMiddleware(s.tokens)

	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public routes (no authentication required)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Authenticated routes
	authenticated := api.PathPrefix("").Subrouter()
	authenticated.Use(authMiddleware.Authenticate, middleware.RequireCompany)

	workflows := authenticated.PathPrefix("/workflows").Subrouter()
	workflows.HandleFunc("", s.handleListWorkflows).Methods(http.MethodGet)
	workflows.HandleFunc("", s.handleCreateWorkflow).Methods(http.MethodPost)
	workflows.HandleFunc("/validate", s.handleValidate).Methods(http.MethodPost)
	workflows.HandleFunc("/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	workflows.HandleFunc("/{id}", s.handleUpdateWorkflow).Methods(http.MethodPut)
	workflows.HandleFunc("/{id}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	workflows.HandleFunc("/{id}/active", s.handleSetActive).Methods(http.MethodPut)
	workflows.HandleFunc("/{id}/versions", s.handleListVersions).Methods(http.MethodGet)
	workflows.HandleFunc("/{id}/versions/{version:[0-9]+}", s.handleGetVersion).Methods(http.MethodGet)
	workflows.HandleFunc("/{id}/nodes/{nodeId}/variables", s.handleVariables).Methods(http.MethodGet)
	workflows.HandleFunc("/{id}/runs", s.handleStartRun).Methods(http.MethodPost)

	sessions := authenticated.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("/{session}/events", s.handleIngestEvents).Methods(http.MethodPost)
	sessions.HandleFunc("/{session}/stream", s.handleEventStream).Methods(http.MethodGet)

	authenticated.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Request")
			next.ServeHTTP(w, r)
		})
	})
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleWebSocket upgrades the connection and hands it to the status hub
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	companyID, _ := middleware.GetCompanyID(r)
	s.hub.HandleWebSocket(w, r, companyID)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
