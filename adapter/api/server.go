// Package api exposes the sync engine over HTTP: live imports as
// server-sent events, connection management, merged daily records, health
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

// Server is the HTTP API server.
type Server struct {
	mux         *http.ServeMux
	server      *http.Server
	logger      *slog.Logger
	imports     *ImportHandler
	connections *ConnectionsHandler
	records     *RecordsHandler
	health      *observability.HealthRegistry
	metrics     http.Handler
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration. The write
// timeout does not apply to import streams.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Handlers groups the route handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Imports     *ImportHandler
	Connections *ConnectionsHandler
	Records     *RecordsHandler
	Health      *observability.HealthRegistry
	// Metrics serves /metrics, typically PrometheusMetrics.Handler().
	Metrics http.Handler
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, handlers Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mux:         http.NewServeMux(),
		logger:      logger,
		imports:     handlers.Imports,
		connections: handlers.Connections,
		records:     handlers.Records,
		health:      handlers.Health,
		metrics:     handlers.Metrics,
	}
	if s.health == nil {
		s.health = observability.NewHealthRegistry()
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      withCorrelationID(s.mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	if s.imports != nil {
		s.mux.HandleFunc("POST /api/v1/users/{userID}/imports", s.imports.StartImport)
	}
	if s.connections != nil {
		s.mux.HandleFunc("GET /api/v1/users/{userID}/connections", s.connections.ListConnections)
		s.mux.HandleFunc("POST /api/v1/users/{userID}/connections/{provider}", s.connections.Authorize)
		s.mux.HandleFunc("DELETE /api/v1/users/{userID}/connections/{provider}", s.connections.Disconnect)
		s.mux.HandleFunc("GET /oauth/{provider}/callback", s.connections.Callback)
	}
	if s.records != nil {
		s.mux.HandleFunc("GET /api/v1/users/{userID}/metrics", s.records.ListRecords)
	}
}

// handleHealth reports the aggregated dependency health. Unhealthy answers
// 503 so load balancers take the instance out.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.health.Check(r.Context())
	status := http.StatusOK
	if health.Status == observability.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// withCorrelationID tags the request context with the caller's
// X-Correlation-ID or a fresh one.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
		w.Header().Set("X-Correlation-ID", observability.CorrelationIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Log error but can't do much at this point
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &APIError{Status: status, Code: errorCode(status), Message: message})
}

// APIError represents an API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
