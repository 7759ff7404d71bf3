// Package httpapi exposes the delivery engine's public REST surface
// destination CRUD and validation, delivery submission/retry/
// status/listing, destination health, and metrics/health-check endpoints.
// A plain struct holding the ports it needs, http.HandlerFunc methods,
// manual path/method dispatch against a *http.ServeMux, JSON bodies — no
// routing framework. The mux is wrapped in otelhttp so every inbound
// request gets a span without each handler touching tracing directly.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/relaydeliver/engine/access"
	"github.com/relaydeliver/engine/coordinator"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/handlers"
	"github.com/relaydeliver/engine/queuemanager"
	"github.com/relaydeliver/engine/store"
)

// Server wires the coordinator, queue manager, and destination store into
// the public HTTP surface.
type Server struct {
	coordinator  *coordinator.Coordinator
	queueManager *queuemanager.Manager
	destinations store.DestinationStore
	health       store.HealthStore
	registry     *handlers.Registry
	logger       core.Logger
}

func NewServer(c *coordinator.Coordinator, qm *queuemanager.Manager, destinations store.DestinationStore, health store.HealthStore, registry *handlers.Registry, logger core.Logger) *Server {
	return &Server{
		coordinator:  c,
		queueManager: qm,
		destinations: destinations,
		health:       health,
		registry:     registry,
		logger:       core.WithComponentLogger(logger, "httpapi"),
	}
}

// Routes builds the mux, wrapping every route with the organisation-context
// middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/destinations", s.handleDestinationsCollection)
	mux.HandleFunc("/api/v1/destinations/", s.handleDestinationsItem)

	mux.HandleFunc("/api/v1/deliveries", s.handleDeliveriesCollection)
	mux.HandleFunc("/api/v1/deliveries/", s.handleDeliveriesItem)

	mux.HandleFunc("/api/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", s.handleHealthCheck)

	traced := otelhttp.NewHandler(mux, "httpapi")
	return access.Middleware(s.withRequestLog(traced))
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.InfoWithContext(r.Context(), "request handled", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// ErrorResponse is the standard JSON error body returned by every handler.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, code string) {
	s.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeEngineError classifies err with the core predicates (IsValidation,
// IsAuthError, IsNotFound) on its error chain and maps the result onto an
// HTTP status, falling back to 500 for anything unrecognised.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	switch {
	case core.IsValidation(err):
		status, code = http.StatusBadRequest, "VALIDATION_ERROR"
	case core.IsAuthError(err):
		status, code = http.StatusUnauthorized, "AUTH_ERROR"
	case core.IsNotFound(err):
		status, code = http.StatusNotFound, "NOT_FOUND"
	}
	s.writeError(w, status, err.Error(), code)
}

// pathSegment extracts the single path component following prefix, stopping
// at the next "/" if there is a trailing sub-resource.
func pathSegment(path, prefix string) (segment, rest string) {
	if !strings.HasPrefix(path, prefix) {
		return "", ""
	}
	trimmed := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], trimmed[idx+1:]
	}
	return trimmed, ""
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}
