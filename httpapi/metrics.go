package httpapi

import (
	"net/http"

	"github.com/relaydeliver/engine/access"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	if organisationID == "" {
		s.writeError(w, http.StatusBadRequest, "missing organisation context", "MISSING_ORGANISATION")
		return
	}
	if s.queueManager == nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue manager not running in this process", "UNAVAILABLE")
		return
	}
	metrics, err := s.queueManager.Sample(ctx, organisationID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to sample metrics", "STORE_ERROR")
		return
	}
	s.writeJSON(w, http.StatusOK, metrics)
}

type healthCheckResponse struct {
	Status string `json:"status"`
}

// handleHealthCheck answers the process-level liveness probe. It is
// deliberately organisation-agnostic: a load balancer or orchestrator
// checking this endpoint has no tenant context to present.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	s.writeJSON(w, http.StatusOK, healthCheckResponse{Status: "ok"})
}
