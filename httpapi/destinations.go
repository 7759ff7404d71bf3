package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeliver/engine/access"
	"github.com/relaydeliver/engine/domain"
)

// destinationRequest is the create/update request body. Kind is immutable
// after creation; update only touches Label, Config, and Disabled.
type destinationRequest struct {
	Kind     domain.DestinationKind `json:"kind"`
	Label    string                 `json:"label"`
	Config   json.RawMessage        `json:"config"`
	Disabled bool                   `json:"disabled"`
}

func (s *Server) handleDestinationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDestinations(w, r)
	case http.MethodPost:
		s.handleCreateDestination(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	}
}

func (s *Server) handleDestinationsItem(w http.ResponseWriter, r *http.Request) {
	id, rest := pathSegment(r.URL.Path, "/api/v1/destinations/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "destination id is required", "MISSING_ID")
		return
	}

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetDestination(w, r, id)
		case http.MethodPut:
			s.handleUpdateDestination(w, r, id)
		case http.MethodDelete:
			s.handleDeleteDestination(w, r, id)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		}
	case "validate":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		s.handleValidateDestination(w, r, id)
	case "test-connection":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		s.handleTestConnection(w, r, id)
	case "health":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		s.handleGetDestinationHealth(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "unknown sub-resource", "NOT_FOUND")
	}
}

func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	if organisationID == "" {
		s.writeError(w, http.StatusBadRequest, "missing organisation context", "MISSING_ORGANISATION")
		return
	}

	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required", "MISSING_KIND")
		return
	}

	handler, err := s.registry.Resolve(req.Kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := handler.ValidateConfig(req.Config); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_CONFIG")
		return
	}

	now := time.Now()
	dest := &domain.Destination{
		ID:             uuid.NewString(),
		OrganisationID: organisationID,
		Kind:           req.Kind,
		Label:          req.Label,
		Config:         req.Config,
		Disabled:       req.Disabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.destinations.Create(ctx, dest); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create destination", "STORE_ERROR")
		return
	}
	if err := s.health.Save(ctx, domain.NewDestinationHealth(dest.ID, organisationID)); err != nil {
		s.logger.WarnWithContext(ctx, "failed to seed destination health", map[string]interface{}{"destination_id": dest.ID, "error": err.Error()})
	}

	s.writeJSON(w, http.StatusCreated, dest)
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	dests, err := s.destinations.List(ctx, organisationID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list destinations", "STORE_ERROR")
		return
	}
	s.writeJSON(w, http.StatusOK, dests)
}

func (s *Server) handleGetDestination(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	dest, err := s.destinations.Get(ctx, organisationID, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "destination not found", "NOT_FOUND")
		return
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dest)
}

func (s *Server) handleUpdateDestination(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	dest, err := s.destinations.Get(ctx, organisationID, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "destination not found", "NOT_FOUND")
		return
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		s.writeEngineError(w, err)
		return
	}

	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Config != nil {
		handler, err := s.registry.Resolve(dest.Kind)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		if err := handler.ValidateConfig(req.Config); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_CONFIG")
			return
		}
		dest.Config = req.Config
	}
	if req.Label != "" {
		dest.Label = req.Label
	}
	dest.Disabled = req.Disabled
	dest.UpdatedAt = time.Now()

	if err := s.destinations.Update(ctx, dest); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to update destination", "STORE_ERROR")
		return
	}
	s.writeJSON(w, http.StatusOK, dest)
}

func (s *Server) handleDeleteDestination(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	dest, err := s.destinations.Get(ctx, organisationID, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "destination not found", "NOT_FOUND")
		return
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := s.destinations.Delete(ctx, organisationID, id); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete destination", "STORE_ERROR")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateResponse struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleValidateDestination(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	dest, err := s.destinations.Get(ctx, organisationID, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "destination not found", "NOT_FOUND")
		return
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	handler, err := s.registry.Resolve(dest.Kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := handler.ValidateConfig(dest.Config); err != nil {
		s.writeJSON(w, http.StatusOK, validateResponse{Valid: false, Errors: []string{err.Error()}})
		return
	}
	s.writeJSON(w, http.StatusOK, validateResponse{Valid: true})
}

type testConnectionResponse struct {
	Success      bool   `json:"success"`
	ResponseTime string `json:"responseTime,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	dest, err := s.destinations.Get(ctx, organisationID, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "destination not found", "NOT_FOUND")
		return
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	handler, err := s.registry.Resolve(dest.Kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	start := time.Now()
	if err := handler.TestConnection(ctx, dest.Config); err != nil {
		s.writeJSON(w, http.StatusOK, testConnectionResponse{Success: false, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, testConnectionResponse{Success: true, ResponseTime: time.Since(start).String()})
}

func (s *Server) handleGetDestinationHealth(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	dest, err := s.destinations.Get(ctx, organisationID, id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "destination not found", "NOT_FOUND")
		return
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	health, err := s.health.Get(ctx, organisationID, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read health", "STORE_ERROR")
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}
