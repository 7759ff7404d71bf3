package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/relaydeliver/engine/access"
	"github.com/relaydeliver/engine/coordinator"
	"github.com/relaydeliver/engine/domain"
)

// submitRequest is the delivery submission request body.
type submitRequest struct {
	Destinations   []string        `json:"destinations"`
	PayloadType    string          `json:"payloadType"`
	PayloadData    json.RawMessage `json:"payloadData"`
	Priority       int             `json:"priority"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
}

func (s *Server) handleDeliveriesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDeliveries(w, r)
	case http.MethodPost:
		s.handleSubmitDelivery(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	}
}

func (s *Server) handleDeliveriesItem(w http.ResponseWriter, r *http.Request) {
	id, rest := pathSegment(r.URL.Path, "/api/v1/deliveries/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "delivery id is required", "MISSING_ID")
		return
	}

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetDeliveryStatus(w, r, id)
		case http.MethodDelete:
			s.handleCancelDelivery(w, r, id)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		}
	case "retry":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		s.handleRetryDelivery(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "unknown sub-resource", "NOT_FOUND")
	}
}

func (s *Server) handleSubmitDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	if organisationID == "" {
		s.writeError(w, http.StatusBadRequest, "missing organisation context", "MISSING_ORGANISATION")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	destinations := req.Destinations
	if len(destinations) == 0 {
		destinations = []string{coordinator.DestinationsDefault}
	}

	resp, err := s.coordinator.Submit(ctx, coordinator.SubmitRequest{
		OrganisationID: organisationID,
		Destinations:   destinations,
		Payload:        domain.Payload{Type: req.PayloadType, Data: req.PayloadData},
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		Tags:           req.Tags,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetDeliveryStatus(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	status, err := s.coordinator.GetDeliveryStatus(ctx, organisationID, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelDelivery(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	if err := s.coordinator.CancelDelivery(ctx, organisationID, id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	if err := s.coordinator.RetryDelivery(ctx, organisationID, id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	status, err := s.coordinator.GetDeliveryStatus(ctx, organisationID, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	organisationID := access.OrganisationFromContext(ctx)
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	statuses, err := s.coordinator.ListDeliveries(ctx, organisationID, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statuses)
}
