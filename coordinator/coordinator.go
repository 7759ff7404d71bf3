// Package coordinator implements the engine's public submission entry
// point: validate a delivery request, resolve its destinations, gate each
// one through the health tracker, and enqueue a queue entry per surviving
// destination. It owns no dispatch logic of its own — that is the
// scheduler's job — and never blocks waiting on a delivery outcome.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydeliver/engine/access"
	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/resilience"
	"github.com/relaydeliver/engine/store"
	"github.com/relaydeliver/engine/telemetry"
)

// DestinationsDefault is the sentinel request value that asks the
// coordinator to resolve every enabled, healthy-or-degraded destination for
// the caller's organisation instead of an explicit list.
const DestinationsDefault = "default"

// SubmitRequest is the coordinator's public contract.
type SubmitRequest struct {
	OrganisationID string
	// Destinations is either []string{DestinationsDefault} or an explicit
	// list of destination IDs.
	Destinations   []string
	Payload        domain.Payload
	Priority       int
	IdempotencyKey string
	CorrelationID  string
	Tags           []string
}

// DestinationOutcome reports what happened to one resolved destination.
type DestinationOutcome struct {
	DestinationID string `json:"destinationId"`
	Status        string `json:"status"` // queued, dropped, circuit_open, duplicate
	Reason        string `json:"reason,omitempty"`
}

// SubmitResponse is the coordinator's public contract return value.
type SubmitResponse struct {
	DeliveryID   string                `json:"deliveryId"`
	Status       string                `json:"status"` // queued, failed, completed
	Destinations []DestinationOutcome  `json:"destinations"`
}

const (
	outcomeQueued     = "queued"
	outcomeDropped    = "dropped"
	outcomeCircuit    = "circuit_open"
	outcomeDuplicate  = "duplicate"

	respQueued    = "queued"
	respFailed    = "failed"
	respCompleted = "completed"
)

// Coordinator is the delivery engine's public submission facade.
type Coordinator struct {
	store         *store.Store
	breaker       *resilience.Tracker
	observability telemetry.Observability
	logger        core.Logger
	cfg           config.CoordinatorConfig
	maxRetries    int
	tracker       OrganisationTracker
}

// OrganisationTracker is notified of every organisation the coordinator
// sees traffic for. The queue manager implements this so its periodic
// sampling/alerting loop knows which organisations are live without a
// dedicated tenant directory.
type OrganisationTracker interface {
	Track(organisationID string)
}

func New(s *store.Store, breaker *resilience.Tracker, obs telemetry.Observability, logger core.Logger, cfg config.CoordinatorConfig, maxRetries int, tracker OrganisationTracker) *Coordinator {
	if obs == nil {
		obs = telemetry.NoOpObservability{}
	}
	return &Coordinator{
		store:         s,
		breaker:       breaker,
		observability: obs,
		logger:        core.WithComponentLogger(logger, "coordinator"),
		cfg:           cfg,
		maxRetries:    maxRetries,
		tracker:       tracker,
	}
}

// Submit validates req, resolves its destinations, and enqueues one queue
// entry per surviving, permitted destination.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	if c.tracker != nil {
		c.tracker.Track(req.OrganisationID)
	}

	resolved, outcomes, err := c.resolveDestinations(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, core.NewEngineError("coordinator.Submit", "no_destinations", core.ErrNoDestinations)
	}

	deliveryID := uuid.NewString()
	now := time.Now()

	queuedCount := 0
	for _, dest := range resolved {
		outcome, err := c.enqueueOne(ctx, req, dest, deliveryID, now)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, *outcome)
		if outcome.Status == outcomeQueued {
			queuedCount++
		}
	}

	status := respFailed
	switch {
	case queuedCount > 0:
		status = respQueued
	case len(outcomes) == 0:
		status = respCompleted
	}

	return &SubmitResponse{DeliveryID: deliveryID, Status: status, Destinations: outcomes}, nil
}

func (c *Coordinator) validate(req SubmitRequest) error {
	if req.OrganisationID == "" {
		return core.NewEngineError("coordinator.Submit", "validation", fmt.Errorf("%w: missing organisation", core.ErrInvalidRequest))
	}
	if len(req.Destinations) == 0 {
		return core.NewEngineError("coordinator.Submit", "validation", fmt.Errorf("%w: missing destinations", core.ErrInvalidRequest))
	}
	if req.Payload.Type == "" || len(req.Payload.Data) == 0 {
		return core.NewEngineError("coordinator.Submit", "validation", fmt.Errorf("%w: missing payload type or data", core.ErrInvalidRequest))
	}
	if int64(len(req.Payload.Data)) > c.cfg.PayloadSizeLimitBytes {
		return core.NewEngineError("coordinator.Submit", "validation", fmt.Errorf("%w: payload exceeds %d bytes", core.ErrPayloadTooLarge, c.cfg.PayloadSizeLimitBytes))
	}
	if req.Priority < 0 || req.Priority > 10 {
		return core.NewEngineError("coordinator.Submit", "validation", fmt.Errorf("%w: priority %d outside 0-10", core.ErrInvalidPriority, req.Priority))
	}
	if c.cfg.MaxDestinationsPerRequest > 0 && len(req.Destinations) > c.cfg.MaxDestinationsPerRequest &&
		!(len(req.Destinations) == 1 && req.Destinations[0] == DestinationsDefault) {
		return core.NewEngineError("coordinator.Submit", "validation", fmt.Errorf("%w: too many destinations, limit %d", core.ErrInvalidRequest, c.cfg.MaxDestinationsPerRequest))
	}
	return nil
}

// resolveDestinations resolves a submission's destination list: "default" resolves to
// every enabled, healthy-or-degraded destination for the organisation; an
// explicit list is looked up one at a time, dropping (and recording) any
// entry not found, cross-organisation, or disabled.
func (c *Coordinator) resolveDestinations(ctx context.Context, req SubmitRequest) ([]*domain.Destination, []DestinationOutcome, error) {
	if len(req.Destinations) == 1 && req.Destinations[0] == DestinationsDefault {
		all, err := c.store.Destinations.List(ctx, req.OrganisationID)
		if err != nil {
			return nil, nil, core.NewEngineError("coordinator.resolveDestinations", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
		}
		var resolved []*domain.Destination
		for _, d := range all {
			if !d.IsUsable() {
				continue
			}
			health, err := c.store.Health.Get(ctx, req.OrganisationID, d.ID)
			if err != nil {
				continue
			}
			if health.Status == domain.HealthHealthy || health.Status == domain.HealthDegraded {
				resolved = append(resolved, d)
			}
		}
		return resolved, nil, nil
	}

	var resolved []*domain.Destination
	var dropped []DestinationOutcome
	for _, id := range req.Destinations {
		dest, err := c.store.Destinations.Get(ctx, req.OrganisationID, id)
		if err != nil {
			c.logger.Warn("dropping destination: not found", map[string]interface{}{"destination_id": id})
			dropped = append(dropped, DestinationOutcome{DestinationID: id, Status: outcomeDropped, Reason: "not found"})
			continue
		}
		if err := access.Guard(ctx, dest.OrganisationID); err != nil {
			c.logger.Warn("dropping destination: cross-organisation", map[string]interface{}{"destination_id": id})
			dropped = append(dropped, DestinationOutcome{DestinationID: id, Status: outcomeDropped, Reason: "cross-organisation"})
			continue
		}
		if dest.OrganisationID != req.OrganisationID {
			c.logger.Warn("dropping destination: different organisation", map[string]interface{}{"destination_id": id})
			dropped = append(dropped, DestinationOutcome{DestinationID: id, Status: outcomeDropped, Reason: "different organisation"})
			continue
		}
		if !dest.IsUsable() {
			c.logger.Warn("dropping destination: disabled", map[string]interface{}{"destination_id": id})
			dropped = append(dropped, DestinationOutcome{DestinationID: id, Status: outcomeDropped, Reason: "disabled"})
			continue
		}
		resolved = append(resolved, dest)
	}
	return resolved, dropped, nil
}

func (c *Coordinator) enqueueOne(ctx context.Context, req SubmitRequest, dest *domain.Destination, deliveryID string, now time.Time) (*DestinationOutcome, error) {
	health, err := c.store.Health.Get(ctx, req.OrganisationID, dest.ID)
	if err != nil {
		return nil, core.NewEngineError("coordinator.enqueueOne", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	if !c.breaker.Permit(health, now) {
		return &DestinationOutcome{DestinationID: dest.ID, Status: outcomeCircuit, Reason: "circuit open"}, nil
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("%s_%s", deliveryID, dest.ID)
	}

	entryID := uuid.NewString()
	reserved, err := c.store.Idempotency.Reserve(ctx, req.OrganisationID, idempotencyKey, entryID, c.cfg.IdempotencyTTL)
	if err != nil {
		return nil, core.NewEngineError("coordinator.enqueueOne", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	if !reserved {
		existing, _ := c.store.Idempotency.Peek(ctx, req.OrganisationID, idempotencyKey)
		c.logger.Info("idempotent duplicate submission", map[string]interface{}{
			"destination_id": dest.ID, "idempotency_key": idempotencyKey, "existing_entry_id": existing,
		})
		return &DestinationOutcome{DestinationID: dest.ID, Status: outcomeDuplicate, Reason: "idempotency key already in use"}, nil
	}

	entry := &domain.QueueEntry{
		ID:             entryID,
		OrganisationID: req.OrganisationID,
		DestinationID:  dest.ID,
		DeliveryID:     deliveryID,
		Priority:       req.Priority,
		ScheduledAt:    now,
		Status:         domain.StatusPending,
		MaxRetries:     c.maxRetries,
		Payload:        wrapPayload(req.Payload, deliveryID),
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: idempotencyKey,
		Metadata:       domain.QueueEntryMetadata{Tags: req.Tags},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.Queue.Enqueue(ctx, entry); err != nil {
		return nil, core.NewEngineError("coordinator.enqueueOne", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}

	dest.UsageCount++
	dest.UpdatedAt = now
	if err := c.store.Destinations.Update(ctx, dest); err != nil {
		c.logger.Warn("failed to increment destination usage counter", map[string]interface{}{"destination_id": dest.ID, "error": err.Error()})
	}

	c.observability.RecordPayloadSize(ctx, string(dest.Kind), int64(len(req.Payload.Data)))
	return &DestinationOutcome{DestinationID: dest.ID, Status: outcomeQueued}, nil
}

// wrapPayload carries the delivery ID onto the kind-independent payload
// metadata so a handler or audit trail can always recover which delivery a
// dispatch belongs to.
func wrapPayload(p domain.Payload, deliveryID string) domain.Payload {
	out := p
	meta := map[string]any{}
	for k, v := range p.Metadata {
		meta[k] = v
	}
	meta["deliveryId"] = deliveryID
	out.Metadata = meta
	return out
}

// CancelDelivery sets every pending queue entry for deliveryID to cancelled.
// Entries already processing are left to complete.
func (c *Coordinator) CancelDelivery(ctx context.Context, organisationID, deliveryID string) error {
	entries, err := c.store.Queue.ListByDelivery(ctx, organisationID, deliveryID)
	if err != nil {
		return core.NewEngineError("coordinator.CancelDelivery", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	now := time.Now()
	for _, e := range entries {
		if e.Status != domain.StatusPending {
			continue
		}
		e.Status = domain.StatusCancelled
		e.UpdatedAt = now
		e.ProcessedAt = &now
		if err := c.store.Queue.Update(ctx, e); err != nil {
			return core.NewEngineError("coordinator.CancelDelivery", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
		}
	}
	return nil
}

// RetryDelivery re-arms every failed queue entry belonging to deliveryID for
// immediate redispatch: retryCount and nextRetryAt are reset so the entry
// competes for dequeue on the scheduler's next tick rather than waiting out
// whatever backoff it had already exhausted. Entries in any other status are
// left untouched.
func (c *Coordinator) RetryDelivery(ctx context.Context, organisationID, deliveryID string) error {
	entries, err := c.store.Queue.ListByDelivery(ctx, organisationID, deliveryID)
	if err != nil {
		return core.NewEngineError("coordinator.RetryDelivery", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	retried := false
	now := time.Now()
	for _, e := range entries {
		if e.Status != domain.StatusFailed {
			continue
		}
		e.Status = domain.StatusPending
		e.RetryCount = 0
		e.NextRetryAt = nil
		e.ScheduledAt = now
		e.UpdatedAt = now
		e.ProcessedAt = nil
		if err := c.store.Queue.Update(ctx, e); err != nil {
			return core.NewEngineError("coordinator.RetryDelivery", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
		}
		retried = true
	}
	if !retried {
		return core.NewEngineError("coordinator.RetryDelivery", "not_found", fmt.Errorf("%w: no failed entries for delivery", core.ErrDeliveryNotFound))
	}
	return nil
}

// GetDeliveryStatus aggregates every queue entry and delivery log belonging
// to deliveryID into a single per-delivery status view.
func (c *Coordinator) GetDeliveryStatus(ctx context.Context, organisationID, deliveryID string) (*DeliveryStatus, error) {
	entries, err := c.store.Queue.ListByDelivery(ctx, organisationID, deliveryID)
	if err != nil {
		return nil, core.NewEngineError("coordinator.GetDeliveryStatus", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	logs, err := c.store.DeliveryLogs.ListByDelivery(ctx, organisationID, deliveryID)
	if err != nil {
		return nil, core.NewEngineError("coordinator.GetDeliveryStatus", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	if len(entries) == 0 && len(logs) == 0 {
		return nil, core.NewEngineError("coordinator.GetDeliveryStatus", "not_found", core.ErrDeliveryNotFound)
	}

	logByDestination := make(map[string]*domain.DeliveryLog, len(logs))
	for _, l := range logs {
		logByDestination[l.DestinationID] = l
	}

	status := &DeliveryStatus{DeliveryID: deliveryID}
	seen := make(map[string]bool)
	allTerminal := len(entries) > 0
	anyFailed := false
	anyPending := false

	for _, e := range entries {
		seen[e.DestinationID] = true
		sub := DestinationStatus{DestinationID: e.DestinationID}
		if l, ok := logByDestination[e.DestinationID]; ok {
			sub.SubStatus = string(l.Outcome)
			sub.AttemptCount = l.AttemptCount
			sub.FailureReason = l.FinalError
		} else {
			switch e.Status {
			case domain.StatusPending:
				if e.RetryCount > 0 {
					sub.SubStatus = "retrying"
				} else {
					sub.SubStatus = "pending"
				}
				anyPending = true
				allTerminal = false
			case domain.StatusProcessing:
				sub.SubStatus = "pending"
				anyPending = true
				allTerminal = false
			case domain.StatusFailed:
				sub.SubStatus = "failed"
				sub.FailureReason = e.Metadata.LastError
				anyFailed = true
			case domain.StatusCancelled:
				sub.SubStatus = "failed"
				sub.FailureReason = "cancelled"
				anyFailed = true
			}
			sub.AttemptCount = len(e.Metadata.Attempts)
		}
		status.Destinations = append(status.Destinations, sub)
	}

	for destID, l := range logByDestination {
		if seen[destID] {
			continue
		}
		status.Destinations = append(status.Destinations, DestinationStatus{
			DestinationID: destID,
			SubStatus:     string(l.Outcome),
			AttemptCount:  l.AttemptCount,
			FailureReason: l.FinalError,
		})
	}

	switch {
	case anyPending:
		status.Status = "processing"
	case !allTerminal:
		status.Status = "queued"
	case anyFailed:
		status.Status = "failed"
	default:
		status.Status = "completed"
	}

	return status, nil
}

// DeliveryStatus is the aggregate view returned by GetDeliveryStatus.
type DeliveryStatus struct {
	DeliveryID   string              `json:"deliveryId"`
	Status       string              `json:"status"` // queued, processing, completed, failed
	Destinations []DestinationStatus `json:"destinations"`
}

// DestinationStatus is the per-destination sub-status within a DeliveryStatus.
type DestinationStatus struct {
	DestinationID string `json:"destinationId"`
	SubStatus     string `json:"subStatus"` // pending, delivered, failed, retrying
	AttemptCount  int    `json:"attemptCount"`
	FailureReason string `json:"failureReason,omitempty"`
}

// ListDeliveries returns the aggregate status of the most recent deliveries
// for organisationID, newest first. It is built from the union of in-flight
// queue entries and completed delivery logs rather than a dedicated
// deliveries table, since a delivery is only ever a grouping label over its
// per-destination queue entries and logs.
func (c *Coordinator) ListDeliveries(ctx context.Context, organisationID string, limit int) ([]*DeliveryStatus, error) {
	if limit <= 0 {
		limit = 50
	}

	seen := make(map[string]bool)
	var ids []string

	logs, err := c.store.DeliveryLogs.List(ctx, organisationID, limit)
	if err != nil {
		return nil, core.NewEngineError("coordinator.ListDeliveries", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	for _, l := range logs {
		if !seen[l.DeliveryID] {
			seen[l.DeliveryID] = true
			ids = append(ids, l.DeliveryID)
		}
	}

	for _, status := range []domain.QueueStatus{domain.StatusPending, domain.StatusProcessing} {
		entries, err := c.store.Queue.ListByStatus(ctx, organisationID, status, limit)
		if err != nil {
			return nil, core.NewEngineError("coordinator.ListDeliveries", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
		}
		for _, e := range entries {
			if !seen[e.DeliveryID] {
				seen[e.DeliveryID] = true
				ids = append(ids, e.DeliveryID)
			}
		}
	}

	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*DeliveryStatus, 0, len(ids))
	for _, id := range ids {
		status, err := c.GetDeliveryStatus(ctx, organisationID, id)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out, nil
}

// RotateWebhookSecret issues a fresh signing secret for destinationID and
// keeps the replaced secret as the "previous" secret until the next rotation
// overwrites it; there is no timed grace period after which it expires.
func (c *Coordinator) RotateWebhookSecret(ctx context.Context, organisationID, destinationID string) (string, error) {
	dest, err := c.store.Destinations.Get(ctx, organisationID, destinationID)
	if err != nil {
		return "", core.NewEngineError("coordinator.RotateWebhookSecret", "not_found", core.ErrDestinationNotFound)
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		return "", err
	}
	newSecret := uuid.NewString()
	if err := c.store.Secrets.Rotate(ctx, destinationID, newSecret); err != nil {
		return "", core.NewEngineError("coordinator.RotateWebhookSecret", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	c.logger.Info("webhook secret rotated", map[string]interface{}{"destination_id": destinationID})
	return newSecret, nil
}

// IssueDownloadLink creates a signed download link token for destinationID,
// used by the download destination kind outside of the normal dispatch path
// (e.g. a caller requesting a direct link rather than an asynchronous
// delivery). The token is not consumed when resolved; it stays valid until
// ttl expires.
func (c *Coordinator) IssueDownloadLink(ctx context.Context, organisationID, destinationID string, ttl time.Duration) (string, error) {
	dest, err := c.store.Destinations.Get(ctx, organisationID, destinationID)
	if err != nil {
		return "", core.NewEngineError("coordinator.IssueDownloadLink", "not_found", core.ErrDestinationNotFound)
	}
	if err := access.Guard(ctx, dest.OrganisationID); err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := c.store.Links.Put(ctx, token, destinationID, ttl); err != nil {
		return "", core.NewEngineError("coordinator.IssueDownloadLink", "transient", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	return token, nil
}
