// Package scheduler implements the bounded-concurrency worker pool that
// drives the delivery queue: a single ticker-driven loop
// claims up to `slots = maxConcurrent - inFlight` ready entries per tick,
// hands each to an independent worker goroutine, and lets the worker gate
// dispatch through the circuit breaker, invoke the destination's handler,
// fold the outcome into health + retry state, and write the terminal
// delivery log. Built as a ticker + semaphore + sync.WaitGroup rather than
// a fixed worker-goroutine pool, since here a worker's lifetime is one
// dispatch, not a blocking dequeue loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydeliver/engine/alerting"
	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/handlers"
	"github.com/relaydeliver/engine/resilience"
	"github.com/relaydeliver/engine/store"
	"github.com/relaydeliver/engine/telemetry"
)

// Scheduler is the worker-pool consumer of store.QueueStore. It holds no
// authoritative state of its own — the in-flight set is the only
// process-local bookkeeping, and it exists purely to bound concurrency and
// let Stop() wait for a clean drain.
type Scheduler struct {
	queue        store.QueueStore
	destinations store.DestinationStore
	health       store.HealthStore
	deliveryLogs store.DeliveryLogStore
	handlers     *handlers.Registry
	breaker      *resilience.Tracker
	retry        *resilience.Policy
	debouncer    *alerting.Debouncer
	observability telemetry.Observability
	logger       core.Logger

	cfg       config.SchedulerConfig
	maxRetries int

	inFlight   sync.Map // entryID -> struct{}
	inFlightWG sync.WaitGroup

	running atomic.Bool
	paused  atomic.Bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

func New(
	queue store.QueueStore,
	destinations store.DestinationStore,
	health store.HealthStore,
	deliveryLogs store.DeliveryLogStore,
	registry *handlers.Registry,
	breaker *resilience.Tracker,
	retry *resilience.Policy,
	debouncer *alerting.Debouncer,
	obs telemetry.Observability,
	logger core.Logger,
	cfg config.SchedulerConfig,
	maxRetries int,
) *Scheduler {
	if obs == nil {
		obs = telemetry.NoOpObservability{}
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Scheduler{
		queue:         queue,
		destinations:  destinations,
		health:        health,
		deliveryLogs:  deliveryLogs,
		handlers:      registry,
		breaker:       breaker,
		retry:         retry,
		debouncer:     debouncer,
		observability: obs,
		logger:        core.WithComponentLogger(logger, "scheduler"),
		cfg:           cfg,
		maxRetries:    maxRetries,
	}
}

// Start runs the driver loop until ctx is cancelled or Stop is called. It
// blocks, so callers typically invoke it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return core.ErrAlreadyRunning
	}
	driverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	defer close(s.doneCh)
	defer s.running.Store(false)

	s.logger.Info("scheduler starting", map[string]interface{}{
		"max_concurrent":  s.cfg.Workers,
		"poll_interval":   s.cfg.PollInterval.String(),
		"stuck_threshold": s.cfg.StuckThreshold.String(),
	})

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	stuckTicker := time.NewTicker(s.cfg.StuckSweepInterval)
	defer stuckTicker.Stop()

	for {
		select {
		case <-driverCtx.Done():
			s.logger.Info("scheduler driver loop stopping, waiting for in-flight workers", nil)
			s.inFlightWG.Wait()
			s.logger.Info("scheduler stopped", nil)
			return nil
		case <-stuckTicker.C:
			s.sweepStuck(ctx)
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			if err := s.tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed, pausing until next interval", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Stop signals the driver to stop claiming new work and waits (bounded by
// ctx) for in-flight workers to drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends claiming new work; in-flight workers continue to
// completion. Resume undoes it. Neither affects Stop/Start lifecycle.
func (s *Scheduler) Pause()  { s.paused.Store(true) }
func (s *Scheduler) Resume() { s.paused.Store(false) }

// ProcessOnce runs a single dequeue-and-dispatch tick synchronously,
// waiting for every worker it spawns to finish before returning. Intended
// for tests and for manual/administrative draining, not the steady-state
// driver loop.
func (s *Scheduler) ProcessOnce(ctx context.Context) error {
	if err := s.tick(ctx); err != nil {
		return err
	}
	s.inFlightWG.Wait()
	return nil
}

func (s *Scheduler) inFlightCount() int {
	n := 0
	s.inFlight.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (s *Scheduler) tick(ctx context.Context) error {
	maxConcurrent := s.cfg.Workers
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	slots := maxConcurrent - s.inFlightCount()
	if slots <= 0 {
		return nil
	}

	limit := slots
	if s.cfg.DequeueBatchSize > 0 && limit > s.cfg.DequeueBatchSize {
		limit = s.cfg.DequeueBatchSize
	}

	entries, err := s.queue.Dequeue(ctx, limit, time.Now())
	if err != nil {
		// Dequeue errors pause the tick but keep the loop alive; the next
		// tick tries again.
		return fmt.Errorf("scheduler: dequeue failed: %w", err)
	}

	for _, entry := range entries {
		entry := entry
		s.inFlight.Store(entry.ID, struct{}{})
		s.inFlightWG.Add(1)
		go func() {
			defer s.inFlightWG.Done()
			defer s.inFlight.Delete(entry.ID)
			s.dispatch(context.Background(), entry)
		}()
	}
	return nil
}

func (s *Scheduler) sweepStuck(ctx context.Context) {
	threshold := s.cfg.StuckThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	reclaimed, err := s.queue.ReclaimStuck(ctx, time.Now().Add(-threshold))
	if err != nil {
		s.logger.Warn("stuck-item sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(reclaimed) > 0 {
		s.logger.Info("reclaimed stuck queue entries", map[string]interface{}{"count": len(reclaimed)})
	}
}

// dispatch runs the full worker task for one claimed entry. Every error
// path here is caught: nothing escapes to the driver loop.
func (s *Scheduler) dispatch(ctx context.Context, entry *domain.QueueEntry) {
	now := time.Now()
	attemptNumber := entry.RetryCount + 1

	ctx, span := s.observability.StartDeliverySpan(ctx, entry.DeliveryID, entry.ID, "")
	defer span.End()

	dest, err := s.destinations.Get(ctx, entry.OrganisationID, entry.DestinationID)
	if err != nil {
		s.failTerminal(ctx, entry, attemptNumber, now, "destination removed", &now)
		return
	}

	h, err := s.health.Get(ctx, entry.OrganisationID, entry.DestinationID)
	if err != nil {
		h = domain.NewDestinationHealth(entry.DestinationID, entry.OrganisationID)
	}

	if !s.breaker.Permit(h, now) {
		s.handleCircuitOpen(ctx, entry, h, attemptNumber, now)
		return
	}

	registered, err := s.handlers.Resolve(dest.Kind)
	if err != nil {
		s.recordFailureAndDecide(ctx, entry, dest, h, attemptNumber, now, now, err)
		return
	}

	timeout := s.cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := entry.Payload
	if payload.Metadata == nil {
		payload.Metadata = map[string]interface{}{}
	}
	payload.Metadata["queueEntryId"] = entry.ID
	payload.Metadata["attemptNumber"] = attemptNumber
	payload.Metadata["scheduledAt"] = entry.ScheduledAt
	payload.Metadata["processedAt"] = now

	start := time.Now()
	crossSystemReference, deliverErr := s.invokeHandler(dispatchCtx, registered, dest, payload)
	responseTime := time.Since(start)

	s.observability.RecordProcessingTime(ctx, string(dest.Kind), responseTime)

	if deliverErr == nil {
		s.succeed(ctx, entry, dest, h, attemptNumber, now, responseTime, crossSystemReference)
		return
	}

	if dispatchCtx.Err() == context.DeadlineExceeded {
		deliverErr = fmt.Errorf("%w: handler exceeded %s timeout", core.ErrTransient, timeout)
	}

	s.recordFailureAndDecide(ctx, entry, dest, h, attemptNumber, now, responseTime, deliverErr)
}

// invokeHandler calls the handler inside a panic-recovery boundary,
// converting a panic into a Fatal-classified error that never counts
// against health.
func (s *Scheduler) invokeHandler(ctx context.Context, h handlers.Handler, dest *domain.Destination, payload domain.Payload) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorWithContext(ctx, "handler panicked", map[string]interface{}{
				"destination_id": dest.ID,
				"panic":          fmt.Sprintf("%v", r),
			})
			err = fmt.Errorf("%w: handler panic: %v", core.ErrFatal, r)
		}
	}()
	return h.Deliver(ctx, dest, payload)
}

func (s *Scheduler) succeed(ctx context.Context, entry *domain.QueueEntry, dest *domain.Destination, h *domain.DestinationHealth, attemptNumber int, now time.Time, responseTime time.Duration, crossSystemReference string) {
	s.breaker.RecordSuccess(h, responseTime, now)
	s.saveHealth(ctx, h)

	entry.Status = domain.StatusCompleted
	entry.ProcessedAt = &now
	entry.UpdatedAt = now
	entry.Metadata.CrossSystemReference = crossSystemReference
	entry.Metadata.Attempts = append(entry.Metadata.Attempts, domain.AttemptRecord{
		AttemptNumber: attemptNumber,
		StartedAt:     now.Add(-responseTime),
		FinishedAt:    now,
		Success:       true,
		ResponseTime:  responseTime,
	})

	if err := s.queue.Update(ctx, entry); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to persist completed entry", map[string]interface{}{"queue_entry_id": entry.ID, "error": err.Error()})
	}

	s.writeDeliveryLog(ctx, entry, domain.OutcomeDelivered, attemptNumber, now, "")
	s.observability.RecordDeliveryAttempt(ctx, string(dest.Kind), "success")
}

// handleCircuitOpen treats a breaker refusal as an immediate, retryable
// failure that does not count against destination health, rescheduling
// with backoff equal to the breaker's recovery timeout rather than the
// normal exponential curve.
func (s *Scheduler) handleCircuitOpen(ctx context.Context, entry *domain.QueueEntry, h *domain.DestinationHealth, attemptNumber int, now time.Time) {
	s.observability.RecordDeliveryAttempt(ctx, "", "circuit_open")

	maxRetries := entry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	if attemptNumber >= maxRetries {
		s.terminalFail(ctx, entry, attemptNumber, now, "circuit breaker open, retries exhausted")
		return
	}

	nextRetry := now.Add(s.breaker.RecoveryTimeout())
	s.reschedule(ctx, entry, attemptNumber, now, nextRetry, core.ErrCircuitOpen.Error())
}

func (s *Scheduler) recordFailureAndDecide(ctx context.Context, entry *domain.QueueEntry, dest *domain.Destination, h *domain.DestinationHealth, attemptNumber int, now time.Time, responseTime time.Duration, deliverErr error) {
	if !core.IsFatal(deliverErr) {
		s.breaker.RecordFailure(h, deliverErr.Error(), now)
		s.saveHealth(ctx, h)
		if h.CircuitState == domain.CircuitOpen && h.ConsecutiveFailures >= 1 {
			s.observability.RecordCircuitTrip(ctx, entry.DestinationID)
		}
		s.raiseConsecutiveFailureAlert(ctx, entry, h, now)
	}

	kind := "webhook"
	if dest != nil {
		kind = string(dest.Kind)
	}
	s.observability.RecordDeliveryAttempt(ctx, kind, "failure")

	maxRetries := entry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}

	if core.IsFatal(deliverErr) || !s.retry.ShouldRetry(deliverErr, attemptNumber, maxRetries) {
		s.terminalFail(ctx, entry, attemptNumber, now, deliverErr.Error())
		return
	}

	nextRetry := s.retry.NextAttemptAt(now, attemptNumber)
	s.reschedule(ctx, entry, attemptNumber, now, nextRetry, deliverErr.Error())
	s.observability.RecordRetryAttempt(ctx, kind, attemptNumber)
}

func (s *Scheduler) reschedule(ctx context.Context, entry *domain.QueueEntry, attemptNumber int, now time.Time, nextRetryAt time.Time, errMsg string) {
	entry.Status = domain.StatusPending
	entry.RetryCount = attemptNumber
	entry.NextRetryAt = &nextRetryAt
	entry.UpdatedAt = now
	entry.Metadata.LastError = errMsg
	entry.Metadata.Attempts = append(entry.Metadata.Attempts, domain.AttemptRecord{
		AttemptNumber: attemptNumber,
		StartedAt:     now,
		FinishedAt:    now,
		Success:       false,
		Error:         errMsg,
	})

	if err := s.queue.Update(ctx, entry); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to persist rescheduled entry", map[string]interface{}{"queue_entry_id": entry.ID, "error": err.Error()})
	}
}

func (s *Scheduler) terminalFail(ctx context.Context, entry *domain.QueueEntry, attemptNumber int, now time.Time, reason string) {
	s.failTerminal(ctx, entry, attemptNumber, now, reason, &now)
}

func (s *Scheduler) failTerminal(ctx context.Context, entry *domain.QueueEntry, attemptNumber int, now time.Time, reason string, processedAt *time.Time) {
	entry.Status = domain.StatusFailed
	entry.UpdatedAt = now
	entry.ProcessedAt = processedAt
	entry.Metadata.LastError = reason
	entry.Metadata.Attempts = append(entry.Metadata.Attempts, domain.AttemptRecord{
		AttemptNumber: attemptNumber,
		StartedAt:     now,
		FinishedAt:    now,
		Success:       false,
		Error:         reason,
	})

	if err := s.queue.Update(ctx, entry); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to persist failed entry", map[string]interface{}{"queue_entry_id": entry.ID, "error": err.Error()})
	}

	s.writeDeliveryLog(ctx, entry, domain.OutcomeFailed, attemptNumber, now, reason)
}

func (s *Scheduler) writeDeliveryLog(ctx context.Context, entry *domain.QueueEntry, outcome domain.DeliveryOutcome, attemptCount int, now time.Time, finalError string) {
	if s.deliveryLogs == nil {
		return
	}
	firstAttempt := entry.CreatedAt
	if len(entry.Metadata.Attempts) > 0 {
		firstAttempt = entry.Metadata.Attempts[0].StartedAt
	}
	log := &domain.DeliveryLog{
		ID:             entry.DeliveryID + ":" + entry.DestinationID,
		OrganisationID: entry.OrganisationID,
		DeliveryID:     entry.DeliveryID,
		DestinationID:  entry.DestinationID,
		QueueEntryID:   entry.ID,
		Outcome:        outcome,
		AttemptCount:   attemptCount,
		CorrelationID:  entry.CorrelationID,
		IdempotencyKey: entry.IdempotencyKey,
		FinalError:     finalError,
		FirstAttemptAt: firstAttempt,
		CompletedAt:    now,
		CreatedAt:      now,
	}
	if err := s.deliveryLogs.Create(ctx, log); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to write delivery log", map[string]interface{}{"delivery_id": entry.DeliveryID, "error": err.Error()})
	}
}

func (s *Scheduler) saveHealth(ctx context.Context, h *domain.DestinationHealth) {
	if err := s.health.Save(ctx, h); err != nil {
		s.logger.ErrorWithContext(ctx, "failed to persist destination health", map[string]interface{}{"destination_id": h.DestinationID, "error": err.Error()})
		return
	}
	s.observability.RecordHealthSample(ctx, h.DestinationID, string(h.Status))
}

// raiseConsecutiveFailureAlert feeds every recorded failure through the
// debouncer as a consecutive_failures event once the destination has
// degraded past healthy. The debouncer's own window/cooldown/cap logic
// decides how many of these actually reach a notifier.
func (s *Scheduler) raiseConsecutiveFailureAlert(ctx context.Context, entry *domain.QueueEntry, h *domain.DestinationHealth, now time.Time) {
	if s.debouncer == nil || h.Status == domain.HealthHealthy {
		return
	}
	message := fmt.Sprintf("destination %s has %d consecutive failures (status=%s)", h.DestinationID, h.ConsecutiveFailures, h.Status)
	allowed, err := s.debouncer.Evaluate(ctx, domain.DebounceConsecutiveFailures, entry.DestinationID, entry.OrganisationID, message, now)
	if err != nil {
		s.logger.Warn("consecutive failure alert evaluation failed", map[string]interface{}{"destination_id": h.DestinationID, "error": err.Error()})
		return
	}
	if allowed {
		s.logger.Warn("consecutive failure alert raised", map[string]interface{}{
			"destination_id": h.DestinationID, "organisation_id": entry.OrganisationID, "consecutive_failures": h.ConsecutiveFailures, "status": string(h.Status),
		})
	}
}

// CancelDelivery sets every still-pending queue entry for deliveryID to
// cancelled. Entries already processing are left to complete normally
// (cancellation leaves in-flight work alone).
func (s *Scheduler) CancelDelivery(ctx context.Context, organisationID, deliveryID string) error {
	entries, err := s.queue.ListByDelivery(ctx, organisationID, deliveryID)
	if err != nil {
		return fmt.Errorf("scheduler: failed to list delivery entries: %w", err)
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.Status != domain.StatusPending {
			continue
		}
		entry.Status = domain.StatusCancelled
		entry.UpdatedAt = now
		if err := s.queue.Update(ctx, entry); err != nil {
			s.logger.ErrorWithContext(ctx, "failed to cancel queue entry", map[string]interface{}{"queue_entry_id": entry.ID, "error": err.Error()})
			continue
		}
		s.writeDeliveryLog(ctx, entry, domain.OutcomeCancelled, entry.RetryCount+1, now, "cancelled by operator")
	}
	return nil
}

// QueueStatus reports a coarse snapshot of queue depth for one organisation,
// used by QueueStatus()/health endpoints.
type QueueStatus struct {
	OrganisationID string
	Depth          int64
	Pending        int
	Processing     int
	Completed      int
	Failed         int
	Cancelled      int
}

func (s *Scheduler) QueueStatus(ctx context.Context, organisationID string) (*QueueStatus, error) {
	depth, err := s.queue.Depth(ctx, organisationID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to read queue depth: %w", err)
	}
	status := &QueueStatus{OrganisationID: organisationID, Depth: depth}
	for st, dst := range map[domain.QueueStatus]*int{
		domain.StatusPending:    &status.Pending,
		domain.StatusProcessing: &status.Processing,
		domain.StatusCompleted:  &status.Completed,
		domain.StatusFailed:     &status.Failed,
		domain.StatusCancelled:  &status.Cancelled,
	} {
		entries, err := s.queue.ListByStatus(ctx, organisationID, st, 0)
		if err != nil {
			return nil, fmt.Errorf("scheduler: failed to list entries by status %q: %w", st, err)
		}
		*dst = len(entries)
	}
	return status, nil
}
