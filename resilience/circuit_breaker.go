// Package resilience implements the per-destination circuit breaker and
// retry policy that gate and reschedule delivery attempts. Unlike an
// in-process breaker, state here lives on the persisted
// domain.DestinationHealth record so every scheduler worker, across every
// process, observes the same breaker state for a destination.
package resilience

import (
	"time"

	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// Tracker evaluates and mutates DestinationHealth records against the
// configured breaker thresholds. It holds no per-destination state itself;
// every method takes the record to operate on, so callers remain
// responsible for loading it from and saving it back to store.HealthStore.
type Tracker struct {
	cfg    config.BreakerConfig
	logger core.Logger
}

func NewTracker(cfg config.BreakerConfig, logger core.Logger) *Tracker {
	return &Tracker{cfg: cfg, logger: core.WithComponentLogger(logger, "resilience/breaker")}
}

// RecoveryTimeout returns the configured breaker recovery timeout, used by
// the scheduler to reschedule a CircuitOpen rejection at the instant the
// breaker is expected to move to half-open rather than the retry policy's
// normal exponential backoff.
func (t *Tracker) RecoveryTimeout() time.Duration {
	if t.cfg.RecoveryTimeout <= 0 {
		return 60 * time.Second
	}
	return t.cfg.RecoveryTimeout
}

// Permit reports whether a dispatch to this destination may proceed right
// now. A closed circuit always permits. An open circuit permits only once
// RecoveryTimeout has elapsed since it opened, at which point it transitions
// to half-open and lets the triggering call through as a trial. A half-open
// circuit always permits: trial requests are not limited to a fixed probe
// count, each one is judged on its own outcome via RecordSuccess/RecordFailure.
func (t *Tracker) Permit(h *domain.DestinationHealth, now time.Time) bool {
	if h == nil {
		return true
	}

	switch h.ForcedState {
	case "open":
		return false
	case "closed":
		return true
	}

	switch h.CircuitState {
	case domain.CircuitOpen:
		if h.CircuitOpenedAt != nil && now.Sub(*h.CircuitOpenedAt) >= t.cfg.RecoveryTimeout {
			t.transitionToHalfOpen(h, now)
			return true
		}
		return false
	case domain.CircuitHalfOpen:
		return true
	default:
		return true
	}
}

func (t *Tracker) transitionToHalfOpen(h *domain.DestinationHealth, now time.Time) {
	if h.CircuitState == domain.CircuitHalfOpen {
		return
	}
	t.logger.Info("circuit transitioning to half-open", map[string]interface{}{
		"destination_id": h.DestinationID,
	})
	h.CircuitState = domain.CircuitHalfOpen
	h.HalfOpenSuccesses = 0
	h.UpdatedAt = now
}

// RecordSuccess folds a successful attempt into h. While half-open, a
// success only increments the half-open success counter; the circuit
// doesn't close until SuccessThreshold consecutive trial successes have
// been observed. While closed, a success just resets the consecutive
// failure counter.
func (t *Tracker) RecordSuccess(h *domain.DestinationHealth, responseTime time.Duration, now time.Time) {
	h.TotalAttempts++
	h.TotalSuccesses++
	h.ConsecutiveFailures = 0
	h.RecordResponseTime(responseTime)
	h.LastAttemptAt = &now
	h.LastSuccessAt = &now
	h.UpdatedAt = now

	switch h.CircuitState {
	case domain.CircuitHalfOpen:
		h.HalfOpenSuccesses++
		successThreshold := t.cfg.SuccessThreshold
		if successThreshold <= 0 {
			successThreshold = 1
		}
		if h.HalfOpenSuccesses >= successThreshold {
			t.logger.Info("half-open trial succeeded enough, closing circuit", map[string]interface{}{
				"destination_id": h.DestinationID,
			})
			t.closeCircuit(h, now)
		}
	case domain.CircuitOpen:
		// Reaching here means the breaker opened abnormally (e.g. a
		// forced state was just cleared) and a success landed before
		// Permit ever transitioned it; treat it the same as a trial.
		t.transitionToHalfOpen(h, now)
	}

	h.Status = domain.ClassifyHealth(h.ConsecutiveFailures)
}

// RecordFailure folds a failed attempt into h and evaluates whether the
// breaker should trip. A failure observed while half-open reopens the
// circuit immediately, regardless of the volume/consecutive-failure gate
// below: a single failed trial is proof the destination isn't recovered
// yet. A failure observed while closed only opens the circuit once both
// FailureThreshold consecutive failures and VolumeThreshold total attempts
// have been reached, so a destination that has barely been dispatched to
// doesn't trip on a handful of unlucky attempts.
func (t *Tracker) RecordFailure(h *domain.DestinationHealth, errMsg string, now time.Time) {
	h.TotalAttempts++
	h.TotalFailures++
	h.ConsecutiveFailures++
	h.LastAttemptAt = &now
	h.LastFailureAt = &now
	h.LastError = errMsg
	h.UpdatedAt = now

	if h.CircuitState == domain.CircuitHalfOpen {
		t.logger.Warn("half-open trial failed, reopening circuit", map[string]interface{}{
			"destination_id": h.DestinationID,
		})
		t.openCircuit(h, now)
		h.Status = domain.ClassifyHealth(h.ConsecutiveFailures)
		return
	}

	if h.CircuitState != domain.CircuitOpen &&
		h.ConsecutiveFailures >= t.cfg.FailureThreshold &&
		h.TotalAttempts >= int64(t.cfg.VolumeThreshold) {
		t.openCircuit(h, now)
	}

	h.Status = domain.ClassifyHealth(h.ConsecutiveFailures)
}

func (t *Tracker) openCircuit(h *domain.DestinationHealth, now time.Time) {
	if h.CircuitState == domain.CircuitOpen {
		return
	}
	t.logger.Warn("circuit breaker opened", map[string]interface{}{
		"destination_id":       h.DestinationID,
		"consecutive_failures": h.ConsecutiveFailures,
	})
	h.CircuitState = domain.CircuitOpen
	h.CircuitOpenedAt = &now
	h.HalfOpenSuccesses = 0
}

func (t *Tracker) closeCircuit(h *domain.DestinationHealth, now time.Time) {
	h.CircuitState = domain.CircuitClosed
	h.CircuitOpenedAt = nil
	h.HalfOpenSuccesses = 0
	h.ConsecutiveFailures = 0
}

// ForceOpen manually pins the circuit open regardless of observed health,
// for operator-initiated destination suspension.
func (t *Tracker) ForceOpen(h *domain.DestinationHealth, reason string, now time.Time) {
	h.ForcedState = "open"
	h.ForcedReason = reason
	h.CircuitState = domain.CircuitOpen
	h.CircuitOpenedAt = &now
	h.UpdatedAt = now
}

// ForceClosed manually pins the circuit closed, overriding automatic
// tripping until ClearForce is called.
func (t *Tracker) ForceClosed(h *domain.DestinationHealth, reason string, now time.Time) {
	h.ForcedState = "closed"
	h.ForcedReason = reason
	h.CircuitState = domain.CircuitClosed
	h.CircuitOpenedAt = nil
	h.HalfOpenSuccesses = 0
	h.ConsecutiveFailures = 0
	h.UpdatedAt = now
}

// ClearForce returns h to automatic state evaluation.
func (t *Tracker) ClearForce(h *domain.DestinationHealth, now time.Time) {
	h.ForcedState = ""
	h.ForcedReason = ""
	h.UpdatedAt = now
}
