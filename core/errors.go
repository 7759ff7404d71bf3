// Package core provides the ambient primitives shared by every component of
// the delivery engine: structured errors and the logging interface.
// Nothing in this package depends on Redis, HTTP, or any
// other external concern.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison via errors.Is(). These map onto the
// abstract error taxonomy in the delivery engine's error handling design:
// ValidationError, AuthError, NotFound, Transient, CircuitOpen, Fatal.
var (
	// Validation errors - caller input, never retried.
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNoDestinations  = errors.New("no destinations resolved")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
	ErrInvalidPriority = errors.New("priority out of range")

	// Auth errors - non-retryable, count toward circuit-breaker failures.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthorizationDenied  = errors.New("authorization denied")

	// Not-found errors - non-retryable.
	ErrDestinationNotFound = errors.New("destination not found")
	ErrQueueEntryNotFound  = errors.New("queue entry not found")
	ErrDeliveryNotFound    = errors.New("delivery not found")

	// Config errors - non-retryable, caller/operator must fix.
	ErrInvalidConfig = errors.New("invalid destination configuration")

	// Transient errors - retryable, count toward circuit-breaker failures.
	ErrTransient = errors.New("transient delivery error")

	// CircuitOpen - breaker refused dispatch. Retryable at the scheduler
	// level but does not count as a handler failure for health metrics.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// Fatal - internal invariant violation. Does not count against health.
	ErrFatal = errors.New("internal invariant violation")

	// Idempotency / state errors.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrAlreadyRunning          = errors.New("already running")
	ErrNotRunning              = errors.New("not running")

	// Organisation isolation.
	ErrCrossOrganisationAccess = errors.New("cross-organisation access denied")

	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// EngineError carries structured context around a wrapped error: which
// operation failed, what kind of error it was, and the entity ID involved.
// It implements error and supports errors.Is/As via Unwrap.
type EngineError struct {
	Op      string // operation that failed, e.g. "coordinator.SubmitDelivery"
	Kind    string // abstract kind, e.g. "validation", "transient", "circuit_open"
	ID      string // entity ID involved, if any
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewEngineError wraps err with operation/kind context.
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// WithID returns a copy of the error with an entity ID attached.
func (e *EngineError) WithID(id string) *EngineError {
	cp := *e
	cp.ID = id
	return &cp
}

// IsValidation reports whether err is a caller-input validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrNoDestinations) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrInvalidPriority)
}

// IsAuthError reports whether err is an authentication/authorization failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrAuthorizationDenied)
}

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDestinationNotFound) ||
		errors.Is(err, ErrQueueEntryNotFound) ||
		errors.Is(err, ErrDeliveryNotFound)
}

// IsFatal reports whether err is an internal invariant violation that must
// never count against destination health.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// ErrInvalidPayload is kept distinct from ErrInvalidRequest since the retry
// policy classifies it as InvalidPayload specifically.
var ErrInvalidPayload = errors.New("invalid payload")

// nonRetryable is the fixed denylist from the retry policy: these
// error kinds are never retried regardless of attempt number.
var nonRetryable = []error{
	ErrInvalidConfig,
	ErrAuthenticationFailed,
	ErrAuthorizationDenied,
	ErrDestinationNotFound,
	ErrInvalidPayload,
}

// IsDenylistedKind reports whether err belongs to the retry policy's fixed
// non-retryable denylist (InvalidConfig, AuthenticationFailed,
// AuthorizationDenied, InvalidPayload, DestinationNotFound).
func IsDenylistedKind(err error) bool {
	for _, sentinel := range nonRetryable {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
