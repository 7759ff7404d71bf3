package domain

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle state of a queue entry. Transitions must
// follow the DAG documented on QueueEntry.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether status is one from which no further transition
// is possible (completed, failed, cancelled).
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Payload is the kind-independent delivery payload. Data is opaque to the
// core engine: handlers alone interpret it according to Type.
type Payload struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// AttemptRecord captures one dispatch attempt against a queue entry, kept in
// Metadata so the full attempt history survives retries.
type AttemptRecord struct {
	AttemptNumber int       `json:"attemptNumber"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ResponseTime  time.Duration `json:"responseTimeNs"`
}

// QueueEntryMetadata accumulates cross-cutting, non-authoritative context
// about a queue entry: attempt history, the last error seen, and (on
// success) the handler-returned cross-system reference.
type QueueEntryMetadata struct {
	Attempts            []AttemptRecord `json:"attempts,omitempty"`
	LastError           string          `json:"lastError,omitempty"`
	CrossSystemReference string        `json:"crossSystemReference,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
}

// QueueEntry is the per-destination unit of work derived from a delivery
// submission. Status transitions form a DAG:
//
//	pending --dequeue--> processing
//	processing --handler ok--> completed (terminal)
//	processing --handler err, retryable, retryCount<max--> pending
//	processing --handler err, not retryable or exhausted--> failed (terminal)
//	pending --coordinator--> cancelled (terminal)
//	processing --stuck--> pending (retryCount unchanged)
type QueueEntry struct {
	ID             string `json:"id"`
	OrganisationID string `json:"organisationId"`
	DestinationID  string `json:"destinationId"`
	DeliveryID     string `json:"deliveryId"`

	Priority    int        `json:"priority"` // 0-10, higher dispatched first
	ScheduledAt time.Time  `json:"scheduledAt"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`

	Status      QueueStatus `json:"status"`
	RetryCount  int         `json:"retryCount"`
	MaxRetries  int         `json:"maxRetries"`

	Payload        Payload `json:"payload"`
	CorrelationID  string  `json:"correlationId,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey"`

	Metadata QueueEntryMetadata `json:"metadata"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// IsRetry reports whether this entry represents a retried attempt rather
// than a first dispatch.
func (q *QueueEntry) IsRetry() bool {
	return q.Status == StatusPending && q.RetryCount > 0
}

// Ready reports whether the entry is eligible for dequeue at instant now:
// pending, past its scheduled time, and (if set) past its retry time.
func (q *QueueEntry) Ready(now time.Time) bool {
	if q.Status != StatusPending {
		return false
	}
	if q.ScheduledAt.After(now) {
		return false
	}
	if q.NextRetryAt != nil && q.NextRetryAt.After(now) {
		return false
	}
	return true
}
