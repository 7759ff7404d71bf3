package domain

import "time"

// DeliveryOutcome is the terminal result recorded for a delivery log entry.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeFailed    DeliveryOutcome = "failed"
	OutcomeCancelled DeliveryOutcome = "cancelled"
)

// DeliveryLog is the durable, queryable record of a completed delivery
// attempt chain for one destination, kept independent of QueueEntry so
// terminal queue entries can be pruned without losing audit history.
type DeliveryLog struct {
	ID             string `json:"id"`
	OrganisationID string `json:"organisationId"`
	DeliveryID     string `json:"deliveryId"`
	DestinationID  string `json:"destinationId"`
	QueueEntryID   string `json:"queueEntryId"`

	Outcome      DeliveryOutcome `json:"outcome"`
	AttemptCount int             `json:"attemptCount"`

	CorrelationID  string `json:"correlationId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`

	FinalError string `json:"finalError,omitempty"`

	FirstAttemptAt time.Time `json:"firstAttemptAt"`
	CompletedAt    time.Time `json:"completedAt"`

	CreatedAt time.Time `json:"createdAt"`
}
