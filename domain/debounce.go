package domain

import "time"

// DebounceKind distinguishes the category of alert being suppressed, since
// the same destination can have independent debounce windows for different
// concerns (e.g. "consecutive_failures" vs "response_time").
type DebounceKind string

const (
	DebounceFailureRate         DebounceKind = "failure_rate"
	DebounceConsecutiveFailures DebounceKind = "consecutive_failures"
	DebounceQueueBacklog        DebounceKind = "queue_backlog"
	DebounceResponseTime        DebounceKind = "response_time"
)

// EscalationSeverity names the four rungs of the alert escalation ladder.
type EscalationSeverity string

const (
	SeverityLow      EscalationSeverity = "low"
	SeverityMedium   EscalationSeverity = "medium"
	SeverityHigh     EscalationSeverity = "high"
	SeverityCritical EscalationSeverity = "critical"
)

// DebounceState tracks alert suppression for one (kind, destination,
// organisation) triple across a rolling window, per the debounce/escalation
// algorithm: a window accumulates alert counts, resets on rollover, suppresses
// once a per-window cap is hit, and escalates severity the longer the
// underlying condition persists.
type DebounceState struct {
	Kind           DebounceKind `json:"kind"`
	DestinationID  string       `json:"destinationId"`
	OrganisationID string       `json:"organisationId"`

	WindowStartedAt time.Time `json:"windowStartedAt"`
	WindowCount     int       `json:"windowCount"`

	CooldownUntil   *time.Time `json:"cooldownUntil,omitempty"`
	SuppressedUntil *time.Time `json:"suppressedUntil,omitempty"`

	EscalationLevel  int        `json:"escalationLevel"`
	NextEscalationAt *time.Time `json:"nextEscalationAt,omitempty"`

	LastAlertAt    *time.Time `json:"lastAlertAt,omitempty"`
	LastResolvedAt *time.Time `json:"lastResolvedAt,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the canonical identity for this debounce bucket, used as the
// store lookup key.
func (d *DebounceState) Key() string {
	return string(d.Kind) + ":" + d.DestinationID + ":" + d.OrganisationID
}

// DebounceKey builds the same canonical identity from its parts, for callers
// that need to look a state up before one exists.
func DebounceKey(kind DebounceKind, destinationID, organisationID string) string {
	return string(kind) + ":" + destinationID + ":" + organisationID
}
