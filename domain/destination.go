// Package domain holds the data model shared by every component of the
// delivery engine: destinations, queue entries, health records, debounce
// state, maintenance windows, and delivery logs. Types here carry no
// persistence or transport concerns — those live in store and handlers.
package domain

import (
	"encoding/json"
	"time"
)

// DestinationKind enumerates the supported delivery transports.
type DestinationKind string

const (
	KindWebhook  DestinationKind = "webhook"
	KindEmail    DestinationKind = "email"
	KindStorage  DestinationKind = "storage"
	KindSFTP     DestinationKind = "sftp"
	KindDownload DestinationKind = "download"
)

// Destination is a configured sink for a payload. Config is opaque to the
// core engine — only the handler for Kind interprets it.
type Destination struct {
	ID             string          `json:"id"`
	OrganisationID string          `json:"organisationId"`
	Kind           DestinationKind `json:"kind"`
	Label          string          `json:"label"`
	Config         json.RawMessage `json:"config"`

	Disabled         bool       `json:"disabled"`
	DisabledAt       *time.Time `json:"disabledAt,omitempty"`
	DisabledByActor  string     `json:"disabledByActor,omitempty"`
	DisabledReason   string     `json:"disabledReason,omitempty"`

	UsageCount int64 `json:"usageCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsUsable reports whether a destination may currently be dispatched to: it
// must not be manually disabled. Health-based auto-disable is evaluated
// separately by the resilience package (a destination.Disabled=false
// destination can still be refused dispatch because its rolling health
// status is "disabled").
func (d *Destination) IsUsable() bool {
	return d != nil && !d.Disabled
}
