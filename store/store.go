// Package store defines the narrow persistence ports used by the rest of
// the engine and a Redis-backed implementation of each. Components depend
// on these interfaces, never on *redis.Client directly, so an alternate
// backend only needs to satisfy the relevant port.
package store

import (
	"context"
	"time"

	"github.com/relaydeliver/engine/domain"
)

// DestinationStore persists Destination records.
type DestinationStore interface {
	Create(ctx context.Context, d *domain.Destination) error
	Get(ctx context.Context, organisationID, id string) (*domain.Destination, error)
	Update(ctx context.Context, d *domain.Destination) error
	Delete(ctx context.Context, organisationID, id string) error
	List(ctx context.Context, organisationID string) ([]*domain.Destination, error)
}

// QueueStore persists QueueEntry records and provides the priority-ordered
// dequeue primitive the scheduler drives.
type QueueStore interface {
	Enqueue(ctx context.Context, e *domain.QueueEntry) error
	Get(ctx context.Context, organisationID, id string) (*domain.QueueEntry, error)
	Update(ctx context.Context, e *domain.QueueEntry) error

	// Dequeue atomically claims up to limit ready entries (status pending,
	// scheduledAt/nextRetryAt <= now), flips them to processing, and
	// returns them ordered by priority descending then scheduledAt
	// ascending. Entries claimed by one caller are invisible to another
	// until released back to pending or completed.
	Dequeue(ctx context.Context, limit int, now time.Time) ([]*domain.QueueEntry, error)

	// ReclaimStuck returns entries left in processing past olderThan and
	// atomically returns them to pending, leaving retryCount untouched.
	ReclaimStuck(ctx context.Context, olderThan time.Time) ([]*domain.QueueEntry, error)

	ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.QueueEntry, error)
	ListByStatus(ctx context.Context, organisationID string, status domain.QueueStatus, limit int) ([]*domain.QueueEntry, error)

	// DeleteTerminalBefore removes terminal entries whose UpdatedAt precedes
	// the cutoff configured for their status in cutoffs, across every
	// organisation. A status absent from cutoffs is left untouched.
	DeleteTerminalBefore(ctx context.Context, cutoffs map[domain.QueueStatus]time.Time) (int, error)

	// Depth returns the number of entries currently pending dispatch.
	Depth(ctx context.Context, organisationID string) (int64, error)
}

// IdempotencyStore enforces at-most-once enqueue per idempotency key within
// a retention window.
type IdempotencyStore interface {
	// Reserve attempts to claim key for ttl, recording queueEntryID as the
	// value callers can later retrieve via Peek. Returns false if another
	// caller already holds it (duplicate submission) without overwriting the
	// existing value.
	Reserve(ctx context.Context, organisationID, key, queueEntryID string, ttl time.Duration) (bool, error)

	// Peek returns the queueEntryID recorded by the Reserve call that first
	// claimed key, or "" if key has never been reserved.
	Peek(ctx context.Context, organisationID, key string) (string, error)
}

// HealthStore persists DestinationHealth records.
type HealthStore interface {
	Get(ctx context.Context, organisationID, destinationID string) (*domain.DestinationHealth, error)
	Save(ctx context.Context, h *domain.DestinationHealth) error
	List(ctx context.Context, organisationID string) ([]*domain.DestinationHealth, error)
}

// DebounceStore persists DebounceState records keyed by (kind, destination,
// organisation).
type DebounceStore interface {
	Get(ctx context.Context, key string) (*domain.DebounceState, error)
	Save(ctx context.Context, s *domain.DebounceState) error
}

// MaintenanceStore persists MaintenanceWindow records.
type MaintenanceStore interface {
	Create(ctx context.Context, w *domain.MaintenanceWindow) error
	ListActive(ctx context.Context, organisationID string, now time.Time) ([]*domain.MaintenanceWindow, error)
	Delete(ctx context.Context, organisationID, id string) error
}

// DeliveryLogStore persists terminal DeliveryLog records, independent of
// queue entry lifetime.
type DeliveryLogStore interface {
	Create(ctx context.Context, l *domain.DeliveryLog) error
	Get(ctx context.Context, organisationID, id string) (*domain.DeliveryLog, error)
	ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.DeliveryLog, error)
	List(ctx context.Context, organisationID string, limit int) ([]*domain.DeliveryLog, error)
}

// SecretStore persists per-destination signing secrets used for webhook
// HMAC signatures, with rotation support: Rotate keeps the replaced secret
// as previous until the next rotation; it does not expire on a timer.
type SecretStore interface {
	Get(ctx context.Context, destinationID string) (current, previous string, err error)
	Rotate(ctx context.Context, destinationID, newSecret string) error
}

// LinkStore persists signed download-link tokens for the download
// destination kind.
type LinkStore interface {
	Put(ctx context.Context, token string, destinationID string, ttl time.Duration) error
	Resolve(ctx context.Context, token string) (destinationID string, err error)
}

// Store is the composition root every other package depends on. Per the
// design notes (favouring an interface hierarchy over inheritance),
// this is a flat facade of narrow ports rather than a deep hierarchy: the
// scheduler takes a QueueStore, the coordinator takes a Store (it needs
// several), the debouncer takes a DebounceStore + MaintenanceStore. Nothing
// in this package — and nothing that depends on it — needs the concrete
// Redis client type.
type Store struct {
	Destinations DestinationStore
	Queue        QueueStore
	Idempotency  IdempotencyStore
	Health       HealthStore
	Debounce     DebounceStore
	Maintenance  MaintenanceStore
	DeliveryLogs DeliveryLogStore
	Secrets      SecretStore
	Links        LinkStore
}
