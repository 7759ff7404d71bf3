package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaydeliver/engine/core"
)

// ConsoleObservability logs every recorded metric through core.Logger
// instead of exporting it, useful for development profiles that want
// visible signal without standing up a collector.
type ConsoleObservability struct {
	logger core.Logger
}

func NewConsoleObservability(logger core.Logger) *ConsoleObservability {
	return &ConsoleObservability{logger: core.WithComponentLogger(logger, "telemetry/console")}
}

func (c *ConsoleObservability) RecordDeliveryAttempt(ctx context.Context, destinationKind, outcome string) {
	c.logger.Debug("delivery attempt", map[string]interface{}{"destination_kind": destinationKind, "outcome": outcome})
}

func (c *ConsoleObservability) RecordPayloadSize(ctx context.Context, destinationKind string, bytes int64) {
	c.logger.Debug("payload size", map[string]interface{}{"destination_kind": destinationKind, "bytes": bytes})
}

func (c *ConsoleObservability) RecordQueueDepth(ctx context.Context, organisationID string, depth int64) {
	c.logger.Debug("queue depth", map[string]interface{}{"organisation_id": organisationID, "depth": depth})
}

func (c *ConsoleObservability) RecordRetryAttempt(ctx context.Context, destinationKind string, attemptNumber int) {
	c.logger.Debug("retry attempt", map[string]interface{}{"destination_kind": destinationKind, "attempt_number": attemptNumber})
}

func (c *ConsoleObservability) RecordProcessingTime(ctx context.Context, destinationKind string, d time.Duration) {
	c.logger.Debug("processing time", map[string]interface{}{"destination_kind": destinationKind, "duration_ms": d.Milliseconds()})
}

func (c *ConsoleObservability) RecordCircuitStateChange(ctx context.Context, destinationID, from, to string) {
	c.logger.Info("circuit state change", map[string]interface{}{"destination_id": destinationID, "from": from, "to": to})
}

func (c *ConsoleObservability) RecordCircuitTrip(ctx context.Context, destinationID string) {
	c.logger.Warn("circuit tripped", map[string]interface{}{"destination_id": destinationID})
}

func (c *ConsoleObservability) RecordHealthSample(ctx context.Context, destinationID, status string) {
	c.logger.Debug("health sample", map[string]interface{}{"destination_id": destinationID, "status": status})
}

func (c *ConsoleObservability) RecordAlertGenerated(ctx context.Context, kind, severity string) {
	c.logger.Warn("alert generated", map[string]interface{}{"kind": kind, "severity": severity})
}

func (c *ConsoleObservability) RecordAlertResolved(ctx context.Context, kind string) {
	c.logger.Info("alert resolved", map[string]interface{}{"kind": kind})
}

// StartDeliverySpan logs the span's start rather than exporting a real
// trace, and returns the no-op span already attached to ctx so callers can
// still call span.End() unconditionally.
func (c *ConsoleObservability) StartDeliverySpan(ctx context.Context, deliveryID, queueEntryID, destinationKind string) (context.Context, trace.Span) {
	c.logger.Debug("delivery span started", map[string]interface{}{
		"delivery_id":      deliveryID,
		"queue_entry_id":   queueEntryID,
		"destination_kind": destinationKind,
	})
	return ctx, trace.SpanFromContext(ctx)
}

var _ Observability = (*ConsoleObservability)(nil)
