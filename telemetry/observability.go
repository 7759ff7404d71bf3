package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Observability is the port every component records delivery metrics
// through. Handlers, the scheduler, and the alerting package all depend on
// this interface rather than on OpenTelemetry directly.
type Observability interface {
	RecordDeliveryAttempt(ctx context.Context, destinationKind, outcome string)
	RecordPayloadSize(ctx context.Context, destinationKind string, bytes int64)
	RecordQueueDepth(ctx context.Context, organisationID string, depth int64)
	RecordRetryAttempt(ctx context.Context, destinationKind string, attemptNumber int)
	RecordProcessingTime(ctx context.Context, destinationKind string, d time.Duration)
	RecordCircuitStateChange(ctx context.Context, destinationID, from, to string)
	RecordCircuitTrip(ctx context.Context, destinationID string)
	RecordHealthSample(ctx context.Context, destinationID, status string)
	RecordAlertGenerated(ctx context.Context, kind, severity string)
	RecordAlertResolved(ctx context.Context, kind string)

	// StartDeliverySpan opens a span covering one dispatch attempt, tagged
	// with the delivery and queue entry IDs so a trace backend can
	// correlate retries of the same delivery. Callers must end the
	// returned span.
	StartDeliverySpan(ctx context.Context, deliveryID, queueEntryID, destinationKind string) (context.Context, trace.Span)
}

// OtelObservability implements Observability on top of the global
// OpenTelemetry meter and tracer providers, wired by cmd/deliveryengine at
// startup.
type OtelObservability struct {
	inst   *instruments
	tracer trace.Tracer
}

func NewOtelObservability() *OtelObservability {
	return &OtelObservability{
		inst:   newInstruments("relaydeliver/engine"),
		tracer: otel.Tracer("relaydeliver/engine"),
	}
}

func (o *OtelObservability) StartDeliverySpan(ctx context.Context, deliveryID, queueEntryID, destinationKind string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "delivery.dispatch", trace.WithAttributes(
		attribute.String("delivery_id", deliveryID),
		attribute.String("queue_entry_id", queueEntryID),
		attribute.String("destination_kind", destinationKind),
	))
}

func (o *OtelObservability) RecordDeliveryAttempt(ctx context.Context, destinationKind, outcome string) {
	o.inst.addCounter(ctx, "delivery.attempts", 1, metric.WithAttributes(
		attribute.String("destination_kind", destinationKind),
		attribute.String("outcome", outcome),
	))
}

func (o *OtelObservability) RecordPayloadSize(ctx context.Context, destinationKind string, bytes int64) {
	o.inst.recordHistogram(ctx, "delivery.payload_bytes", float64(bytes), metric.WithAttributes(
		attribute.String("destination_kind", destinationKind),
	))
}

func (o *OtelObservability) RecordQueueDepth(ctx context.Context, organisationID string, depth int64) {
	o.inst.addUpDown(ctx, "queue.depth", depth, metric.WithAttributes(
		attribute.String("organisation_id", organisationID),
	))
}

func (o *OtelObservability) RecordRetryAttempt(ctx context.Context, destinationKind string, attemptNumber int) {
	o.inst.addCounter(ctx, "delivery.retries", 1, metric.WithAttributes(
		attribute.String("destination_kind", destinationKind),
		attribute.Int("attempt_number", attemptNumber),
	))
}

func (o *OtelObservability) RecordProcessingTime(ctx context.Context, destinationKind string, d time.Duration) {
	o.inst.recordHistogram(ctx, "delivery.processing_time_ms", float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("destination_kind", destinationKind),
	))
}

func (o *OtelObservability) RecordCircuitStateChange(ctx context.Context, destinationID, from, to string) {
	o.inst.addCounter(ctx, "breaker.state_changes", 1, metric.WithAttributes(
		attribute.String("destination_id", destinationID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (o *OtelObservability) RecordCircuitTrip(ctx context.Context, destinationID string) {
	o.inst.addCounter(ctx, "breaker.trips", 1, metric.WithAttributes(
		attribute.String("destination_id", destinationID),
	))
}

func (o *OtelObservability) RecordHealthSample(ctx context.Context, destinationID, status string) {
	o.inst.addCounter(ctx, "health.samples", 1, metric.WithAttributes(
		attribute.String("destination_id", destinationID),
		attribute.String("status", status),
	))
}

func (o *OtelObservability) RecordAlertGenerated(ctx context.Context, kind, severity string) {
	o.inst.addCounter(ctx, "alerts.generated", 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("severity", severity),
	))
}

func (o *OtelObservability) RecordAlertResolved(ctx context.Context, kind string) {
	o.inst.addCounter(ctx, "alerts.resolved", 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

var _ Observability = (*OtelObservability)(nil)

// NoOpObservability discards every recording, used when telemetry is
// disabled by configuration.
type NoOpObservability struct{}

func (NoOpObservability) RecordDeliveryAttempt(context.Context, string, string)     {}
func (NoOpObservability) RecordPayloadSize(context.Context, string, int64)         {}
func (NoOpObservability) RecordQueueDepth(context.Context, string, int64)          {}
func (NoOpObservability) RecordRetryAttempt(context.Context, string, int)          {}
func (NoOpObservability) RecordProcessingTime(context.Context, string, time.Duration) {}
func (NoOpObservability) RecordCircuitStateChange(context.Context, string, string, string) {}
func (NoOpObservability) RecordCircuitTrip(context.Context, string)                {}
func (NoOpObservability) RecordHealthSample(context.Context, string, string)       {}
func (NoOpObservability) RecordAlertGenerated(context.Context, string, string)      {}
func (NoOpObservability) RecordAlertResolved(context.Context, string)              {}

func (NoOpObservability) StartDeliverySpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

var _ Observability = NoOpObservability{}
