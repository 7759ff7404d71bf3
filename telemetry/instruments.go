// Package telemetry provides the Observability port used throughout the
// engine and three implementations: an OpenTelemetry-backed recorder for
// production, a console sink for local development and a no-op sink.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// instruments lazily creates and caches OpenTelemetry metric instruments by
// name, so call sites never have to thread a reference to a particular
// counter/histogram through the codebase — they just name the metric.
type instruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	upDowns    map[string]metric.Int64UpDownCounter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex
}

func newInstruments(meterName string) *instruments {
	return &instruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		upDowns:    make(map[string]metric.Int64UpDownCounter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *instruments) counter(name string) (metric.Int64Counter, error) {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create counter %s: %w", name, err)
	}
	m.counters[name] = c
	return c, nil
}

func (m *instruments) upDownCounter(name string) (metric.Int64UpDownCounter, error) {
	m.mu.RLock()
	c, ok := m.upDowns[name]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.upDowns[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64UpDownCounter(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create up/down counter %s: %w", name, err)
	}
	m.upDowns[name] = c
	return c, nil
}

func (m *instruments) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create histogram %s: %w", name, err)
	}
	m.histograms[name] = h
	return h, nil
}

func (m *instruments) addCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) {
	c, err := m.counter(name)
	if err != nil {
		return
	}
	c.Add(ctx, value, opts...)
}

func (m *instruments) addUpDown(ctx context.Context, name string, value int64, opts ...metric.AddOption) {
	c, err := m.upDownCounter(name)
	if err != nil {
		return
	}
	c.Add(ctx, value, opts...)
}

func (m *instruments) recordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) {
	h, err := m.histogram(name)
	if err != nil {
		return
	}
	h.Record(ctx, value, opts...)
}
