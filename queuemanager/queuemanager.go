// Package queuemanager implements the engine's background queue
// housekeeping: periodic metrics sampling, terminal-entry
// cleanup, and threshold alerting routed through the alert debouncer.
// Stuck-item recovery is owned by the scheduler (it already ticks against
// the same store and is the component already holding the in-flight set),
// so this package does not duplicate that sweep.
package queuemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaydeliver/engine/alerting"
	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/store"
	"github.com/relaydeliver/engine/telemetry"
)

// severity ratios: value >= 3x threshold is critical,
// >= 2x is high, >= 1.5x is medium. Below 1.5x no alert is raised at all.
const (
	ratioCritical = 3.0
	ratioHigh     = 2.0
	ratioMedium   = 1.5
)

// Metrics is one sample of queue health for a single organisation.
type Metrics struct {
	OrganisationID string                       `json:"organisationId"`
	Depth          int64                        `json:"depth"`
	StatusCounts   map[domain.QueueStatus]int   `json:"statusCounts"`
	OldestPendingAge time.Duration              `json:"oldestPendingAgeNs"`
	AvgProcessingTime time.Duration             `json:"avgProcessingTimeNs"`
	FailureRatePercent float64                  `json:"failureRatePercent"`
	SampledAt      time.Time                    `json:"sampledAt"`
}

// Manager runs the periodic sampling/cleanup/alerting loop and answers
// on-demand metrics queries.
type Manager struct {
	queue        store.QueueStore
	deliveryLogs store.DeliveryLogStore
	debouncer    *alerting.Debouncer
	observability telemetry.Observability
	logger       core.Logger
	cfg          config.QueueConfig

	mu    sync.Mutex
	orgs  map[string]struct{}

	cancel context.CancelFunc
	doneCh chan struct{}
}

func New(queue store.QueueStore, deliveryLogs store.DeliveryLogStore, debouncer *alerting.Debouncer, obs telemetry.Observability, logger core.Logger, cfg config.QueueConfig) *Manager {
	if obs == nil {
		obs = telemetry.NoOpObservability{}
	}
	return &Manager{
		queue:         queue,
		deliveryLogs:  deliveryLogs,
		debouncer:     debouncer,
		observability: obs,
		logger:        core.WithComponentLogger(logger, "queuemanager"),
		cfg:           cfg,
		orgs:          make(map[string]struct{}),
	}
}

// Track registers organisationID so the periodic sampling/alerting loop
// considers it. The coordinator calls this on every submission it handles,
// since that is the cheapest point at which a live organisation is known.
func (m *Manager) Track(organisationID string) {
	if organisationID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[organisationID] = struct{}{}
}

func (m *Manager) trackedOrgs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.orgs))
	for id := range m.orgs {
		out = append(out, id)
	}
	return out
}

// Start runs the metrics-sampling and cleanup loops until ctx is cancelled
// or Stop is called. It blocks, so callers typically invoke it in its own
// goroutine.
func (m *Manager) Start(ctx context.Context) error {
	driverCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	defer close(m.doneCh)

	metricsInterval := m.cfg.MetricsSampleInterval
	if metricsInterval <= 0 {
		metricsInterval = 30 * time.Second
	}
	cleanupInterval := m.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 15 * time.Minute
	}

	metricsTicker := time.NewTicker(metricsInterval)
	defer metricsTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	m.logger.Info("queue manager started", map[string]interface{}{
		"metrics_interval": metricsInterval.String(),
		"cleanup_interval": cleanupInterval.String(),
	})

	for {
		select {
		case <-driverCtx.Done():
			m.logger.Info("queue manager stopping", nil)
			return nil
		case <-metricsTicker.C:
			m.sampleAll(driverCtx)
		case <-cleanupTicker.C:
			m.cleanup(driverCtx)
		}
	}
}

// Stop cancels the driver loop and waits for it to exit, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sampleAll(ctx context.Context) {
	for _, orgID := range m.trackedOrgs() {
		metrics, err := m.Sample(ctx, orgID)
		if err != nil {
			m.logger.Warn("metrics sampling failed", map[string]interface{}{"organisation_id": orgID, "error": err.Error()})
			continue
		}
		m.observability.RecordQueueDepth(ctx, orgID, metrics.Depth)
		m.checkThresholds(ctx, *metrics)
	}
}

// Sample computes one Metrics snapshot for organisationID on demand (used
// both by the periodic loop and by the HTTP facade's "get metrics"
// operation).
func (m *Manager) Sample(ctx context.Context, organisationID string) (*Metrics, error) {
	now := time.Now()

	depth, err := m.queue.Depth(ctx, organisationID)
	if err != nil {
		return nil, fmt.Errorf("queuemanager: failed to read depth: %w", err)
	}

	statusCounts := make(map[domain.QueueStatus]int)
	var oldestPending time.Duration
	for _, status := range []domain.QueueStatus{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		entries, err := m.queue.ListByStatus(ctx, organisationID, status, 0)
		if err != nil {
			return nil, fmt.Errorf("queuemanager: failed to list entries by status %q: %w", status, err)
		}
		statusCounts[status] = len(entries)
		if status == domain.StatusPending {
			for _, e := range entries {
				age := now.Sub(e.ScheduledAt)
				if age > oldestPending {
					oldestPending = age
				}
			}
		}
	}

	logs, err := m.deliveryLogs.List(ctx, organisationID, 200)
	if err != nil {
		return nil, fmt.Errorf("queuemanager: failed to list delivery logs: %w", err)
	}
	var avgProcessing time.Duration
	var failureRate float64
	if len(logs) > 0 {
		var totalProcessing time.Duration
		failures := 0
		for _, l := range logs {
			totalProcessing += l.CompletedAt.Sub(l.FirstAttemptAt)
			if l.Outcome == domain.OutcomeFailed {
				failures++
			}
		}
		avgProcessing = totalProcessing / time.Duration(len(logs))
		failureRate = float64(failures) / float64(len(logs)) * 100
	}

	return &Metrics{
		OrganisationID:     organisationID,
		Depth:              depth,
		StatusCounts:       statusCounts,
		OldestPendingAge:   oldestPending,
		AvgProcessingTime:  avgProcessing,
		FailureRatePercent: failureRate,
		SampledAt:          now,
	}, nil
}

// checkThresholds implements threshold alerting: each
// monitored dimension is compared against its configured warn threshold and,
// if crossed, routed through the debouncer at a severity derived from how
// far over threshold the observed value is.
func (m *Manager) checkThresholds(ctx context.Context, metrics Metrics) {
	m.raiseIfOverThreshold(ctx, domain.DebounceQueueBacklog, metrics.OrganisationID,
		float64(metrics.Depth), float64(m.cfg.BacklogWarnThreshold),
		fmt.Sprintf("queue depth %d exceeds warn threshold %d", metrics.Depth, m.cfg.BacklogWarnThreshold))

	if m.cfg.OldestPendingAgeWarnThreshold > 0 {
		m.raiseIfOverThreshold(ctx, domain.DebounceQueueBacklog, metrics.OrganisationID,
			float64(metrics.OldestPendingAge), float64(m.cfg.OldestPendingAgeWarnThreshold),
			fmt.Sprintf("oldest pending entry age %s exceeds warn threshold %s", metrics.OldestPendingAge, m.cfg.OldestPendingAgeWarnThreshold))
	}

	if m.cfg.ProcessingTimeWarnThreshold > 0 {
		m.raiseIfOverThreshold(ctx, domain.DebounceResponseTime, metrics.OrganisationID,
			float64(metrics.AvgProcessingTime), float64(m.cfg.ProcessingTimeWarnThreshold),
			fmt.Sprintf("average processing time %s exceeds warn threshold %s", metrics.AvgProcessingTime, m.cfg.ProcessingTimeWarnThreshold))
	}

	if m.cfg.FailureRatePercentWarnThreshold > 0 {
		m.raiseIfOverThreshold(ctx, domain.DebounceFailureRate, metrics.OrganisationID,
			metrics.FailureRatePercent, m.cfg.FailureRatePercentWarnThreshold,
			fmt.Sprintf("failure rate %.1f%% exceeds warn threshold %.1f%%", metrics.FailureRatePercent, m.cfg.FailureRatePercentWarnThreshold))
	}
}

func (m *Manager) raiseIfOverThreshold(ctx context.Context, kind domain.DebounceKind, organisationID string, value, threshold float64, message string) {
	if threshold <= 0 || value < threshold {
		return
	}
	ratio := value / threshold
	severity := severityForRatio(ratio)
	if severity == "" {
		return
	}

	if m.debouncer == nil {
		return
	}
	allowed, err := m.debouncer.Evaluate(ctx, kind, "", organisationID, fmt.Sprintf("[%s] %s", severity, message), time.Now())
	if err != nil {
		m.logger.Warn("threshold alert evaluation failed", map[string]interface{}{"kind": string(kind), "error": err.Error()})
		return
	}
	if allowed {
		m.logger.Warn("threshold alert raised", map[string]interface{}{
			"kind": string(kind), "organisation_id": organisationID, "severity": severity, "ratio": ratio,
		})
	}
}

func severityForRatio(ratio float64) string {
	switch {
	case ratio >= ratioCritical:
		return "critical"
	case ratio >= ratioHigh:
		return "high"
	case ratio >= ratioMedium:
		return "medium"
	default:
		return ""
	}
}

// cleanup implements the terminal-entry retention policy: terminal entries are
// deleted once they age past the retention configured for their own
// status.
func (m *Manager) cleanup(ctx context.Context) {
	now := time.Now()
	fallback := m.cfg.TerminalRetention
	if fallback <= 0 {
		fallback = 72 * time.Hour
	}

	cutoffs := map[domain.QueueStatus]time.Time{
		domain.StatusCompleted: now.Add(-retentionOrFallback(m.cfg.CompletedRetention, fallback)),
		domain.StatusFailed:    now.Add(-retentionOrFallback(m.cfg.FailedRetention, fallback)),
		domain.StatusCancelled: now.Add(-retentionOrFallback(m.cfg.CancelledRetention, fallback)),
	}

	removed, err := m.queue.DeleteTerminalBefore(ctx, cutoffs)
	if err != nil {
		m.logger.Warn("cleanup sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if removed > 0 {
		m.logger.Info("cleanup sweep removed terminal entries", map[string]interface{}{"removed": removed})
	}
}

func retentionOrFallback(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
