// Package alerting turns the raw stream of threshold events raised by the
// queue manager and the circuit breaker/health tracker into a
// bounded, deduplicated notification stream: duplicate alerts are
// suppressed within a rolling window, a cooldown bounds how often a given
// key can re-alert, and unresolved conditions escalate in severity over
// time.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/store"
	"github.com/relaydeliver/engine/telemetry"
)

// Debouncer implements a per-key suppression algorithm. One
// instance is shared across every (debounceKind, destinationId,
// organisationId) key; all state lives in store.DebounceStore so the
// algorithm is correct across restarts and multiple processes.
type Debouncer struct {
	cfg          config.AlertingConfig
	debounce     store.DebounceStore
	maintenance  store.MaintenanceStore
	notifiers    []Notifier
	observability telemetry.Observability
	logger       core.Logger
}

func NewDebouncer(cfg config.AlertingConfig, debounce store.DebounceStore, maintenance store.MaintenanceStore, obs telemetry.Observability, logger core.Logger, notifiers ...Notifier) *Debouncer {
	if obs == nil {
		obs = telemetry.NoOpObservability{}
	}
	return &Debouncer{
		cfg:           cfg,
		debounce:      debounce,
		maintenance:   maintenance,
		notifiers:     notifiers,
		observability: obs,
		logger:        core.WithComponentLogger(logger, "alerting/debouncer"),
	}
}

// Evaluate decides whether an event for (kind, destinationID,
// organisationID) should produce an alert right now, following the
// 7-step algorithm, and dispatches through every registered Notifier when
// it does. An empty destinationID means an organisation-wide condition (e.g.
// overall queue backlog).
func (d *Debouncer) Evaluate(ctx context.Context, kind domain.DebounceKind, destinationID, organisationID, message string, now time.Time) (allowed bool, err error) {
	if !d.cfg.Enabled {
		return false, nil
	}

	// Step 1: active maintenance window covering this kind suppresses.
	windows, err := d.maintenance.ListActive(ctx, organisationID, now)
	if err != nil {
		return false, fmt.Errorf("alerting: failed to list maintenance windows: %w", err)
	}
	for _, w := range windows {
		if w.Covers(destinationID, kind, now) {
			return false, nil
		}
	}

	key := domain.DebounceKey(kind, destinationID, organisationID)
	st, err := d.debounce.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("alerting: failed to load debounce state: %w", err)
	}

	// Step 2: no prior state -> allow, initialise.
	if st == nil {
		st = &domain.DebounceState{
			Kind:            kind,
			DestinationID:   destinationID,
			OrganisationID:  organisationID,
			WindowStartedAt: now,
			WindowCount:     1,
		}
		d.arm(st, now)
		return d.allow(ctx, st, message, now)
	}

	// Step 3: cooldown still active -> drop.
	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		return false, d.save(ctx, st)
	}

	// Step 4: explicit suppression window still active -> drop.
	if st.SuppressedUntil != nil && now.Before(*st.SuppressedUntil) {
		return false, d.save(ctx, st)
	}

	// Step 5: window expired -> roll it over.
	if now.After(st.WindowStartedAt.Add(d.cfg.DebounceWindow)) {
		st.WindowStartedAt = now
		st.WindowCount = 0
	}

	// Step 6: per-window cap reached -> suppress until window end, drop.
	if st.WindowCount >= d.cfg.MaxAlertsPerWindow {
		suppressedUntil := st.WindowStartedAt.Add(d.cfg.DebounceWindow)
		st.SuppressedUntil = &suppressedUntil
		return false, d.save(ctx, st)
	}

	// Step 7: allow, increment, arm cooldown/escalation.
	st.WindowCount++
	d.arm(st, now)
	return d.allow(ctx, st, message, now)
}

// arm sets the cooldown and, the first time through, the initial
// escalation deadline.
func (d *Debouncer) arm(st *domain.DebounceState, now time.Time) {
	cooldownUntil := now.Add(d.cfg.Cooldown)
	st.CooldownUntil = &cooldownUntil
	if st.NextEscalationAt == nil {
		next := now.Add(d.cfg.EscalationDelay)
		st.NextEscalationAt = &next
	}
}

func (d *Debouncer) allow(ctx context.Context, st *domain.DebounceState, message string, now time.Time) (bool, error) {
	d.checkEscalation(st, now)

	st.LastAlertAt = &now
	st.UpdatedAt = now
	if err := d.debounce.Save(ctx, st); err != nil {
		return false, fmt.Errorf("alerting: failed to save debounce state: %w", err)
	}

	alert := Alert{
		Kind:           st.Kind,
		DestinationID:  st.DestinationID,
		OrganisationID: st.OrganisationID,
		Severity:       severityForLevel(st.EscalationLevel),
		Level:          st.EscalationLevel,
		Channels:       channelsForLevel(st.EscalationLevel),
		Message:        message,
		OccurredAt:     now,
	}
	d.dispatch(ctx, alert)
	return true, nil
}

// checkEscalation bumps the escalation level when its deadline has passed.
// Rather than a separately polled check, this runs piggybacked on every
// allowed alert dispatch.
func (d *Debouncer) checkEscalation(st *domain.DebounceState, now time.Time) {
	if st.NextEscalationAt == nil {
		return
	}
	if now.Before(*st.NextEscalationAt) {
		return
	}
	if st.EscalationLevel >= topLevel {
		return
	}
	st.EscalationLevel++
	next := now.Add(d.cfg.EscalationDelay)
	st.NextEscalationAt = &next
}

func (d *Debouncer) dispatch(ctx context.Context, alert Alert) {
	d.observability.RecordAlertGenerated(ctx, string(alert.Kind), string(alert.Severity))
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			d.logger.Warn("notifier failed", map[string]interface{}{
				"kind":  string(alert.Kind),
				"error": err.Error(),
			})
		}
	}
}

func (d *Debouncer) save(ctx context.Context, st *domain.DebounceState) error {
	if err := d.debounce.Save(ctx, st); err != nil {
		return fmt.Errorf("alerting: failed to save debounce state: %w", err)
	}
	return nil
}

// Resolve clears debounce state for key so the next event starts from
// escalation level 0.
func (d *Debouncer) Resolve(ctx context.Context, kind domain.DebounceKind, destinationID, organisationID string, now time.Time) error {
	key := domain.DebounceKey(kind, destinationID, organisationID)
	st, err := d.debounce.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("alerting: failed to load debounce state: %w", err)
	}
	if st == nil {
		return nil
	}
	resolved := now
	cleared := &domain.DebounceState{
		Kind:           kind,
		DestinationID:  destinationID,
		OrganisationID: organisationID,
		LastResolvedAt: &resolved,
		UpdatedAt:      now,
	}
	if err := d.debounce.Save(ctx, cleared); err != nil {
		return fmt.Errorf("alerting: failed to save resolved debounce state: %w", err)
	}
	d.observability.RecordAlertResolved(ctx, string(kind))
	return nil
}
