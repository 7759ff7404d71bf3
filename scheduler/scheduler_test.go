package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeliver/engine/alerting"
	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/handlers"
	"github.com/relaydeliver/engine/resilience"
	"github.com/relaydeliver/engine/telemetry"
)

// memQueueStore is a minimal in-memory QueueStore sufficient to exercise the
// scheduler's dequeue/update/cancel/reclaim paths without Redis.
type memQueueStore struct {
	mu      sync.Mutex
	entries map[string]*domain.QueueEntry
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{entries: make(map[string]*domain.QueueEntry)}
}

func (m *memQueueStore) Enqueue(ctx context.Context, e *domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *memQueueStore) Get(ctx context.Context, organisationID, id string) (*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, core.ErrQueueEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memQueueStore) Update(ctx context.Context, e *domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.ID] = &cp
	return nil
}

func (m *memQueueStore) Dequeue(ctx context.Context, limit int, now time.Time) ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*domain.QueueEntry
	for _, e := range m.entries {
		if e.Ready(now) {
			ready = append(ready, e)
		}
	}
	// priority desc, scheduledAt asc
	for i := 0; i < len(ready); i++ {
		for j := i + 1; j < len(ready); j++ {
			a, b := ready[i], ready[j]
			swap := a.Priority < b.Priority || (a.Priority == b.Priority && b.ScheduledAt.Before(a.ScheduledAt))
			if swap {
				ready[i], ready[j] = ready[j], ready[i]
			}
		}
	}
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]*domain.QueueEntry, 0, len(ready))
	for _, e := range ready {
		e.Status = domain.StatusProcessing
		e.UpdatedAt = now
		m.entries[e.ID] = e
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memQueueStore) ReclaimStuck(ctx context.Context, olderThan time.Time) ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.QueueEntry
	for _, e := range m.entries {
		if e.Status == domain.StatusProcessing && e.UpdatedAt.Before(olderThan) {
			e.Status = domain.StatusPending
			e.UpdatedAt = time.Now()
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memQueueStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.QueueEntry
	for _, e := range m.entries {
		if e.DeliveryID == deliveryID && e.OrganisationID == organisationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memQueueStore) ListByStatus(ctx context.Context, organisationID string, status domain.QueueStatus, limit int) ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.QueueEntry
	for _, e := range m.entries {
		if e.OrganisationID == organisationID && e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memQueueStore) DeleteTerminalBefore(ctx context.Context, cutoffs map[domain.QueueStatus]time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		cutoff, ok := cutoffs[e.Status]
		if ok && e.Status.IsTerminal() && e.UpdatedAt.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *memQueueStore) Depth(ctx context.Context, organisationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.OrganisationID == organisationID && e.Status == domain.StatusPending {
			n++
		}
	}
	return n, nil
}

type memDestinationStore struct {
	mu   sync.Mutex
	dest map[string]*domain.Destination
}

func newMemDestinationStore(dests ...*domain.Destination) *memDestinationStore {
	m := &memDestinationStore{dest: make(map[string]*domain.Destination)}
	for _, d := range dests {
		m.dest[d.ID] = d
	}
	return m
}

func (m *memDestinationStore) Create(ctx context.Context, d *domain.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dest[d.ID] = d
	return nil
}

func (m *memDestinationStore) Get(ctx context.Context, organisationID, id string) (*domain.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dest[id]
	if !ok {
		return nil, core.ErrDestinationNotFound
	}
	return d, nil
}

func (m *memDestinationStore) Update(ctx context.Context, d *domain.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dest[d.ID] = d
	return nil
}

func (m *memDestinationStore) Delete(ctx context.Context, organisationID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dest, id)
	return nil
}

func (m *memDestinationStore) List(ctx context.Context, organisationID string) ([]*domain.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Destination
	for _, d := range m.dest {
		if d.OrganisationID == organisationID {
			out = append(out, d)
		}
	}
	return out, nil
}

type memHealthStore struct {
	mu     sync.Mutex
	health map[string]*domain.DestinationHealth
}

func newMemHealthStore() *memHealthStore {
	return &memHealthStore{health: make(map[string]*domain.DestinationHealth)}
}

func (m *memHealthStore) Get(ctx context.Context, organisationID, destinationID string) (*domain.DestinationHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[destinationID]
	if !ok {
		return domain.NewDestinationHealth(destinationID, organisationID), nil
	}
	cp := *h
	return &cp, nil
}

func (m *memHealthStore) Save(ctx context.Context, h *domain.DestinationHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	m.health[h.DestinationID] = &cp
	return nil
}

func (m *memHealthStore) List(ctx context.Context, organisationID string) ([]*domain.DestinationHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DestinationHealth
	for _, h := range m.health {
		if h.OrganisationID == organisationID {
			out = append(out, h)
		}
	}
	return out, nil
}

type memDeliveryLogStore struct {
	mu   sync.Mutex
	logs []*domain.DeliveryLog
}

func newMemDeliveryLogStore() *memDeliveryLogStore { return &memDeliveryLogStore{} }

func (m *memDeliveryLogStore) Create(ctx context.Context, l *domain.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func (m *memDeliveryLogStore) Get(ctx context.Context, organisationID, id string) (*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, core.ErrDeliveryNotFound
}

func (m *memDeliveryLogStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DeliveryLog
	for _, l := range m.logs {
		if l.DeliveryID == deliveryID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memDeliveryLogStore) List(ctx context.Context, organisationID string, limit int) ([]*domain.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs, nil
}

// scriptedHandler returns a pre-programmed sequence of outcomes, one per
// call, repeating the last entry once exhausted.
type scriptedHandler struct {
	kind  domain.DestinationKind
	mu    sync.Mutex
	calls int
	plan  []error
	refs  []string
}

func (h *scriptedHandler) Kind() domain.DestinationKind                       { return h.kind }
func (h *scriptedHandler) ValidateConfig(raw json.RawMessage) error          { return nil }
func (h *scriptedHandler) TestConnection(ctx context.Context, raw json.RawMessage) error { return nil }

func (h *scriptedHandler) Deliver(ctx context.Context, dest *domain.Destination, payload domain.Payload) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.calls
	if idx >= len(h.plan) {
		idx = len(h.plan) - 1
	}
	h.calls++
	var ref string
	if idx < len(h.refs) {
		ref = h.refs[idx]
	}
	return ref, h.plan[idx]
}

var _ handlers.Handler = (*scriptedHandler)(nil)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Workers:            10,
		PollInterval:       10 * time.Millisecond,
		DequeueBatchSize:   20,
		StuckThreshold:     5 * time.Minute,
		StuckSweepInterval: time.Minute,
		DispatchTimeout:    time.Second,
	}
}

func newTestScheduler(t *testing.T, h handlers.Handler, dest *domain.Destination) (*Scheduler, *memQueueStore, *memHealthStore, *memDeliveryLogStore) {
	t.Helper()
	q := newMemQueueStore()
	d := newMemDestinationStore(dest)
	hs := newMemHealthStore()
	logs := newMemDeliveryLogStore()
	registry := handlers.NewRegistry(h)
	breaker := resilience.NewTracker(config.BreakerConfig{
		FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 3, VolumeThreshold: 1,
	}, core.NoOpLogger{})
	retry := resilience.NewPolicy(config.RetryConfig{
		MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: time.Second, Multiplier: 2, JitterFraction: 0,
	}, config.ProfileTest)
	s := New(q, d, hs, logs, registry, breaker, retry, nil, telemetry.NoOpObservability{}, core.NoOpLogger{}, testSchedulerConfig(), 5)
	return s, q, hs, logs
}

func newPendingEntry(id, destID string, priority int) *domain.QueueEntry {
	now := time.Now().Add(-time.Second)
	return &domain.QueueEntry{
		ID:             id,
		OrganisationID: "org-a",
		DestinationID:  destID,
		DeliveryID:     "delivery-1",
		Priority:       priority,
		ScheduledAt:    now,
		Status:         domain.StatusPending,
		MaxRetries:     5,
		Payload:        domain.Payload{Type: "report", Data: json.RawMessage(`{"n":1}`)},
		IdempotencyKey: "delivery-1_" + destID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestScheduler_HappyPath(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook, Config: json.RawMessage(`{"url":"http://example.test"}`)}
	h := &scriptedHandler{kind: domain.KindWebhook, plan: []error{nil}, refs: []string{"X-123"}}
	s, q, hs, logs := newTestScheduler(t, h, dest)

	entry := newPendingEntry("e1", "d1", 5)
	require.NoError(t, q.Enqueue(context.Background(), entry))

	require.NoError(t, s.ProcessOnce(context.Background()))

	got, err := q.Get(context.Background(), "org-a", "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "X-123", got.Metadata.CrossSystemReference)

	health, err := hs.Get(context.Background(), "org-a", "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, health.ConsecutiveFailures)
	assert.Equal(t, int64(1), health.TotalSuccesses)

	logsList, _ := logs.List(context.Background(), "org-a", 0)
	require.Len(t, logsList, 1)
	assert.Equal(t, domain.OutcomeDelivered, logsList[0].Outcome)
}

func TestScheduler_TransientFailureThenRecovery(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook, Config: json.RawMessage(`{"url":"http://example.test"}`)}
	h := &scriptedHandler{kind: domain.KindWebhook, plan: []error{core.ErrTransient, nil}, refs: []string{"", "X-456"}}
	s, q, hs, _ := newTestScheduler(t, h, dest)

	entry := newPendingEntry("e1", "d1", 5)
	require.NoError(t, q.Enqueue(context.Background(), entry))

	require.NoError(t, s.ProcessOnce(context.Background()))
	got, _ := q.Get(context.Background(), "org-a", "e1")
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)

	// force retry to be immediately eligible
	got.NextRetryAt = ptrTime(time.Now().Add(-time.Millisecond))
	require.NoError(t, q.Update(context.Background(), got))

	require.NoError(t, s.ProcessOnce(context.Background()))
	got2, _ := q.Get(context.Background(), "org-a", "e1")
	assert.Equal(t, domain.StatusCompleted, got2.Status)
	assert.Len(t, got2.Metadata.Attempts, 2)

	health, _ := hs.Get(context.Background(), "org-a", "d1")
	assert.Equal(t, 0, health.ConsecutiveFailures)
}

func TestScheduler_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook, Config: json.RawMessage(`{"url":"http://example.test"}`)}
	h := &scriptedHandler{kind: domain.KindWebhook, plan: []error{core.ErrTransient}}
	s, q, hs, _ := newTestScheduler(t, h, dest)

	for i := 0; i < 5; i++ {
		entry := newPendingEntry("e"+string(rune('0'+i)), "d1", 5)
		require.NoError(t, q.Enqueue(context.Background(), entry))
		require.NoError(t, s.ProcessOnce(context.Background()))
	}

	health, err := hs.Get(context.Background(), "org-a", "d1")
	require.NoError(t, err)
	assert.Equal(t, 5, health.ConsecutiveFailures)
	assert.Equal(t, domain.CircuitOpen, health.CircuitState)
	assert.NotNil(t, health.CircuitOpenedAt)
	assert.Equal(t, domain.HealthUnhealthy, health.Status)
}

func TestScheduler_CancelDeliveryOnlyAffectsPending(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook}
	h := &scriptedHandler{kind: domain.KindWebhook, plan: []error{nil}}
	s, q, _, _ := newTestScheduler(t, h, dest)

	pending := newPendingEntry("pending1", "d1", 5)
	require.NoError(t, q.Enqueue(context.Background(), pending))

	processing := newPendingEntry("processing1", "d1", 5)
	processing.Status = domain.StatusProcessing
	require.NoError(t, q.Enqueue(context.Background(), processing))

	require.NoError(t, s.CancelDelivery(context.Background(), "org-a", "delivery-1"))

	p1, _ := q.Get(context.Background(), "org-a", "pending1")
	assert.Equal(t, domain.StatusCancelled, p1.Status)

	p2, _ := q.Get(context.Background(), "org-a", "processing1")
	assert.Equal(t, domain.StatusProcessing, p2.Status)
}

// memDebounceStore and memMaintenanceStore are minimal in-memory
// implementations sufficient to exercise alerting.Debouncer.Evaluate from
// the scheduler's failure path without Redis.
type memDebounceStore struct {
	mu    sync.Mutex
	state map[string]*domain.DebounceState
}

func newMemDebounceStore() *memDebounceStore {
	return &memDebounceStore{state: make(map[string]*domain.DebounceState)}
}

func (m *memDebounceStore) Get(ctx context.Context, key string) (*domain.DebounceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[key]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memDebounceStore) Save(ctx context.Context, st *domain.DebounceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.state[st.Key()] = &cp
	return nil
}

type memMaintenanceStore struct{}

func (memMaintenanceStore) Create(ctx context.Context, w *domain.MaintenanceWindow) error { return nil }
func (memMaintenanceStore) ListActive(ctx context.Context, organisationID string, now time.Time) ([]*domain.MaintenanceWindow, error) {
	return nil, nil
}
func (memMaintenanceStore) Delete(ctx context.Context, organisationID, id string) error { return nil }

// capturingNotifier records every alert it receives instead of dispatching
// anywhere, so a test can assert on exactly what the debouncer let through.
type capturingNotifier struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (n *capturingNotifier) Notify(ctx context.Context, alert alerting.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func TestScheduler_ConsecutiveFailuresReachDebouncer(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook, Config: json.RawMessage(`{"url":"http://example.test"}`)}
	h := &scriptedHandler{kind: domain.KindWebhook, plan: []error{core.ErrTransient}}
	q := newMemQueueStore()
	d := newMemDestinationStore(dest)
	hs := newMemHealthStore()
	logs := newMemDeliveryLogStore()
	registry := handlers.NewRegistry(h)
	breaker := resilience.NewTracker(config.BreakerConfig{
		FailureThreshold: 100, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 3, VolumeThreshold: 1,
	}, core.NoOpLogger{})
	retry := resilience.NewPolicy(config.RetryConfig{
		MaxAttempts: 20, InitialInterval: time.Millisecond, MaxInterval: time.Second, Multiplier: 2, JitterFraction: 0,
	}, config.ProfileTest)

	notifier := &capturingNotifier{}
	debouncer := alerting.NewDebouncer(config.AlertingConfig{
		Enabled:            true,
		DebounceWindow:     15 * time.Minute,
		Cooldown:           0,
		MaxAlertsPerWindow: 3,
		EscalationDelay:    60 * time.Minute,
	}, newMemDebounceStore(), memMaintenanceStore{}, telemetry.NoOpObservability{}, core.NoOpLogger{}, notifier)

	s := New(q, d, hs, logs, registry, breaker, retry, debouncer, telemetry.NoOpObservability{}, core.NoOpLogger{}, testSchedulerConfig(), 20)

	// Degrade past healthy (status=degraded at 3 consecutive failures) and
	// keep failing: of the 10 failures, the 8 from the third onward reach the
	// debouncer, which caps the actual notifications at MaxAlertsPerWindow.
	for i := 0; i < 10; i++ {
		entry := newPendingEntry("e"+string(rune('0'+i)), "d1", 5)
		entry.NextRetryAt = nil
		require.NoError(t, q.Enqueue(context.Background(), entry))
		require.NoError(t, s.ProcessOnce(context.Background()))
	}

	health, err := hs.Get(context.Background(), "org-a", "d1")
	require.NoError(t, err)
	assert.Equal(t, 10, health.ConsecutiveFailures)
	assert.Equal(t, domain.HealthDisabled, health.Status)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.NotEmpty(t, notifier.alerts)
	assert.LessOrEqual(t, len(notifier.alerts), 3)
	for _, a := range notifier.alerts {
		assert.Equal(t, domain.DebounceConsecutiveFailures, a.Kind)
		assert.Equal(t, "d1", a.DestinationID)
		assert.Equal(t, "org-a", a.OrganisationID)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
