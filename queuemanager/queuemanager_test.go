package queuemanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeliver/engine/alerting"
	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

type fakeQueueStore struct {
	mu      sync.Mutex
	entries map[string]*domain.QueueEntry
}

func newFakeQueueStore(entries ...*domain.QueueEntry) *fakeQueueStore {
	f := &fakeQueueStore{entries: make(map[string]*domain.QueueEntry)}
	for _, e := range entries {
		f.entries[e.ID] = e
	}
	return f
}

func (f *fakeQueueStore) Enqueue(ctx context.Context, e *domain.QueueEntry) error { return nil }
func (f *fakeQueueStore) Get(ctx context.Context, organisationID, id string) (*domain.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueueStore) Update(ctx context.Context, e *domain.QueueEntry) error { return nil }
func (f *fakeQueueStore) Dequeue(ctx context.Context, limit int, now time.Time) ([]*domain.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueueStore) ReclaimStuck(ctx context.Context, olderThan time.Time) ([]*domain.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueueStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueStore) ListByStatus(ctx context.Context, organisationID string, status domain.QueueStatus, limit int) ([]*domain.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.QueueEntry
	for _, e := range f.entries {
		if e.OrganisationID == organisationID && e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeQueueStore) DeleteTerminalBefore(ctx context.Context, cutoffs map[domain.QueueStatus]time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for id, e := range f.entries {
		cutoff, ok := cutoffs[e.Status]
		if ok && e.UpdatedAt.Before(cutoff) {
			delete(f.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeQueueStore) Depth(ctx context.Context, organisationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.entries {
		if e.OrganisationID == organisationID && e.Status == domain.StatusPending {
			n++
		}
	}
	return n, nil
}

type fakeDeliveryLogStore struct {
	logs []*domain.DeliveryLog
}

func (f *fakeDeliveryLogStore) Create(ctx context.Context, l *domain.DeliveryLog) error { return nil }
func (f *fakeDeliveryLogStore) Get(ctx context.Context, organisationID, id string) (*domain.DeliveryLog, error) {
	return nil, nil
}
func (f *fakeDeliveryLogStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.DeliveryLog, error) {
	return nil, nil
}
func (f *fakeDeliveryLogStore) List(ctx context.Context, organisationID string, limit int) ([]*domain.DeliveryLog, error) {
	var out []*domain.DeliveryLog
	for _, l := range f.logs {
		if l.OrganisationID == organisationID {
			out = append(out, l)
		}
	}
	return out, nil
}

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

func (m *memMaintenanceStore) Create(ctx context.Context, w *domain.MaintenanceWindow) error { return nil }
func (m *memMaintenanceStore) ListActive(ctx context.Context, organisationID string, now time.Time) ([]*domain.MaintenanceWindow, error) {
	return nil, nil
}
func (m *memMaintenanceStore) Delete(ctx context.Context, organisationID, id string) error { return nil }

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (r *recordingNotifier) Notify(ctx context.Context, a alerting.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		TerminalRetention:    72 * time.Hour,
		CleanupInterval:      15 * time.Minute,
		BacklogWarnThreshold: 10,
		BacklogCritThreshold: 50,
		CompletedRetention:   24 * time.Hour,
		FailedRetention:      168 * time.Hour,
		CancelledRetention:   24 * time.Hour,
		MetricsSampleInterval: 30 * time.Second,
		OldestPendingAgeWarnThreshold:   10 * time.Minute,
		ProcessingTimeWarnThreshold:     30 * time.Second,
		FailureRatePercentWarnThreshold: 10,
	}
}

func testAlertingConfig() config.AlertingConfig {
	return config.AlertingConfig{
		Enabled: true, DebounceWindow: 15 * time.Minute, Cooldown: 60 * time.Minute,
		MaxAlertsPerWindow: 3, EscalationDelay: 60 * time.Minute,
	}
}

func TestManager_SampleComputesDepthAndStatusCounts(t *testing.T) {
	now := time.Now()
	entries := []*domain.QueueEntry{
		{ID: "e1", OrganisationID: "org-a", Status: domain.StatusPending, ScheduledAt: now.Add(-5 * time.Minute)},
		{ID: "e2", OrganisationID: "org-a", Status: domain.StatusPending, ScheduledAt: now.Add(-20 * time.Minute)},
		{ID: "e3", OrganisationID: "org-a", Status: domain.StatusCompleted},
	}
	q := newFakeQueueStore(entries...)
	logs := &fakeDeliveryLogStore{}
	m := New(q, logs, nil, nil, core.NoOpLogger{}, testQueueConfig())

	metrics, err := m.Sample(context.Background(), "org-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.Depth)
	assert.Equal(t, 2, metrics.StatusCounts[domain.StatusPending])
	assert.Equal(t, 1, metrics.StatusCounts[domain.StatusCompleted])
	assert.GreaterOrEqual(t, metrics.OldestPendingAge, 19*time.Minute)
}

func TestManager_ThresholdAlertRaisedOverBacklog(t *testing.T) {
	now := time.Now()
	var entries []*domain.QueueEntry
	for i := 0; i < 35; i++ {
		entries = append(entries, &domain.QueueEntry{
			ID: "e" + string(rune('a'+i)), OrganisationID: "org-a", Status: domain.StatusPending, ScheduledAt: now,
		})
	}
	q := newFakeQueueStore(entries...)
	logs := &fakeDeliveryLogStore{}
	notifier := &recordingNotifier{}
	debouncer := alerting.NewDebouncer(testAlertingConfig(), newMemDebounceStore(), &memMaintenanceStore{}, nil, core.NoOpLogger{}, notifier)
	m := New(q, logs, debouncer, nil, core.NoOpLogger{}, testQueueConfig())
	m.Track("org-a")

	m.sampleAll(context.Background())

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, domain.DebounceQueueBacklog, notifier.alerts[0].Kind)
}

func TestManager_NoAlertBelowThreshold(t *testing.T) {
	now := time.Now()
	entries := []*domain.QueueEntry{
		{ID: "e1", OrganisationID: "org-a", Status: domain.StatusPending, ScheduledAt: now},
	}
	q := newFakeQueueStore(entries...)
	logs := &fakeDeliveryLogStore{}
	notifier := &recordingNotifier{}
	debouncer := alerting.NewDebouncer(testAlertingConfig(), newMemDebounceStore(), &memMaintenanceStore{}, nil, core.NoOpLogger{}, notifier)
	m := New(q, logs, debouncer, nil, core.NoOpLogger{}, testQueueConfig())
	m.Track("org-a")

	m.sampleAll(context.Background())

	assert.Empty(t, notifier.alerts)
}

func TestManager_CleanupRemovesOnlyExpiredTerminalEntries(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	entries := []*domain.QueueEntry{
		{ID: "old-completed", OrganisationID: "org-a", Status: domain.StatusCompleted, UpdatedAt: old},
		{ID: "recent-completed", OrganisationID: "org-a", Status: domain.StatusCompleted, UpdatedAt: recent},
		{ID: "old-failed", OrganisationID: "org-a", Status: domain.StatusFailed, UpdatedAt: old},
	}
	q := newFakeQueueStore(entries...)
	logs := &fakeDeliveryLogStore{}
	cfg := testQueueConfig()
	cfg.CompletedRetention = 24 * time.Hour
	cfg.FailedRetention = 168 * time.Hour // failed entries outlive this sweep
	m := New(q, logs, nil, nil, core.NoOpLogger{}, cfg)

	m.cleanup(context.Background())

	_, oldCompletedStill := q.entries["old-completed"]
	_, recentStill := q.entries["recent-completed"]
	_, failedStill := q.entries["old-failed"]
	assert.False(t, oldCompletedStill)
	assert.True(t, recentStill)
	assert.True(t, failedStill)
}
