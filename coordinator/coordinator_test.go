package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydeliver/engine/config"
	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
	"github.com/relaydeliver/engine/resilience"
	"github.com/relaydeliver/engine/store"
	"github.com/relaydeliver/engine/telemetry"
)

type fakeDestinationStore struct {
	mu   sync.Mutex
	dest map[string]*domain.Destination
}

func newFakeDestinationStore(dests ...*domain.Destination) *fakeDestinationStore {
	m := &fakeDestinationStore{dest: make(map[string]*domain.Destination)}
	for _, d := range dests {
		m.dest[d.ID] = d
	}
	return m
}

func (f *fakeDestinationStore) Create(ctx context.Context, d *domain.Destination) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dest[d.ID] = d
	return nil
}

func (f *fakeDestinationStore) Get(ctx context.Context, organisationID, id string) (*domain.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dest[id]
	if !ok {
		return nil, core.ErrDestinationNotFound
	}
	return d, nil
}

func (f *fakeDestinationStore) Update(ctx context.Context, d *domain.Destination) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dest[d.ID] = d
	return nil
}

func (f *fakeDestinationStore) Delete(ctx context.Context, organisationID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dest, id)
	return nil
}

func (f *fakeDestinationStore) List(ctx context.Context, organisationID string) ([]*domain.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Destination
	for _, d := range f.dest {
		if d.OrganisationID == organisationID {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeQueueStore struct {
	mu      sync.Mutex
	entries map[string]*domain.QueueEntry
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{entries: make(map[string]*domain.QueueEntry)}
}

func (f *fakeQueueStore) Enqueue(ctx context.Context, e *domain.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeQueueStore) Get(ctx context.Context, organisationID, id string) (*domain.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, core.ErrQueueEntryNotFound
	}
	return e, nil
}

func (f *fakeQueueStore) Update(ctx context.Context, e *domain.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeQueueStore) Dequeue(ctx context.Context, limit int, now time.Time) ([]*domain.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueStore) ReclaimStuck(ctx context.Context, olderThan time.Time) ([]*domain.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.QueueEntry
	for _, e := range f.entries {
		if e.DeliveryID == deliveryID && e.OrganisationID == organisationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeQueueStore) ListByStatus(ctx context.Context, organisationID string, status domain.QueueStatus, limit int) ([]*domain.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueStore) DeleteTerminalBefore(ctx context.Context, cutoffs map[domain.QueueStatus]time.Time) (int, error) {
	return 0, nil
}

func (f *fakeQueueStore) Depth(ctx context.Context, organisationID string) (int64, error) {
	return 0, nil
}

type fakeHealthStore struct {
	mu     sync.Mutex
	health map[string]*domain.DestinationHealth
}

func newFakeHealthStore() *fakeHealthStore {
	return &fakeHealthStore{health: make(map[string]*domain.DestinationHealth)}
}

func (f *fakeHealthStore) Get(ctx context.Context, organisationID, destinationID string) (*domain.DestinationHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[destinationID]
	if !ok {
		return domain.NewDestinationHealth(destinationID, organisationID), nil
	}
	cp := *h
	return &cp, nil
}

func (f *fakeHealthStore) Save(ctx context.Context, h *domain.DestinationHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *h
	f.health[h.DestinationID] = &cp
	return nil
}

func (f *fakeHealthStore) List(ctx context.Context, organisationID string) ([]*domain.DestinationHealth, error) {
	return nil, nil
}

type fakeIdempotencyStore struct {
	mu    sync.Mutex
	claim map[string]string
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{claim: make(map[string]string)}
}

func (f *fakeIdempotencyStore) Reserve(ctx context.Context, organisationID, key, queueEntryID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := organisationID + "/" + key
	if _, ok := f.claim[k]; ok {
		return false, nil
	}
	f.claim[k] = queueEntryID
	return true, nil
}

func (f *fakeIdempotencyStore) Peek(ctx context.Context, organisationID, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claim[organisationID+"/"+key], nil
}

type fakeDeliveryLogStore struct {
	mu   sync.Mutex
	logs []*domain.DeliveryLog
}

func newFakeDeliveryLogStore() *fakeDeliveryLogStore { return &fakeDeliveryLogStore{} }

func (f *fakeDeliveryLogStore) Create(ctx context.Context, l *domain.DeliveryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeDeliveryLogStore) Get(ctx context.Context, organisationID, id string) (*domain.DeliveryLog, error) {
	return nil, core.ErrDeliveryNotFound
}

func (f *fakeDeliveryLogStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.DeliveryLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DeliveryLog
	for _, l := range f.logs {
		if l.DeliveryID == deliveryID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeDeliveryLogStore) List(ctx context.Context, organisationID string, limit int) ([]*domain.DeliveryLog, error) {
	return f.logs, nil
}

type fakeSecretStore struct {
	mu      sync.Mutex
	current map[string]string
}

func newFakeSecretStore() *fakeSecretStore { return &fakeSecretStore{current: make(map[string]string)} }

func (f *fakeSecretStore) Get(ctx context.Context, destinationID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[destinationID], "", nil
}

func (f *fakeSecretStore) Rotate(ctx context.Context, destinationID, newSecret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[destinationID] = newSecret
	return nil
}

type fakeLinkStore struct {
	mu    sync.Mutex
	links map[string]string
}

func newFakeLinkStore() *fakeLinkStore { return &fakeLinkStore{links: make(map[string]string)} }

func (f *fakeLinkStore) Put(ctx context.Context, token, destinationID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[token] = destinationID
	return nil
}

func (f *fakeLinkStore) Resolve(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dest, ok := f.links[token]
	if !ok {
		return "", core.ErrDestinationNotFound
	}
	return dest, nil
}

func testCoordinatorConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		PayloadSizeLimitBytes:     10 << 20,
		MaxDestinationsPerRequest: 50,
		IdempotencyTTL:            24 * time.Hour,
	}
}

func newTestCoordinator(dests ...*domain.Destination) (*Coordinator, *fakeQueueStore, *fakeDestinationStore) {
	destStore := newFakeDestinationStore(dests...)
	q := newFakeQueueStore()
	s := &store.Store{
		Destinations: destStore,
		Queue:        q,
		Idempotency:  newFakeIdempotencyStore(),
		Health:       newFakeHealthStore(),
		DeliveryLogs: newFakeDeliveryLogStore(),
		Secrets:      newFakeSecretStore(),
		Links:        newFakeLinkStore(),
	}
	breaker := resilience.NewTracker(config.BreakerConfig{
		FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 3, VolumeThreshold: 1,
	}, core.NoOpLogger{})
	c := New(s, breaker, telemetry.NoOpObservability{}, core.NoOpLogger{}, testCoordinatorConfig(), 5, nil)
	return c, q, destStore
}

func samplePayload() domain.Payload {
	return domain.Payload{Type: "report", Data: json.RawMessage(`{"n":1}`)}
}

func TestCoordinator_SubmitHappyPath(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook}
	c, q, _ := newTestCoordinator(dest)

	resp, err := c.Submit(context.Background(), SubmitRequest{
		OrganisationID: "org-a",
		Destinations:   []string{"d1"},
		Payload:        samplePayload(),
		Priority:       5,
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
	require.Len(t, resp.Destinations, 1)
	assert.Equal(t, outcomeQueued, resp.Destinations[0].Status)

	entries, _ := q.ListByDelivery(context.Background(), "org-a", resp.DeliveryID)
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].DestinationID)
	assert.Equal(t, 5, entries[0].Priority)
	assert.Equal(t, 5, entries[0].MaxRetries)
}

func TestCoordinator_EnqueueUsesConfiguredMaxRetries(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook}
	destStore := newFakeDestinationStore(dest)
	q := newFakeQueueStore()
	s := &store.Store{
		Destinations: destStore,
		Queue:        q,
		Idempotency:  newFakeIdempotencyStore(),
		Health:       newFakeHealthStore(),
		DeliveryLogs: newFakeDeliveryLogStore(),
		Secrets:      newFakeSecretStore(),
		Links:        newFakeLinkStore(),
	}
	breaker := resilience.NewTracker(config.BreakerConfig{
		FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 3, VolumeThreshold: 1,
	}, core.NoOpLogger{})
	c := New(s, breaker, telemetry.NoOpObservability{}, core.NoOpLogger{}, testCoordinatorConfig(), 8, nil)

	resp, err := c.Submit(context.Background(), SubmitRequest{
		OrganisationID: "org-a",
		Destinations:   []string{"d1"},
		Payload:        samplePayload(),
	})
	require.NoError(t, err)

	entries, _ := q.ListByDelivery(context.Background(), "org-a", resp.DeliveryID)
	require.Len(t, entries, 1)
	assert.Equal(t, 8, entries[0].MaxRetries)
}

func TestCoordinator_ValidationErrors(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.Submit(context.Background(), SubmitRequest{Destinations: []string{"d1"}, Payload: samplePayload()})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = c.Submit(context.Background(), SubmitRequest{OrganisationID: "org-a", Payload: samplePayload()})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = c.Submit(context.Background(), SubmitRequest{OrganisationID: "org-a", Destinations: []string{"d1"}, Payload: samplePayload(), Priority: 11})
	assert.ErrorIs(t, err, core.ErrInvalidPriority)

	oversized := domain.Payload{Type: "report", Data: make(json.RawMessage, 20<<20)}
	_, err = c.Submit(context.Background(), SubmitRequest{OrganisationID: "org-a", Destinations: []string{"d1"}, Payload: oversized})
	assert.ErrorIs(t, err, core.ErrPayloadTooLarge)
}

func TestCoordinator_FanOutMixedDestinations(t *testing.T) {
	ok := &domain.Destination{ID: "d-ok", OrganisationID: "org-a", Kind: domain.KindWebhook}
	disabled := &domain.Destination{ID: "d-disabled", OrganisationID: "org-a", Kind: domain.KindWebhook, Disabled: true}
	otherOrg := &domain.Destination{ID: "d-other-org", OrganisationID: "org-b", Kind: domain.KindWebhook}
	c, q, _ := newTestCoordinator(ok, disabled, otherOrg)

	resp, err := c.Submit(context.Background(), SubmitRequest{
		OrganisationID: "org-a",
		Destinations:   []string{"d-ok", "d-disabled", "d-other-org"},
		Payload:        samplePayload(),
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)

	var queuedIDs, droppedIDs []string
	for _, d := range resp.Destinations {
		if d.Status == outcomeQueued {
			queuedIDs = append(queuedIDs, d.DestinationID)
		} else {
			droppedIDs = append(droppedIDs, d.DestinationID)
		}
	}
	assert.Equal(t, []string{"d-ok"}, queuedIDs)
	assert.ElementsMatch(t, []string{"d-disabled", "d-other-org"}, droppedIDs)

	entries, _ := q.ListByDelivery(context.Background(), "org-a", resp.DeliveryID)
	require.Len(t, entries, 1)
	assert.Equal(t, "d-ok", entries[0].DestinationID)
}

func TestCoordinator_NoDestinationsFails(t *testing.T) {
	disabled := &domain.Destination{ID: "d1", OrganisationID: "org-a", Disabled: true}
	c, _, _ := newTestCoordinator(disabled)

	_, err := c.Submit(context.Background(), SubmitRequest{
		OrganisationID: "org-a",
		Destinations:   []string{"d1"},
		Payload:        samplePayload(),
	})
	assert.ErrorIs(t, err, core.ErrNoDestinations)
}

func TestCoordinator_DuplicateIdempotencyKey(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook}
	c, q, _ := newTestCoordinator(dest)

	req := SubmitRequest{
		OrganisationID: "org-a",
		Destinations:   []string{"d1"},
		Payload:        samplePayload(),
		IdempotencyKey: "fixed-key",
	}
	resp1, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, outcomeQueued, resp1.Destinations[0].Status)

	resp2, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, outcomeDuplicate, resp2.Destinations[0].Status)

	entries, _ := q.ListByDelivery(context.Background(), "org-a", resp1.DeliveryID)
	assert.Len(t, entries, 1)
}

func TestCoordinator_DefaultDestinationsFilterByHealth(t *testing.T) {
	healthy := &domain.Destination{ID: "d-healthy", OrganisationID: "org-a", Kind: domain.KindWebhook}
	unhealthy := &domain.Destination{ID: "d-unhealthy", OrganisationID: "org-a", Kind: domain.KindWebhook}
	c, _, _ := newTestCoordinator(healthy, unhealthy)

	unhealthyRecord := domain.NewDestinationHealth("d-unhealthy", "org-a")
	unhealthyRecord.Status = domain.HealthUnhealthy
	unhealthyRecord.ConsecutiveFailures = 5
	require.NoError(t, c.store.Health.Save(context.Background(), unhealthyRecord))

	resp, err := c.Submit(context.Background(), SubmitRequest{
		OrganisationID: "org-a",
		Destinations:   []string{DestinationsDefault},
		Payload:        samplePayload(),
	})
	require.NoError(t, err)
	require.Len(t, resp.Destinations, 1)
	assert.Equal(t, "d-healthy", resp.Destinations[0].DestinationID)
}

func TestCoordinator_CancelDeliveryOnlyPending(t *testing.T) {
	dest := &domain.Destination{ID: "d1", OrganisationID: "org-a", Kind: domain.KindWebhook}
	c, q, _ := newTestCoordinator(dest)

	resp, err := c.Submit(context.Background(), SubmitRequest{
		OrganisationID: "org-a",
		Destinations:   []string{"d1"},
		Payload:        samplePayload(),
	})
	require.NoError(t, err)

	require.NoError(t, c.CancelDelivery(context.Background(), "org-a", resp.DeliveryID))

	entries, _ := q.ListByDelivery(context.Background(), "org-a", resp.DeliveryID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StatusCancelled, entries[0].Status)
}
