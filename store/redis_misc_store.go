package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// RedisDebounceStore implements DebounceStore, one JSON blob per bucket key.
type RedisDebounceStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisDebounceStore(client *redis.Client, keyPrefix string) *RedisDebounceStore {
	return &RedisDebounceStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisDebounceStore) key(bucketKey string) string {
	return fmt.Sprintf("%s:debounce:%s", s.keyPrefix, bucketKey)
}

func (s *RedisDebounceStore) Get(ctx context.Context, key string) (*domain.DebounceState, error) {
	data, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("store: failed to get debounce state: %w", err)
	}
	var st domain.DebounceState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("store: failed to deserialise debounce state: %w", err)
	}
	return &st, nil
}

func (s *RedisDebounceStore) Save(ctx context.Context, st *domain.DebounceState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: failed to serialise debounce state: %w", err)
	}
	// debounce buckets are allowed to expire naturally well past any
	// realistic window so a crashed process doesn't leave a bucket wedged
	// open forever.
	if err := s.client.Set(ctx, s.key(st.Key()), data, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("store: failed to save debounce state: %w", err)
	}
	return nil
}

var _ DebounceStore = (*RedisDebounceStore)(nil)

// RedisMaintenanceStore implements MaintenanceStore using a sorted set
// ({prefix}:maintenance:{orgId}, scored by EndsAt) plus a JSON blob per
// window, so ListActive can cheaply skip windows that have already ended.
type RedisMaintenanceStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisMaintenanceStore(client *redis.Client, keyPrefix string) *RedisMaintenanceStore {
	return &RedisMaintenanceStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisMaintenanceStore) key(organisationID, id string) string {
	return fmt.Sprintf("%s:maintenance:%s:%s", s.keyPrefix, organisationID, id)
}

func (s *RedisMaintenanceStore) indexKey(organisationID string) string {
	return fmt.Sprintf("%s:maintenances:%s", s.keyPrefix, organisationID)
}

func (s *RedisMaintenanceStore) Create(ctx context.Context, w *domain.MaintenanceWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("store: failed to serialise maintenance window: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(w.OrganisationID, w.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(w.OrganisationID), &redis.Z{Score: float64(w.EndsAt.Unix()), Member: w.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: failed to create maintenance window: %w", err)
	}
	return nil
}

func (s *RedisMaintenanceStore) ListActive(ctx context.Context, organisationID string, now time.Time) ([]*domain.MaintenanceWindow, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(organisationID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Unix()), Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to list maintenance windows: %w", err)
	}
	out := make([]*domain.MaintenanceWindow, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.key(organisationID, id)).Result()
		if err != nil {
			continue
		}
		var w domain.MaintenanceWindow
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			continue
		}
		if !now.Before(w.StartsAt) && now.Before(w.EndsAt) {
			out = append(out, &w)
		}
	}
	return out, nil
}

func (s *RedisMaintenanceStore) Delete(ctx context.Context, organisationID, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(organisationID, id))
	pipe.ZRem(ctx, s.indexKey(organisationID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: failed to delete maintenance window: %w", err)
	}
	return nil
}

var _ MaintenanceStore = (*RedisMaintenanceStore)(nil)

// RedisDeliveryLogStore implements DeliveryLogStore.
type RedisDeliveryLogStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisDeliveryLogStore(client *redis.Client, keyPrefix string) *RedisDeliveryLogStore {
	return &RedisDeliveryLogStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisDeliveryLogStore) key(organisationID, id string) string {
	return fmt.Sprintf("%s:deliverylog:%s:%s", s.keyPrefix, organisationID, id)
}

func (s *RedisDeliveryLogStore) indexKey(organisationID string) string {
	return fmt.Sprintf("%s:deliverylogs:%s", s.keyPrefix, organisationID)
}

func (s *RedisDeliveryLogStore) deliveryIndexKey(organisationID, deliveryID string) string {
	return fmt.Sprintf("%s:deliverylogs:bydelivery:%s:%s", s.keyPrefix, organisationID, deliveryID)
}

func (s *RedisDeliveryLogStore) Create(ctx context.Context, l *domain.DeliveryLog) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store: failed to serialise delivery log: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(l.OrganisationID, l.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(l.OrganisationID), &redis.Z{Score: float64(l.CreatedAt.UnixNano()), Member: l.ID})
	pipe.SAdd(ctx, s.deliveryIndexKey(l.OrganisationID, l.DeliveryID), l.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: failed to create delivery log: %w", err)
	}
	return nil
}

func (s *RedisDeliveryLogStore) Get(ctx context.Context, organisationID, id string) (*domain.DeliveryLog, error) {
	data, err := s.client.Get(ctx, s.key(organisationID, id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("store: failed to get delivery log: %w", err)
	}
	var l domain.DeliveryLog
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("store: failed to deserialise delivery log: %w", err)
	}
	return &l, nil
}

func (s *RedisDeliveryLogStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.DeliveryLog, error) {
	ids, err := s.client.SMembers(ctx, s.deliveryIndexKey(organisationID, deliveryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to list delivery logs: %w", err)
	}
	out := make([]*domain.DeliveryLog, 0, len(ids))
	for _, id := range ids {
		l, err := s.Get(ctx, organisationID, id)
		if err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *RedisDeliveryLogStore) List(ctx context.Context, organisationID string, limit int) ([]*domain.DeliveryLog, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.indexKey(organisationID), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to list delivery logs: %w", err)
	}
	out := make([]*domain.DeliveryLog, 0, len(ids))
	for _, id := range ids {
		l, err := s.Get(ctx, organisationID, id)
		if err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

var _ DeliveryLogStore = (*RedisDeliveryLogStore)(nil)

// RedisIdempotencyStore implements IdempotencyStore with a plain SETNX.
type RedisIdempotencyStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisIdempotencyStore(client *redis.Client, keyPrefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisIdempotencyStore) key(organisationID, key string) string {
	return fmt.Sprintf("%s:idempotency:%s:%s", s.keyPrefix, organisationID, key)
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, organisationID, key, queueEntryID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(organisationID, key), queueEntryID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Peek(ctx context.Context, organisationID, key string) (string, error) {
	queueEntryID, err := s.client.Get(ctx, s.key(organisationID, key)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("store: failed to peek idempotency key: %w", err)
	}
	return queueEntryID, nil
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

// RedisSecretStore implements SecretStore. Current and previous secrets are
// kept as two fields of a single hash so a rotation is one atomic HSET away
// from being live, with the previous secret still honoured until it expires
// from the hash via an explicit follow-up call (no TTL on the hash itself;
// callers that want grace-period expiry should invoke Rotate again to
// shift the window or clear the field).
type RedisSecretStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisSecretStore(client *redis.Client, keyPrefix string) *RedisSecretStore {
	return &RedisSecretStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisSecretStore) key(destinationID string) string {
	return fmt.Sprintf("%s:secret:%s", s.keyPrefix, destinationID)
}

func (s *RedisSecretStore) Get(ctx context.Context, destinationID string) (string, string, error) {
	vals, err := s.client.HMGet(ctx, s.key(destinationID), "current", "previous").Result()
	if err != nil {
		return "", "", fmt.Errorf("store: failed to get secret: %w", err)
	}
	current, _ := vals[0].(string)
	previous, _ := vals[1].(string)
	return current, previous, nil
}

func (s *RedisSecretStore) Rotate(ctx context.Context, destinationID, newSecret string) error {
	current, _, err := s.Get(ctx, destinationID)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(destinationID), "current", newSecret, "previous", current).Err(); err != nil {
		return fmt.Errorf("store: failed to rotate secret: %w", err)
	}
	return nil
}

var _ SecretStore = (*RedisSecretStore)(nil)

// RedisLinkStore implements LinkStore for signed download links.
type RedisLinkStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisLinkStore(client *redis.Client, keyPrefix string) *RedisLinkStore {
	return &RedisLinkStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisLinkStore) key(token string) string {
	return fmt.Sprintf("%s:link:%s", s.keyPrefix, token)
}

func (s *RedisLinkStore) Put(ctx context.Context, token, destinationID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(token), destinationID, ttl).Err(); err != nil {
		return fmt.Errorf("store: failed to store download link: %w", err)
	}
	return nil
}

func (s *RedisLinkStore) Resolve(ctx context.Context, token string) (string, error) {
	destinationID, err := s.client.Get(ctx, s.key(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", core.ErrDestinationNotFound
		}
		return "", fmt.Errorf("store: failed to resolve download link: %w", err)
	}
	return destinationID, nil
}

var _ LinkStore = (*RedisLinkStore)(nil)
