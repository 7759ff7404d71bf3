package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/relaydeliver/engine/core"
	"github.com/relaydeliver/engine/domain"
)

// RedisHealthStore implements HealthStore using a JSON blob per destination
// at {prefix}:health:{orgId}:{destinationId}.
type RedisHealthStore struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
}

func NewRedisHealthStore(client *redis.Client, keyPrefix string, logger core.Logger) *RedisHealthStore {
	return &RedisHealthStore{client: client, keyPrefix: keyPrefix, logger: core.WithComponentLogger(logger, "store/health")}
}

func (s *RedisHealthStore) key(organisationID, destinationID string) string {
	return fmt.Sprintf("%s:health:%s:%s", s.keyPrefix, organisationID, destinationID)
}

func (s *RedisHealthStore) indexKey(organisationID string) string {
	return fmt.Sprintf("%s:healths:%s", s.keyPrefix, organisationID)
}

func (s *RedisHealthStore) Get(ctx context.Context, organisationID, destinationID string) (*domain.DestinationHealth, error) {
	data, err := s.client.Get(ctx, s.key(organisationID, destinationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return domain.NewDestinationHealth(destinationID, organisationID), nil
		}
		return nil, fmt.Errorf("store: failed to get health: %w", err)
	}
	var h domain.DestinationHealth
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("store: failed to deserialise health: %w", err)
	}
	return &h, nil
}

func (s *RedisHealthStore) Save(ctx context.Context, h *domain.DestinationHealth) error {
	if h == nil || h.DestinationID == "" {
		return fmt.Errorf("store: health and destination ID are required")
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("store: failed to serialise health: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(h.OrganisationID, h.DestinationID), data, 0)
	pipe.SAdd(ctx, s.indexKey(h.OrganisationID), h.DestinationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: failed to save health: %w", err)
	}
	return nil
}

func (s *RedisHealthStore) List(ctx context.Context, organisationID string) ([]*domain.DestinationHealth, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(organisationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to list health ids: %w", err)
	}
	out := make([]*domain.DestinationHealth, 0, len(ids))
	for _, id := range ids {
		h, err := s.Get(ctx, organisationID, id)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

var _ HealthStore = (*RedisHealthStore)(nil)
