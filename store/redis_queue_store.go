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

// RedisQueueStore implements QueueStore. Each entry is a JSON blob at
// {prefix}:queueentry:{orgId}:{id}. Two sorted sets per organisation track
// entries awaiting dispatch and entries currently claimed:
//
//	{prefix}:queue:ready:{orgId}      member=id score=eligibleAt, priority-weighted
//	{prefix}:queue:claimed:{orgId}    member=id score=claimedAt (unix seconds)
//
// The ready-set score folds priority into the timestamp so ZRANGEBYSCORE
// returns higher-priority entries first among those eligible within the
// same millisecond window; across different eligible times, scheduledAt
// still dominates ordering, matching the "priority, then scheduledAt"
// dispatch rule.
type RedisQueueStore struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger

	dequeueScript *redis.Script
}

const priorityWeight = 1000 // ms of timestamp resolution traded for priority ordering

func readyScore(eligibleAt time.Time, priority int) float64 {
	return float64(eligibleAt.UnixMilli()*priorityWeight) - float64(priority)
}

func NewRedisQueueStore(client *redis.Client, keyPrefix string, logger core.Logger) *RedisQueueStore {
	return &RedisQueueStore{
		client:        client,
		keyPrefix:     keyPrefix,
		logger:        core.WithComponentLogger(logger, "store/queue"),
		dequeueScript: redis.NewScript(dequeueLuaScript),
	}
}

func (s *RedisQueueStore) entryKey(organisationID, id string) string {
	return fmt.Sprintf("%s:queueentry:%s:%s", s.keyPrefix, organisationID, id)
}

func (s *RedisQueueStore) readyKey(organisationID string) string {
	return fmt.Sprintf("%s:queue:ready:%s", s.keyPrefix, organisationID)
}

func (s *RedisQueueStore) claimedKey(organisationID string) string {
	return fmt.Sprintf("%s:queue:claimed:%s", s.keyPrefix, organisationID)
}

func (s *RedisQueueStore) statusIndexKey(organisationID string, status domain.QueueStatus) string {
	return fmt.Sprintf("%s:queue:status:%s:%s", s.keyPrefix, organisationID, status)
}

func (s *RedisQueueStore) deliveryIndexKey(organisationID, deliveryID string) string {
	return fmt.Sprintf("%s:queue:delivery:%s:%s", s.keyPrefix, organisationID, deliveryID)
}

func (s *RedisQueueStore) Enqueue(ctx context.Context, e *domain.QueueEntry) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("store: queue entry and ID are required")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: failed to serialise queue entry: %w", err)
	}

	eligibleAt := e.ScheduledAt
	if e.NextRetryAt != nil && e.NextRetryAt.After(eligibleAt) {
		eligibleAt = *e.NextRetryAt
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(e.OrganisationID, e.ID), data, 0)
	pipe.ZAdd(ctx, s.readyKey(e.OrganisationID), &redis.Z{Score: readyScore(eligibleAt, e.Priority), Member: e.ID})
	pipe.SAdd(ctx, s.statusIndexKey(e.OrganisationID, domain.StatusPending), e.ID)
	pipe.SAdd(ctx, s.deliveryIndexKey(e.OrganisationID, e.DeliveryID), e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: failed to enqueue entry: %w", err)
	}

	s.logger.InfoWithContext(ctx, "queue entry enqueued", map[string]interface{}{
		"queue_entry_id": e.ID, "destination_id": e.DestinationID, "priority": e.Priority,
	})
	return nil
}

func (s *RedisQueueStore) Get(ctx context.Context, organisationID, id string) (*domain.QueueEntry, error) {
	data, err := s.client.Get(ctx, s.entryKey(organisationID, id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.ErrQueueEntryNotFound
		}
		return nil, fmt.Errorf("store: failed to get queue entry: %w", err)
	}
	var e domain.QueueEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("store: failed to deserialise queue entry: %w", err)
	}
	return &e, nil
}

// Update persists e and keeps the status/ready/claimed indexes consistent
// with e.Status. Callers transitioning status should set it on e before
// calling Update rather than mutating indexes themselves.
func (s *RedisQueueStore) Update(ctx context.Context, e *domain.QueueEntry) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("store: queue entry and ID are required")
	}

	prev, err := s.Get(ctx, e.OrganisationID, e.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: failed to serialise queue entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(e.OrganisationID, e.ID), data, 0)

	if prev.Status != e.Status {
		pipe.SRem(ctx, s.statusIndexKey(e.OrganisationID, prev.Status), e.ID)
		pipe.SAdd(ctx, s.statusIndexKey(e.OrganisationID, e.Status), e.ID)
	}

	switch e.Status {
	case domain.StatusPending:
		eligibleAt := e.ScheduledAt
		if e.NextRetryAt != nil && e.NextRetryAt.After(eligibleAt) {
			eligibleAt = *e.NextRetryAt
		}
		pipe.ZAdd(ctx, s.readyKey(e.OrganisationID), &redis.Z{Score: readyScore(eligibleAt, e.Priority), Member: e.ID})
		pipe.ZRem(ctx, s.claimedKey(e.OrganisationID), e.ID)
	case domain.StatusProcessing:
		pipe.ZRem(ctx, s.readyKey(e.OrganisationID), e.ID)
		pipe.ZAdd(ctx, s.claimedKey(e.OrganisationID), &redis.Z{Score: float64(time.Now().Unix()), Member: e.ID})
	default: // terminal
		pipe.ZRem(ctx, s.readyKey(e.OrganisationID), e.ID)
		pipe.ZRem(ctx, s.claimedKey(e.OrganisationID), e.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: failed to update queue entry: %w", err)
	}
	return nil
}

// dequeueLuaScript atomically claims up to ARGV[2] ready entries whose score
// is <= ARGV[1], flipping each to processing and moving it into the claimed
// set scored at the current time (ARGV[3]). Returns the claimed IDs; the
// caller loads and mutates the full JSON entries itself since Lua has no
// convenient JSON decode and status bookkeeping belongs in Go.
const dequeueLuaScript = `
local ready = KEYS[1]
local claimed = KEYS[2]
local maxScore = ARGV[1]
local limit = tonumber(ARGV[2])
local claimedAt = ARGV[3]

local ids = redis.call("ZRANGEBYSCORE", ready, "-inf", maxScore, "LIMIT", 0, limit)
for i, id in ipairs(ids) do
	redis.call("ZREM", ready, id)
	redis.call("ZADD", claimed, claimedAt, id)
end
return ids
`

func (s *RedisQueueStore) Dequeue(ctx context.Context, limit int, now time.Time) ([]*domain.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.dequeueOrganisationAgnostic(ctx, limit, now)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// dequeueOrganisationAgnostic runs the claim script across every
// organisation's ready set in turn. A production deployment with many
// organisations would shard this via a scan cursor; the straightforward
// per-organisation loop is adequate at the scale this engine targets
// (hundreds, not millions, of tenants).
func (s *RedisQueueStore) dequeueOrganisationAgnostic(ctx context.Context, limit int, now time.Time) ([]*domain.QueueEntry, error) {
	pattern := fmt.Sprintf("%s:queue:ready:*", s.keyPrefix)
	var cursor uint64
	claimed := make([]*domain.QueueEntry, 0, limit)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan ready sets: %w", err)
		}
		for _, readyKey := range keys {
			if len(claimed) >= limit {
				return claimed, nil
			}
			remaining := limit - len(claimed)
			organisationID := organisationFromReadyKey(readyKey, s.keyPrefix)

			res, err := s.dequeueScript.Run(ctx, s.client,
				[]string{readyKey, s.claimedKey(organisationID)},
				readyScoreCeiling(now), remaining, now.Unix(),
			).Result()
			if err != nil && err != redis.Nil {
				return nil, fmt.Errorf("store: dequeue script failed: %w", err)
			}

			ids, _ := res.([]interface{})
			for _, raw := range ids {
				id, _ := raw.(string)
				entry, err := s.Get(ctx, organisationID, id)
				if err != nil {
					s.logger.WarnWithContext(ctx, "claimed entry missing on load", map[string]interface{}{
						"queue_entry_id": id, "error": err.Error(),
					})
					continue
				}
				entry.Status = domain.StatusProcessing
				entry.UpdatedAt = now
				data, merr := json.Marshal(entry)
				if merr == nil {
					s.client.Set(ctx, s.entryKey(organisationID, id), data, 0)
				}
				s.client.SRem(ctx, s.statusIndexKey(organisationID, domain.StatusPending), id)
				s.client.SAdd(ctx, s.statusIndexKey(organisationID, domain.StatusProcessing), id)
				claimed = append(claimed, entry)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return claimed, nil
}

// readyScoreCeiling is the maximum ready score a claim at instant now may
// consider: since the score embeds priority as a sub-millisecond offset,
// adding priorityWeight-1 to now's raw millisecond score admits every
// priority tier for entries eligible at or before now.
func readyScoreCeiling(now time.Time) float64 {
	return float64(now.UnixMilli()*priorityWeight) + float64(priorityWeight-1)
}

func organisationFromReadyKey(key, prefix string) string {
	marker := prefix + ":queue:ready:"
	if len(key) > len(marker) {
		return key[len(marker):]
	}
	return ""
}

func (s *RedisQueueStore) ReclaimStuck(ctx context.Context, olderThan time.Time) ([]*domain.QueueEntry, error) {
	pattern := fmt.Sprintf("%s:queue:claimed:*", s.keyPrefix)
	var cursor uint64
	var reclaimed []*domain.QueueEntry

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan claimed sets: %w", err)
		}
		for _, claimedKey := range keys {
			organisationID := organisationFromClaimedKey(claimedKey, s.keyPrefix)
			ids, err := s.client.ZRangeByScore(ctx, claimedKey, &redis.ZRangeBy{
				Min: "-inf", Max: fmt.Sprintf("%d", olderThan.Unix()),
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("store: failed to scan stuck entries: %w", err)
			}
			for _, id := range ids {
				entry, err := s.Get(ctx, organisationID, id)
				if err != nil {
					continue
				}
				entry.Status = domain.StatusPending
				entry.UpdatedAt = time.Now()
				if err := s.Update(ctx, entry); err != nil {
					s.logger.WarnWithContext(ctx, "failed to reclaim stuck entry", map[string]interface{}{
						"queue_entry_id": id, "error": err.Error(),
					})
					continue
				}
				reclaimed = append(reclaimed, entry)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return reclaimed, nil
}

func organisationFromClaimedKey(key, prefix string) string {
	marker := prefix + ":queue:claimed:"
	if len(key) > len(marker) {
		return key[len(marker):]
	}
	return ""
}

func (s *RedisQueueStore) ListByDelivery(ctx context.Context, organisationID, deliveryID string) ([]*domain.QueueEntry, error) {
	ids, err := s.client.SMembers(ctx, s.deliveryIndexKey(organisationID, deliveryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to list delivery entries: %w", err)
	}
	return s.loadAll(ctx, organisationID, ids)
}

func (s *RedisQueueStore) ListByStatus(ctx context.Context, organisationID string, status domain.QueueStatus, limit int) ([]*domain.QueueEntry, error) {
	ids, err := s.client.SMembers(ctx, s.statusIndexKey(organisationID, status)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: failed to list entries by status: %w", err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return s.loadAll(ctx, organisationID, ids)
}

func (s *RedisQueueStore) loadAll(ctx context.Context, organisationID string, ids []string) ([]*domain.QueueEntry, error) {
	out := make([]*domain.QueueEntry, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, organisationID, id)
		if err != nil {
			if err == core.ErrQueueEntryNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DeleteTerminalBefore scans every organisation's terminal-status indexes
// and deletes entries whose UpdatedAt precedes the cutoff configured for
// their own status, returning the count removed. This is the cleanup
// policy's retention sweep (completed/failed/cancelled each
// retained for their own configured duration).
func (s *RedisQueueStore) DeleteTerminalBefore(ctx context.Context, cutoffs map[domain.QueueStatus]time.Time) (int, error) {
	removed := 0

	for status, cutoff := range cutoffs {
		pattern := fmt.Sprintf("%s:queue:status:*:%s", s.keyPrefix, status)
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return removed, fmt.Errorf("store: failed to scan status index: %w", err)
			}
			for _, idxKey := range keys {
				organisationID := organisationFromStatusKey(idxKey, s.keyPrefix, status)
				ids, err := s.client.SMembers(ctx, idxKey).Result()
				if err != nil {
					continue
				}
				for _, id := range ids {
					e, err := s.Get(ctx, organisationID, id)
					if err != nil {
						continue
					}
					if e.UpdatedAt.Before(cutoff) {
						pipe := s.client.TxPipeline()
						pipe.Del(ctx, s.entryKey(organisationID, id))
						pipe.SRem(ctx, idxKey, id)
						pipe.SRem(ctx, s.deliveryIndexKey(organisationID, e.DeliveryID), id)
						if _, err := pipe.Exec(ctx); err == nil {
							removed++
						}
					}
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return removed, nil
}

func organisationFromStatusKey(key, prefix string, status domain.QueueStatus) string {
	marker := fmt.Sprintf("%s:queue:status:", prefix)
	suffix := ":" + string(status)
	if len(key) > len(marker)+len(suffix) {
		return key[len(marker) : len(key)-len(suffix)]
	}
	return ""
}

func (s *RedisQueueStore) Depth(ctx context.Context, organisationID string) (int64, error) {
	n, err := s.client.ZCard(ctx, s.readyKey(organisationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: failed to read queue depth: %w", err)
	}
	return n, nil
}

var _ QueueStore = (*RedisQueueStore)(nil)
