package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// redisClient is the slice of go-redis the store depends on.
type redisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

func rankKey(userID string) string { return fmt.Sprintf("offline:rank:%s", userID) }
func dataKey(userID string) string { return fmt.Sprintf("offline:data:%s", userID) }

// RedisStore implements delivery.OfflineStore on two structures per user:
//  1. `offline:rank:{user}`: a sorted set of notification ids scored by
//     priority then recency, so retrieval order is a single ZREVRANGE.
//  2. `offline:data:{user}`: a hash of notification id -> JSON payload.
type RedisStore struct {
	client redisClient
	cfg    Config
	logger zerolog.Logger
}

// NewRedisStore is the constructor for the RedisStore.
func NewRedisStore(client redisClient, cfg Config, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	cfg.applyDefaults()
	return &RedisStore{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "redis_offline_store").Logger(),
	}, nil
}

// score packs priority (major) and save time (minor) into one sortable
// float. Priorities are small integers, so the second precision of the minor
// component stays well inside the float64 mantissa.
func score(n *delivery.OfflineNotification) float64 {
	return float64(n.Priority)*1e10 + float64(n.SavedAt.Unix())/1e1
}

func (s *RedisStore) SaveOffline(ctx context.Context, n *delivery.OfflineNotification) error {
	log := s.logger.With().Str("user", n.UserID).Str("notification", n.NotificationID).Logger()

	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "failed to marshal offline notification")
	}

	if err := s.client.HSet(ctx, dataKey(n.UserID), n.NotificationID, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to store notification payload")
	}
	if err := s.client.ZAdd(ctx, rankKey(n.UserID), redis.Z{Score: score(n), Member: n.NotificationID}).Err(); err != nil {
		return errors.Wrap(err, "failed to rank notification")
	}

	// Enforce the per-user cap: members at the low end of the sorted set
	// are the lowest-priority, oldest entries.
	card, err := s.client.ZCard(ctx, rankKey(n.UserID)).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check offline backlog size.")
		return nil
	}
	if over := card - int64(s.cfg.MaxPerUser); over > 0 {
		evicted, err := s.client.ZRange(ctx, rankKey(n.UserID), 0, over-1).Result()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list notifications for eviction.")
			return nil
		}
		for _, id := range evicted {
			_ = s.client.ZRem(ctx, rankKey(n.UserID), id)
			_ = s.client.HDel(ctx, dataKey(n.UserID), id)
		}
		log.Info().Int("evicted", len(evicted)).Msg("Evicted oldest offline notifications over cap.")
	}
	return nil
}

func (s *RedisStore) LoadOffline(ctx context.Context, userID string, max int) ([]*delivery.OfflineNotification, error) {
	log := s.logger.With().Str("user", userID).Logger()

	ids, err := s.client.ZRevRange(ctx, rankKey(userID), 0, int64(max-1)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list offline notifications for %s", userID)
	}

	cutoff := time.Now().Add(-s.cfg.Retention)
	out := make([]*delivery.OfflineNotification, 0, len(ids))
	for _, id := range ids {
		payload, err := s.client.HGet(ctx, dataKey(userID), id).Result()
		if err == redis.Nil {
			// Rank entry without payload: repair by dropping the rank.
			_ = s.client.ZRem(ctx, rankKey(userID), id)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load notification %s", id)
		}
		var n delivery.OfflineNotification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			log.Error().Err(err).Str("notification", id).Msg("Dropping poison offline notification.")
			_ = s.client.ZRem(ctx, rankKey(userID), id)
			_ = s.client.HDel(ctx, dataKey(userID), id)
			continue
		}
		if n.SavedAt.Before(cutoff) {
			_ = s.client.ZRem(ctx, rankKey(userID), id)
			_ = s.client.HDel(ctx, dataKey(userID), id)
			continue
		}
		out = append(out, &n)
	}
	return out, nil
}

func (s *RedisStore) DeleteOffline(ctx context.Context, userID string, notificationID string) error {
	if err := s.client.ZRem(ctx, rankKey(userID), notificationID).Err(); err != nil {
		return errors.Wrapf(err, "failed to unrank notification %s", notificationID)
	}
	if err := s.client.HDel(ctx, dataKey(userID), notificationID).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete notification %s", notificationID)
	}
	return nil
}
