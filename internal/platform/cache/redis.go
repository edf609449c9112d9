package cache

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

// redisClient is the slice of go-redis we depend on.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

func presenceKey(userID string) string { return fmt.Sprintf("presence:%s", userID) }
func dedupKey(key string) string       { return fmt.Sprintf("notified:%s", key) }

// RedisPresenceCache mirrors online presence into Redis with a short TTL.
// Heartbeats refresh the TTL; a crashed instance's entries simply expire.
type RedisPresenceCache struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisPresenceCache is the constructor for the RedisPresenceCache.
func NewRedisPresenceCache(client redisClient, logger zerolog.Logger) (*RedisPresenceCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisPresenceCache{
		client: client,
		logger: logger.With().Str("component", "redis_presence_cache").Logger(),
	}, nil
}

func (c *RedisPresenceCache) Set(ctx context.Context, userID string, info delivery.ConnectionInfo, ttl time.Duration) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "failed to marshal presence entry")
	}
	if err := c.client.Set(ctx, presenceKey(userID), payload, ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to set presence for %s", userID)
	}
	return nil
}

func (c *RedisPresenceCache) Refresh(ctx context.Context, userID string, ttl time.Duration) error {
	ok, err := c.client.Expire(ctx, presenceKey(userID), ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to refresh presence TTL for %s", userID)
	}
	if !ok {
		return delivery.ErrNotFound
	}
	return nil
}

func (c *RedisPresenceCache) Fetch(ctx context.Context, userID string) (delivery.ConnectionInfo, error) {
	payload, err := c.client.Get(ctx, presenceKey(userID)).Result()
	if err == redis.Nil {
		return delivery.ConnectionInfo{}, delivery.ErrNotFound
	}
	if err != nil {
		return delivery.ConnectionInfo{}, errors.Wrapf(err, "failed to fetch presence for %s", userID)
	}
	var info delivery.ConnectionInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return delivery.ConnectionInfo{}, errors.Wrap(err, "failed to unmarshal presence entry")
	}
	return info, nil
}

func (c *RedisPresenceCache) Delete(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete presence for %s", userID)
	}
	return nil
}

// RedisDedupGuard implements delivery.DedupGuard with SET NX EX, so the
// first-marker race resolves inside Redis.
type RedisDedupGuard struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisDedupGuard is the constructor for the RedisDedupGuard.
func NewRedisDedupGuard(client redisClient, logger zerolog.Logger) (*RedisDedupGuard, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisDedupGuard{
		client: client,
		logger: logger.With().Str("component", "redis_dedup_guard").Logger(),
	}, nil
}

func (g *RedisDedupGuard) MarkNotified(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	first, err := g.client.SetNX(ctx, dedupKey(key), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to set dedup marker for %s", key)
	}
	if !first {
		g.logger.Debug().Str("key", key).Msg("Dedup marker already present.")
	}
	return first, nil
}

func (g *RedisDedupGuard) ClearNotified(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, dedupKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "failed to clear dedup marker for %s", key)
	}
	return nil
}
