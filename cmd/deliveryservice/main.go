package main

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice"
	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/app"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/cache"
	"github.com/tinywideclouds/go-delivery-service/internal/platform/offline"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

//go:embed config.yaml
var configFile []byte

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-delivery-service").Logger()

	cfg, err := config.Load(configFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	service, err := deliveryservice.New(cfg, deps, userIDFromHeader, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create delivery service")
	}

	app.Run(ctx, service, logger)
}

// userIDFromHeader trusts the X-User-ID header set by the authenticating
// proxy in front of this service.
func userIDFromHeader(r *http.Request) (string, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return "", fmt.Errorf("missing X-User-ID header")
	}
	return userID, nil
}

// newDependencies builds the pluggable platform adapters based on config.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*deliveryservice.Dependencies, error) {
	deps := &deliveryservice.Dependencies{}

	presence, err := newPresenceCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.PresenceCache = presence

	store, err := newOfflineStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.OfflineStore = store

	guard, err := newDedupGuard(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.DedupGuard = guard

	return deps, nil
}

func newPresenceCache(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (delivery.PresenceCache, error) {
	logger.Info().Str("type", cfg.PresenceCacheType).Msg("Initializing presence cache...")
	switch cfg.PresenceCacheType {
	case "redis":
		rdb, err := newRedisClient(ctx, cfg.PresenceRedis, logger)
		if err != nil {
			return nil, fmt.Errorf("presence cache: %w", err)
		}
		return cache.NewRedisPresenceCache(rdb, logger)
	case "memory":
		logger.Warn().Msg("Using in-memory presence cache; presence is not shared across instances.")
		return cache.NewMemoryPresenceCache(), nil
	default:
		return nil, fmt.Errorf("invalid presence_cache type: %s", cfg.PresenceCacheType)
	}
}

func newOfflineStore(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (delivery.OfflineStore, error) {
	logger.Info().Str("type", cfg.OfflineStoreType).Msg("Initializing offline store...")
	storeCfg := offline.Config{
		MaxPerUser: cfg.OfflineMaxPerUser,
		Retention:  cfg.OfflineRetention,
	}
	switch cfg.OfflineStoreType {
	case "redis":
		rdb, err := newRedisClient(ctx, cfg.OfflineRedis, logger)
		if err != nil {
			return nil, fmt.Errorf("offline store: %w", err)
		}
		return offline.NewRedisStore(rdb, storeCfg, logger)
	case "firestore":
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return offline.NewFirestoreStore(fsClient, cfg.OfflineCollectionName, storeCfg, logger)
	case "memory":
		logger.Warn().Msg("Using in-memory offline store; notifications are lost on restart.")
		return offline.NewMemoryStore(storeCfg), nil
	default:
		return nil, fmt.Errorf("invalid offline_store type: %s", cfg.OfflineStoreType)
	}
}

func newDedupGuard(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (delivery.DedupGuard, error) {
	switch cfg.DedupType {
	case "redis":
		rdb, err := newRedisClient(ctx, cfg.PresenceRedis, logger)
		if err != nil {
			return nil, fmt.Errorf("dedup guard: %w", err)
		}
		return cache.NewRedisDedupGuard(rdb, logger)
	case "memory":
		return cache.NewMemoryDedupGuard(), nil
	default:
		return nil, fmt.Errorf("invalid dedup type: %s", cfg.DedupType)
	}
}

func newRedisClient(ctx context.Context, rc config.YamlRedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
	}
	logger.Info().Str("addr", rc.Addr).Msg("Connected to Redis")
	return rdb, nil
}
