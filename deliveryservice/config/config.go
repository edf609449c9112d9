// Package config loads and validates the delivery service configuration in
// two stages: the raw YAML is mapped onto a clean AppConfig, then environment
// overrides and final validation are applied.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// --- YAML-Specific Structs ---
// Durations travel as strings ("30s", "5m") and are parsed in stage 1.

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlFirestoreConfig struct {
	CollectionName string `yaml:"collection_name"`
}

type YamlPresenceCacheConfig struct {
	Type  string          `yaml:"type"` // "redis" or "memory"
	Redis YamlRedisConfig `yaml:"redis"`
}

type YamlOfflineStoreConfig struct {
	Type       string              `yaml:"type"` // "redis", "firestore", or "memory"
	Redis      YamlRedisConfig     `yaml:"redis"`
	Firestore  YamlFirestoreConfig `yaml:"firestore"`
	MaxPerUser int                 `yaml:"max_per_user"`
	Retention  string              `yaml:"retention"`
}

type YamlRetryPolicy struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseDelay         string  `yaml:"base_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxDelay          string  `yaml:"max_delay"`
	AckTimeout        string  `yaml:"ack_timeout"`
}

type YamlRetryConfig struct {
	Default   YamlRetryPolicy            `yaml:"default"`
	Overrides map[string]YamlRetryPolicy `yaml:"overrides"`
}

type YamlRoutingRule struct {
	Strategy        string `yaml:"strategy"`
	FailoverEnabled bool   `yaml:"failover_enabled"`
	MaxRetries      int    `yaml:"max_retries"`
}

type YamlRoutingConfig struct {
	Default YamlRoutingRule            `yaml:"default"`
	Rules   map[string]YamlRoutingRule `yaml:"rules"`
}

type YamlRegistryConfig struct {
	PresenceTTL      string `yaml:"presence_ttl"`
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`
	ReapInterval     string `yaml:"reap_interval"`
}

type YamlTrackerConfig struct {
	SweepInterval string `yaml:"sweep_interval"`
	Retention     string `yaml:"retention"`
}

type YamlBatchConfig struct {
	DefaultTimeout    string `yaml:"default_timeout"`
	ScanInterval      string `yaml:"scan_interval"`
	NearTimeoutMargin string `yaml:"near_timeout_margin"`
	Retention         string `yaml:"retention"`
}

type YamlFallbackConfig struct {
	DedupType           string `yaml:"dedup_type"` // "redis" or "memory"
	DedupTTL            string `yaml:"dedup_ttl"`
	MaxPushPerReconnect int    `yaml:"max_push_per_reconnect"`
	SummaryThreshold    int    `yaml:"summary_threshold"`
}

// YamlConfig defines the structure for unmarshaling the config.yaml file.
type YamlConfig struct {
	RunMode       string                  `yaml:"run_mode"`
	APIPort       string                  `yaml:"api_port"`
	WebSocketPort string                  `yaml:"websocket_port"`
	ProjectID     string                  `yaml:"project_id"`
	PresenceCache YamlPresenceCacheConfig `yaml:"presence_cache"`
	OfflineStore  YamlOfflineStoreConfig  `yaml:"offline_store"`
	Retry         YamlRetryConfig         `yaml:"retry"`
	Routing       YamlRoutingConfig       `yaml:"routing"`
	Registry      YamlRegistryConfig      `yaml:"registry"`
	Tracker       YamlTrackerConfig       `yaml:"tracker"`
	Batch         YamlBatchConfig         `yaml:"batch"`
	Fallback      YamlFallbackConfig      `yaml:"fallback"`
}

// --- Application Config Struct ---

// AppConfig is the canonical, validated configuration object used throughout
// the application.
type AppConfig struct {
	RunMode       string
	APIPort       string
	WebSocketPort string
	ProjectID     string

	PresenceCacheType string
	PresenceRedis     YamlRedisConfig

	OfflineStoreType      string
	OfflineRedis          YamlRedisConfig
	OfflineCollectionName string
	OfflineMaxPerUser     int
	OfflineRetention      time.Duration

	DefaultRetryPolicy delivery.RetryPolicy
	RetryOverrides     map[string]delivery.RetryPolicy

	DefaultRoutingRule delivery.RoutingRule
	RoutingRules       map[string]delivery.RoutingRule

	PresenceTTL      time.Duration
	HeartbeatTimeout time.Duration
	ReapInterval     time.Duration

	SweepInterval    time.Duration
	TrackerRetention time.Duration

	BatchDefaultTimeout    time.Duration
	BatchScanInterval      time.Duration
	BatchNearTimeoutMargin time.Duration
	BatchRetention         time.Duration

	DedupType           string
	DedupTTL            time.Duration
	MaxPushPerReconnect int
	SummaryThreshold    int
}

// Load unmarshals raw YAML and runs both configuration stages.
func Load(data []byte, logger zerolog.Logger) (*AppConfig, error) {
	var yamlCfg YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	cfg, err := NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, err
	}
	return UpdateConfigWithEnvOverrides(cfg, logger)
}

// NewConfigFromYaml converts the raw unmarshaled data into a clean, base
// AppConfig struct. Stage 1: durations are parsed, nothing is validated
// against the environment yet.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	cfg := &AppConfig{
		RunMode:               yamlCfg.RunMode,
		APIPort:               yamlCfg.APIPort,
		WebSocketPort:         yamlCfg.WebSocketPort,
		ProjectID:             yamlCfg.ProjectID,
		PresenceCacheType:     yamlCfg.PresenceCache.Type,
		PresenceRedis:         yamlCfg.PresenceCache.Redis,
		OfflineStoreType:      yamlCfg.OfflineStore.Type,
		OfflineRedis:          yamlCfg.OfflineStore.Redis,
		OfflineCollectionName: yamlCfg.OfflineStore.Firestore.CollectionName,
		OfflineMaxPerUser:     yamlCfg.OfflineStore.MaxPerUser,
		DedupType:             yamlCfg.Fallback.DedupType,
		MaxPushPerReconnect:   yamlCfg.Fallback.MaxPushPerReconnect,
		SummaryThreshold:      yamlCfg.Fallback.SummaryThreshold,
		RetryOverrides:        make(map[string]delivery.RetryPolicy),
		RoutingRules:          make(map[string]delivery.RoutingRule),
	}

	var err error
	if cfg.OfflineRetention, err = parseDuration(yamlCfg.OfflineStore.Retention, 7*24*time.Hour); err != nil {
		return nil, fmt.Errorf("offline_store.retention: %w", err)
	}
	if cfg.PresenceTTL, err = parseDuration(yamlCfg.Registry.PresenceTTL, 90*time.Second); err != nil {
		return nil, fmt.Errorf("registry.presence_ttl: %w", err)
	}
	if cfg.HeartbeatTimeout, err = parseDuration(yamlCfg.Registry.HeartbeatTimeout, 2*time.Minute); err != nil {
		return nil, fmt.Errorf("registry.heartbeat_timeout: %w", err)
	}
	if cfg.ReapInterval, err = parseDuration(yamlCfg.Registry.ReapInterval, 30*time.Second); err != nil {
		return nil, fmt.Errorf("registry.reap_interval: %w", err)
	}
	if cfg.SweepInterval, err = parseDuration(yamlCfg.Tracker.SweepInterval, time.Second); err != nil {
		return nil, fmt.Errorf("tracker.sweep_interval: %w", err)
	}
	if cfg.TrackerRetention, err = parseDuration(yamlCfg.Tracker.Retention, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("tracker.retention: %w", err)
	}
	if cfg.BatchDefaultTimeout, err = parseDuration(yamlCfg.Batch.DefaultTimeout, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("batch.default_timeout: %w", err)
	}
	if cfg.BatchScanInterval, err = parseDuration(yamlCfg.Batch.ScanInterval, 5*time.Second); err != nil {
		return nil, fmt.Errorf("batch.scan_interval: %w", err)
	}
	if cfg.BatchNearTimeoutMargin, err = parseDuration(yamlCfg.Batch.NearTimeoutMargin, 30*time.Second); err != nil {
		return nil, fmt.Errorf("batch.near_timeout_margin: %w", err)
	}
	if cfg.BatchRetention, err = parseDuration(yamlCfg.Batch.Retention, 10*time.Minute); err != nil {
		return nil, fmt.Errorf("batch.retention: %w", err)
	}
	if cfg.DedupTTL, err = parseDuration(yamlCfg.Fallback.DedupTTL, 10*time.Minute); err != nil {
		return nil, fmt.Errorf("fallback.dedup_ttl: %w", err)
	}

	if cfg.DefaultRetryPolicy, err = parseRetryPolicy(yamlCfg.Retry.Default); err != nil {
		return nil, fmt.Errorf("retry.default: %w", err)
	}
	for messageType, p := range yamlCfg.Retry.Overrides {
		policy, err := parseRetryPolicy(p)
		if err != nil {
			return nil, fmt.Errorf("retry.overrides[%s]: %w", messageType, err)
		}
		cfg.RetryOverrides[messageType] = policy
	}

	cfg.DefaultRoutingRule = parseRoutingRule(yamlCfg.Routing.Default)
	for routingKey, r := range yamlCfg.Routing.Rules {
		cfg.RoutingRules[routingKey] = parseRoutingRule(r)
	}

	logger.Debug().
		Str("api_port", cfg.APIPort).
		Str("websocket_port", cfg.WebSocketPort).
		Str("presence_cache_type", cfg.PresenceCacheType).
		Str("offline_store_type", cfg.OfflineStoreType).
		Msg("YAML config mapping complete")

	return cfg, nil
}

// UpdateConfigWithEnvOverrides applies environment variables and final
// validation. Stage 2 of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if port := os.Getenv("API_PORT"); port != "" {
		cfg.APIPort = port
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		cfg.WebSocketPort = port
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.PresenceRedis.Addr = addr
		cfg.OfflineRedis.Addr = addr
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		cfg.ProjectID = projectID
	}

	if cfg.APIPort == "" {
		cfg.APIPort = "8080"
	}
	if cfg.WebSocketPort == "" {
		cfg.WebSocketPort = "8081"
	}
	if cfg.PresenceCacheType == "" {
		cfg.PresenceCacheType = "memory"
	}
	if cfg.OfflineStoreType == "" {
		cfg.OfflineStoreType = "memory"
	}
	if cfg.DedupType == "" {
		cfg.DedupType = "memory"
	}

	switch cfg.PresenceCacheType {
	case "memory":
	case "redis":
		if cfg.PresenceRedis.Addr == "" {
			return nil, fmt.Errorf("presence_cache.redis.addr is required when type is redis")
		}
	default:
		return nil, fmt.Errorf("unknown presence cache type %q", cfg.PresenceCacheType)
	}

	switch cfg.OfflineStoreType {
	case "memory":
	case "redis":
		if cfg.OfflineRedis.Addr == "" {
			return nil, fmt.Errorf("offline_store.redis.addr is required when type is redis")
		}
	case "firestore":
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("project_id is required when offline store type is firestore")
		}
		if cfg.OfflineCollectionName == "" {
			return nil, fmt.Errorf("offline_store.firestore.collection_name is required")
		}
	default:
		return nil, fmt.Errorf("unknown offline store type %q", cfg.OfflineStoreType)
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

func parseRetryPolicy(p YamlRetryPolicy) (delivery.RetryPolicy, error) {
	policy := delivery.RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		BackoffMultiplier: p.BackoffMultiplier,
	}
	var err error
	if policy.BaseDelay, err = parseDuration(p.BaseDelay, 2*time.Second); err != nil {
		return policy, err
	}
	if policy.MaxDelay, err = parseDuration(p.MaxDelay, time.Minute); err != nil {
		return policy, err
	}
	if policy.AckTimeout, err = parseDuration(p.AckTimeout, 30*time.Second); err != nil {
		return policy, err
	}
	if policy.BackoffMultiplier == 0 {
		policy.BackoffMultiplier = 2
	}
	return policy, nil
}

func parseRoutingRule(r YamlRoutingRule) delivery.RoutingRule {
	strategy := delivery.RoutingStrategy(r.Strategy)
	if strategy == "" {
		strategy = delivery.StrategyRoundRobin
	}
	return delivery.RoutingRule{
		Strategy:        strategy,
		FailoverEnabled: r.FailoverEnabled,
		MaxRetries:      r.MaxRetries,
	}
}
