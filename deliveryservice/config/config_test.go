package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const testYaml = `
run_mode: "test"
api_port: "9080"
websocket_port: "9081"
presence_cache:
  type: "redis"
  redis:
    addr: "localhost:6379"
offline_store:
  type: "memory"
  max_per_user: 50
  retention: "48h"
retry:
  default:
    max_attempts: 3
    base_delay: "2s"
    backoff_multiplier: 2.0
    max_delay: "1m"
    ack_timeout: "30s"
  overrides:
    fleet.command:
      max_attempts: 5
      base_delay: "1s"
      backoff_multiplier: 1.5
      max_delay: "30s"
      ack_timeout: "20s"
routing:
  default:
    strategy: "ROUND_ROBIN"
  rules:
    fleet.command:
      strategy: "LEAST_CONNECTIONS"
      failover_enabled: true
      max_retries: 2
registry:
  presence_ttl: "45s"
tracker:
  sweep_interval: "500ms"
batch:
  default_timeout: "2m"
fallback:
  dedup_ttl: "5m"
  summary_threshold: 15
`

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(testYaml), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "9080", cfg.APIPort)
	assert.Equal(t, "9081", cfg.WebSocketPort)
	assert.Equal(t, "redis", cfg.PresenceCacheType)
	assert.Equal(t, "localhost:6379", cfg.PresenceRedis.Addr)
	assert.Equal(t, "memory", cfg.OfflineStoreType)
	assert.Equal(t, 50, cfg.OfflineMaxPerUser)
	assert.Equal(t, 48*time.Hour, cfg.OfflineRetention)

	assert.Equal(t, 3, cfg.DefaultRetryPolicy.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.DefaultRetryPolicy.BaseDelay)
	override, ok := cfg.RetryOverrides["fleet.command"]
	require.True(t, ok)
	assert.Equal(t, 5, override.MaxAttempts)
	assert.Equal(t, 20*time.Second, override.AckTimeout)

	assert.Equal(t, delivery.StrategyRoundRobin, cfg.DefaultRoutingRule.Strategy)
	rule, ok := cfg.RoutingRules["fleet.command"]
	require.True(t, ok)
	assert.Equal(t, delivery.StrategyLeastConnections, rule.Strategy)
	assert.True(t, rule.FailoverEnabled)

	assert.Equal(t, 45*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.BatchDefaultTimeout)
	assert.Equal(t, 5*time.Minute, cfg.DedupTTL)
	assert.Equal(t, 15, cfg.SummaryThreshold)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte("run_mode: test\n"), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "8081", cfg.WebSocketPort)
	assert.Equal(t, "memory", cfg.PresenceCacheType)
	assert.Equal(t, "memory", cfg.OfflineStoreType)
	assert.Equal(t, "memory", cfg.DedupType)
	assert.Equal(t, 90*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.OfflineRetention)
	assert.Equal(t, 2.0, cfg.DefaultRetryPolicy.BackoffMultiplier)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load([]byte("tracker:\n  sweep_interval: \"soon\"\n"), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep_interval")
}

func TestLoadRejectsRedisWithoutAddr(t *testing.T) {
	_, err := Load([]byte("presence_cache:\n  type: \"redis\"\n"), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "presence_cache.redis.addr")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "7070")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load([]byte("presence_cache:\n  type: \"redis\"\n"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.APIPort)
	assert.Equal(t, "redis.internal:6379", cfg.PresenceRedis.Addr)
}
