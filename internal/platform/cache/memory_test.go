package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

func TestMemoryPresenceCacheSetFetchDelete(t *testing.T) {
	c := NewMemoryPresenceCache()
	ctx := context.Background()
	info := delivery.ConnectionInfo{ServerInstanceID: "srv-1", SessionCount: 2}

	require.NoError(t, c.Set(ctx, "alice", info, time.Minute))

	got, err := c.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ServerInstanceID)

	require.NoError(t, c.Delete(ctx, "alice"))
	_, err = c.Fetch(ctx, "alice")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestMemoryPresenceCacheExpiry(t *testing.T) {
	c := NewMemoryPresenceCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "alice", delivery.ConnectionInfo{}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := c.Fetch(ctx, "alice")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestMemoryPresenceCacheRefresh(t *testing.T) {
	c := NewMemoryPresenceCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "alice", delivery.ConnectionInfo{}, 50*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Refresh(ctx, "alice", time.Minute))
	time.Sleep(30 * time.Millisecond)

	_, err := c.Fetch(ctx, "alice")
	assert.NoError(t, err, "refresh extends the ttl")
}

func TestMemoryDedupGuard(t *testing.T) {
	g := NewMemoryDedupGuard()
	ctx := context.Background()

	first, err := g.MarkNotified(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := g.MarkNotified(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := g.MarkNotified(ctx, "task-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryDedupGuardClearReleasesMarker(t *testing.T) {
	g := NewMemoryDedupGuard()
	ctx := context.Background()

	first, err := g.MarkNotified(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	require.NoError(t, g.ClearNotified(ctx, "task-1"))

	reclaimed, err := g.MarkNotified(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaimed, "a cleared marker can be claimed again")
}

func TestMemoryDedupGuardTTLExpiry(t *testing.T) {
	g := NewMemoryDedupGuard()
	ctx := context.Background()

	_, err := g.MarkNotified(ctx, "task-1", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	fresh, err := g.MarkNotified(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "an expired marker no longer suppresses")
}
