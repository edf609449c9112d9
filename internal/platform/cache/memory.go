// Package cache provides presence-cache and dedup-guard implementations. The
// Redis variants are for multi-instance deployments; the in-memory variants
// serve tests and single-node runs.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

type memoryEntry struct {
	info      delivery.ConnectionInfo
	expiresAt time.Time
}

// MemoryPresenceCache is a process-local delivery.PresenceCache with TTL
// expiry enforced on read.
type MemoryPresenceCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryPresenceCache creates an empty in-memory presence cache.
func NewMemoryPresenceCache() *MemoryPresenceCache {
	return &MemoryPresenceCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryPresenceCache) Set(_ context.Context, userID string, info delivery.ConnectionInfo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = memoryEntry{info: info, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryPresenceCache) Refresh(_ context.Context, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, userID)
		return delivery.ErrNotFound
	}
	e.expiresAt = time.Now().Add(ttl)
	c.entries[userID] = e
	return nil
}

func (c *MemoryPresenceCache) Fetch(_ context.Context, userID string) (delivery.ConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, userID)
		return delivery.ConnectionInfo{}, delivery.ErrNotFound
	}
	return e.info, nil
}

func (c *MemoryPresenceCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

// MemoryDedupGuard is a process-local delivery.DedupGuard.
type MemoryDedupGuard struct {
	mu      sync.Mutex
	markers map[string]time.Time
}

// NewMemoryDedupGuard creates an empty in-memory dedup guard.
func NewMemoryDedupGuard() *MemoryDedupGuard {
	return &MemoryDedupGuard{markers: make(map[string]time.Time)}
}

func (g *MemoryDedupGuard) MarkNotified(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if expires, ok := g.markers[key]; ok && now.Before(expires) {
		return false, nil
	}
	g.markers[key] = now.Add(ttl)
	// Opportunistic cleanup keeps the map from growing unbounded.
	if len(g.markers) > 10000 {
		for k, expires := range g.markers {
			if now.After(expires) {
				delete(g.markers, k)
			}
		}
	}
	return true, nil
}

func (g *MemoryDedupGuard) ClearNotified(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.markers, key)
	return nil
}
