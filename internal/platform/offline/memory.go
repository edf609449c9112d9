// Package offline provides delivery.OfflineStore implementations: an
// in-memory store for tests and single-node runs, a Redis store for
// low-latency deployments, and a Firestore store for durable persistence.
package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Config bounds the offline backlog.
type Config struct {
	// MaxPerUser caps stored notifications per user; lowest-priority/oldest
	// entries are evicted first.
	MaxPerUser int
	// Retention expires unread notifications.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 100
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
}

// sortPending orders notifications by priority (highest first) then recency
// (newest first). All stores share this retrieval order.
func sortPending(list []*delivery.OfflineNotification) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].SavedAt.After(list[j].SavedAt)
	})
}

// MemoryStore is a process-local delivery.OfflineStore.
type MemoryStore struct {
	mu    sync.Mutex
	cfg   Config
	users map[string][]*delivery.OfflineNotification
}

// NewMemoryStore creates an empty in-memory offline store.
func NewMemoryStore(cfg Config) *MemoryStore {
	cfg.applyDefaults()
	return &MemoryStore{cfg: cfg, users: make(map[string][]*delivery.OfflineNotification)}
}

func (s *MemoryStore) SaveOffline(_ context.Context, n *delivery.OfflineNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	list := append(s.users[n.UserID], &cp)
	sortPending(list)
	// Evict from the tail: lowest priority, oldest.
	if len(list) > s.cfg.MaxPerUser {
		list = list[:s.cfg.MaxPerUser]
	}
	s.users[n.UserID] = list
	return nil
}

func (s *MemoryStore) LoadOffline(_ context.Context, userID string, max int) ([]*delivery.OfflineNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.Retention)
	kept := s.users[userID][:0]
	for _, n := range s.users[userID] {
		if n.SavedAt.After(cutoff) {
			kept = append(kept, n)
		}
	}
	s.users[userID] = kept

	out := make([]*delivery.OfflineNotification, 0, max)
	for _, n := range kept {
		if len(out) == max {
			break
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) DeleteOffline(_ context.Context, userID string, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.users[userID]
	for i, n := range list {
		if n.NotificationID == notificationID {
			s.users[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}
