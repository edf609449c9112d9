// Package registry tracks live client connections per user, session, and
// transport instance. It is the sole owner of the session-to-user mapping;
// sessions never hold pointers back into the registry.
package registry

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const numShards = 32

// entry wraps a session with its registry-private bookkeeping.
type entry struct {
	session delivery.ConnectionSession
	// load counts deliveries currently bound to this session and not yet
	// acknowledged. Used by the LEAST_CONNECTIONS strategy.
	load int64
}

// shard holds the sessions for a slice of the user-id space. Operations on
// different users in different shards never contend; operations on the same
// user are serialized by the shard mutex.
type shard struct {
	mu sync.RWMutex
	// users maps userID -> sessionID -> entry.
	users map[string]map[string]*entry
}

// Config tunes presence mirroring and idle eviction.
type Config struct {
	// PresenceTTL is the lifetime of a mirrored presence entry. Heartbeats
	// refresh it; silence lets it expire, treating the user as offline.
	PresenceTTL time.Duration
	// HeartbeatTimeout is how long a session may go without a heartbeat
	// before the reaper evicts it.
	HeartbeatTimeout time.Duration
	// ReapInterval is how often the idle reaper scans.
	ReapInterval time.Duration
}

// Registry maintains, per user, the set of active connection sessions.
type Registry struct {
	shards [numShards]*shard
	// sessionOwner maps sessionID -> userID so disconnects, which arrive
	// keyed by session, can find the owning shard.
	sessionOwner sync.Map

	presence delivery.PresenceCache
	cfg      Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// onOffline, if set, is invoked after a user loses their last session.
	onOffline func(userID string)
	// onOnline, if set, is invoked after a user gains their first session.
	onOnline func(userID string)

	mu          sync.Mutex
	onlineUsers int
	sessions    int
}

// New creates a registry. The presence cache may be nil for single-node
// deployments that do not mirror presence externally.
func New(presence delivery.PresenceCache, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 90 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	r := &Registry{
		presence: presence,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "ConnectionRegistry").Logger(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[string]*entry)}
	}
	return r
}

// OnPresenceChange installs callbacks fired when a user transitions online
// (first session) or offline (last session gone). Callbacks run on the
// registering goroutine and must not block.
func (r *Registry) OnPresenceChange(online, offline func(userID string)) {
	r.onOnline = online
	r.onOffline = offline
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%numShards]
}

// Register adds a live session for its user and mirrors presence.
func (r *Registry) Register(ctx context.Context, session delivery.ConnectionSession) {
	s := r.shardFor(session.UserID)

	s.mu.Lock()
	sessions, ok := s.users[session.UserID]
	if !ok {
		sessions = make(map[string]*entry)
		s.users[session.UserID] = sessions
	}
	firstSession := len(sessions) == 0
	_, dup := sessions[session.SessionID]
	if !dup {
		sessions[session.SessionID] = &entry{session: session}
	}
	count := len(sessions)
	s.mu.Unlock()

	r.sessionOwner.Store(session.SessionID, session.UserID)
	// A re-register of a live session id must not inflate the counters.
	if !dup {
		r.adjustCounts(firstSession, 1)
	}

	if r.presence != nil {
		info := delivery.ConnectionInfo{
			ServerInstanceID: session.ServerInstanceID,
			SessionCount:     count,
			ConnectedAt:      session.ConnectedAt.Unix(),
		}
		if err := r.presence.Set(ctx, session.UserID, info, r.cfg.PresenceTTL); err != nil {
			r.logger.Error().Err(err).Str("user", session.UserID).Msg("Failed to set user presence in cache.")
		}
	}

	if firstSession && r.onOnline != nil {
		r.onOnline(session.UserID)
	}

	r.logger.Info().
		Str("user", session.UserID).
		Str("session", session.SessionID).
		Int("sessions", count).
		Msg("Session registered.")
}

// Unregister removes a session by id. It returns the removed session and
// whether it was present.
func (r *Registry) Unregister(ctx context.Context, sessionID string) (delivery.ConnectionSession, bool) {
	owner, ok := r.sessionOwner.LoadAndDelete(sessionID)
	if !ok {
		return delivery.ConnectionSession{}, false
	}
	userID := owner.(string)
	s := r.shardFor(userID)

	s.mu.Lock()
	sessions := s.users[userID]
	e, present := sessions[sessionID]
	if present {
		delete(sessions, sessionID)
	}
	lastSession := present && len(sessions) == 0
	if lastSession {
		delete(s.users, userID)
	}
	s.mu.Unlock()

	if !present {
		return delivery.ConnectionSession{}, false
	}
	r.adjustCounts(lastSession, -1)

	if lastSession && r.presence != nil {
		if err := r.presence.Delete(ctx, userID); err != nil {
			r.logger.Error().Err(err).Str("user", userID).Msg("Failed to delete user presence from cache.")
		}
	}
	if lastSession && r.onOffline != nil {
		r.onOffline(userID)
	}

	r.logger.Info().
		Str("user", userID).
		Str("session", sessionID).
		Bool("last_session", lastSession).
		Msg("Session unregistered.")
	return e.session, true
}

// Heartbeat refreshes a session's liveness and the mirrored presence TTL.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) bool {
	owner, ok := r.sessionOwner.Load(sessionID)
	if !ok {
		return false
	}
	userID := owner.(string)
	s := r.shardFor(userID)

	s.mu.Lock()
	e, present := s.users[userID][sessionID]
	if present {
		e.session.LastHeartbeatAt = time.Now()
	}
	s.mu.Unlock()

	if !present {
		return false
	}
	if r.presence != nil {
		if err := r.presence.Refresh(ctx, userID, r.cfg.PresenceTTL); err != nil {
			r.logger.Warn().Err(err).Str("user", userID).Msg("Failed to refresh presence TTL.")
		}
	}
	return true
}

// IsOnline reports whether the user has at least one live session on this
// instance.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// SessionsOf returns snapshots of the user's live sessions.
func (r *Registry) SessionsOf(userID string) []delivery.ConnectionSession {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := s.users[userID]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]delivery.ConnectionSession, 0, len(sessions))
	for _, e := range sessions {
		out = append(out, e.session)
	}
	return out
}

// Session returns a snapshot of one session by id.
func (r *Registry) Session(sessionID string) (delivery.ConnectionSession, bool) {
	owner, ok := r.sessionOwner.Load(sessionID)
	if !ok {
		return delivery.ConnectionSession{}, false
	}
	userID := owner.(string)
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, present := s.users[userID][sessionID]
	if !present {
		return delivery.ConnectionSession{}, false
	}
	return e.session, true
}

// OnlineCount returns the number of distinct users with a live session.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineUsers
}

// SessionCount returns the total number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

// AddLoad adjusts the in-flight delivery count for a session.
func (r *Registry) AddLoad(sessionID string, delta int64) {
	owner, ok := r.sessionOwner.Load(sessionID)
	if !ok {
		return
	}
	userID := owner.(string)
	s := r.shardFor(userID)
	s.mu.Lock()
	if e, present := s.users[userID][sessionID]; present {
		e.load += delta
		if e.load < 0 {
			e.load = 0
		}
	}
	s.mu.Unlock()
}

// LoadOf returns the in-flight delivery count for a session.
func (r *Registry) LoadOf(sessionID string) int64 {
	owner, ok := r.sessionOwner.Load(sessionID)
	if !ok {
		return 0
	}
	userID := owner.(string)
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, present := s.users[userID][sessionID]; present {
		return e.load
	}
	return 0
}

// SessionsMatching returns snapshots of every session whose topic list
// satisfies the match predicate. Used by broadcast fan-out.
func (r *Registry) SessionsMatching(match func(topics []string) bool) []delivery.ConnectionSession {
	var out []delivery.ConnectionSession
	for _, s := range r.shards {
		s.mu.RLock()
		for _, sessions := range s.users {
			for _, e := range sessions {
				if match(e.session.Topics) {
					out = append(out, e.session)
				}
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Start runs the idle-session reaper until the context is cancelled.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.cfg.ReapInterval).Msg("Idle-session reaper started.")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Idle-session reaper stopped.")
			return
		case <-ticker.C:
			reaped := r.reapIdle(ctx, time.Now().Add(-r.cfg.HeartbeatTimeout))
			if reaped > 0 {
				r.logger.Warn().Int("count", reaped).Msg("Evicted sessions with lapsed heartbeats.")
			}
		}
	}
}

// reapIdle evicts every session whose last heartbeat precedes cutoff.
func (r *Registry) reapIdle(ctx context.Context, cutoff time.Time) int {
	var stale []string
	for _, s := range r.shards {
		s.mu.RLock()
		for _, sessions := range s.users {
			for id, e := range sessions {
				last := e.session.LastHeartbeatAt
				if last.IsZero() {
					last = e.session.ConnectedAt
				}
				if last.Before(cutoff) {
					stale = append(stale, id)
				}
			}
		}
		s.mu.RUnlock()
	}
	for _, id := range stale {
		r.Unregister(ctx, id)
	}
	return len(stale)
}

func (r *Registry) adjustCounts(userTransition bool, sessionDelta int) {
	r.mu.Lock()
	r.sessions += sessionDelta
	if userTransition {
		r.onlineUsers += sessionDelta
	}
	sessions, users := r.sessions, r.onlineUsers
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(sessions))
		r.metrics.OnlineUsers.Set(float64(users))
	}
}
