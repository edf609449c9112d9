// Package router chooses the target session(s) for an outbound message via a
// pluggable strategy table and handles transport-level failover. Strategies
// are dispatched through a lookup table so new ones can be added without
// touching callers.
package router

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/registry"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// strategyFunc orders candidate sessions by preference for one delivery.
type strategyFunc func(r *Router, userID string, candidates []delivery.ConnectionSession) []delivery.ConnectionSession

// Router selects transport targets and performs failover sends.
type Router struct {
	registry   *registry.Registry
	rules      *RuleRegistry
	transport  delivery.Transport
	strategies map[delivery.RoutingStrategy]strategyFunc
	logger     zerolog.Logger

	// sticky remembers the session of the last successful delivery per user.
	sticky sync.Map // map[string]string
	// rr holds per-user round-robin cursors.
	rr sync.Map // map[string]*uint64
	mu sync.Mutex
}

// New creates a router bound to a registry, rule set, and transport.
func New(reg *registry.Registry, rules *RuleRegistry, transport delivery.Transport, logger zerolog.Logger) *Router {
	r := &Router{
		registry:  reg,
		rules:     rules,
		transport: transport,
		logger:    logger.With().Str("component", "DynamicRouter").Logger(),
	}
	r.strategies = map[delivery.RoutingStrategy]strategyFunc{
		delivery.StrategyRoundRobin:       (*Router).orderRoundRobin,
		delivery.StrategyLeastConnections: (*Router).orderLeastConnections,
		delivery.StrategySticky:           (*Router).orderSticky,
	}
	return r
}

// Rules exposes the rule registry for the admin surface.
func (r *Router) Rules() *RuleRegistry {
	return r.rules
}

// Deliver sends one message to a user, choosing among their live sessions per
// the rule for routingKey. On transport failure with failover enabled it
// retries against the next candidate, up to rule.MaxRetries further attempts.
// When every candidate is exhausted it returns delivery.ErrNoRoute so the
// caller's record follows the uniform pending-then-expire path.
func (r *Router) Deliver(ctx context.Context, userID string, msg *delivery.Message, routingKey string) (string, error) {
	rule := r.rules.Lookup(routingKey)
	candidates := r.registry.SessionsOf(userID)
	if len(candidates) == 0 {
		return "", delivery.ErrNoRoute
	}

	order, ok := r.strategies[rule.Strategy]
	if !ok {
		// BROADCAST against a single user degenerates to all sessions.
		if rule.Strategy == delivery.StrategyBroadcast {
			return r.deliverAll(ctx, candidates, msg)
		}
		order = (*Router).orderRoundRobin
	}
	ordered := order(r, userID, candidates)

	attempts := 1
	if rule.FailoverEnabled {
		attempts += rule.MaxRetries
	}
	if attempts > len(ordered) {
		attempts = len(ordered)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		target := ordered[i]
		if err := r.transport.Send(ctx, target.SessionID, msg); err != nil {
			lastErr = err
			r.logger.Warn().Err(err).
				Str("user", userID).
				Str("session", target.SessionID).
				Str("msg_id", msg.ID).
				Bool("failover", rule.FailoverEnabled && i+1 < attempts).
				Msg("Transport send failed.")
			continue
		}
		r.sticky.Store(userID, target.SessionID)
		return target.SessionID, nil
	}

	r.logger.Warn().Err(lastErr).Str("user", userID).Str("msg_id", msg.ID).Msg("No route: all candidates failed.")
	return "", delivery.ErrNoRoute
}

// DeliverToSession attempts one direct send to a specific session.
func (r *Router) DeliverToSession(ctx context.Context, sessionID string, msg *delivery.Message) error {
	if _, ok := r.registry.Session(sessionID); !ok {
		return delivery.ErrSessionNotFound
	}
	return r.transport.Send(ctx, sessionID, msg)
}

// Broadcast fans the message out to every live session subscribed to a topic
// matching the pattern. It returns the number of sessions that accepted the
// send.
func (r *Router) Broadcast(ctx context.Context, topicPattern string, msg *delivery.Message) int {
	sessions := r.registry.SessionsMatching(func(topics []string) bool {
		return MatchAnyTopic(topicPattern, topics)
	})
	sent := 0
	for _, s := range sessions {
		if err := r.transport.Send(ctx, s.SessionID, msg); err != nil {
			r.logger.Warn().Err(err).Str("session", s.SessionID).Str("topic", topicPattern).Msg("Broadcast send failed for session.")
			continue
		}
		sent++
	}
	r.logger.Info().Str("topic", topicPattern).Int("sent", sent).Int("matched", len(sessions)).Msg("Broadcast fan-out complete.")
	return sent
}

func (r *Router) deliverAll(ctx context.Context, sessions []delivery.ConnectionSession, msg *delivery.Message) (string, error) {
	var firstOK string
	for _, s := range sessions {
		if err := r.transport.Send(ctx, s.SessionID, msg); err == nil && firstOK == "" {
			firstOK = s.SessionID
		}
	}
	if firstOK == "" {
		return "", delivery.ErrNoRoute
	}
	return firstOK, nil
}

// ForgetSticky clears the sticky binding for a user, e.g. when their pinned
// session disconnects.
func (r *Router) ForgetSticky(userID string) {
	r.sticky.Delete(userID)
}

// orderSticky prefers the session of the last successful delivery, if still
// live, then falls back to round-robin over the rest.
func (r *Router) orderSticky(userID string, candidates []delivery.ConnectionSession) []delivery.ConnectionSession {
	pinned, ok := r.sticky.Load(userID)
	if !ok {
		return r.orderRoundRobin(userID, candidates)
	}
	pinnedID := pinned.(string)
	ordered := make([]delivery.ConnectionSession, 0, len(candidates))
	var rest []delivery.ConnectionSession
	for _, c := range candidates {
		if c.SessionID == pinnedID {
			ordered = append(ordered, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(ordered, rest...)
}

// orderRoundRobin rotates through the user's sessions with a per-user cursor.
// Sessions are sorted by id first so the rotation is stable across the
// registry's map iteration order.
func (r *Router) orderRoundRobin(userID string, candidates []delivery.ConnectionSession) []delivery.ConnectionSession {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SessionID < candidates[j].SessionID })

	cursorAny, _ := r.rr.LoadOrStore(userID, new(uint64))
	cursor := cursorAny.(*uint64)

	r.mu.Lock()
	idx := int(*cursor) % len(candidates)
	*cursor++
	r.mu.Unlock()

	return append(candidates[idx:], candidates[:idx]...)
}

// orderLeastConnections prefers the session with the fewest in-flight
// deliveries.
func (r *Router) orderLeastConnections(_ string, candidates []delivery.ConnectionSession) []delivery.ConnectionSession {
	sort.SliceStable(candidates, func(i, j int) bool {
		return r.registry.LoadOf(candidates[i].SessionID) < r.registry.LoadOf(candidates[j].SessionID)
	})
	return candidates
}
