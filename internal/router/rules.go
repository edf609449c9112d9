package router

import (
	"fmt"
	"sync"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// RuleRegistry holds the per routing-key rules consulted at send time. Rules
// can be replaced and removed at runtime without a restart.
type RuleRegistry struct {
	mu          sync.RWMutex
	defaultRule delivery.RoutingRule
	overrides   map[string]delivery.RoutingRule
}

// NewRuleRegistry installs the default rule used when no override matches.
func NewRuleRegistry(defaultRule delivery.RoutingRule) (*RuleRegistry, error) {
	if err := validateRule(defaultRule); err != nil {
		return nil, fmt.Errorf("invalid default routing rule: %w", err)
	}
	return &RuleRegistry{
		defaultRule: defaultRule,
		overrides:   make(map[string]delivery.RoutingRule),
	}, nil
}

func validateRule(r delivery.RoutingRule) error {
	switch r.Strategy {
	case delivery.StrategyRoundRobin, delivery.StrategyLeastConnections, delivery.StrategySticky, delivery.StrategyBroadcast:
	default:
		return fmt.Errorf("unknown routing strategy %q", r.Strategy)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >= 0, got %d", r.MaxRetries)
	}
	return nil
}

// Register installs or replaces the rule for a routing key.
func (r *RuleRegistry) Register(routingKey string, rule delivery.RoutingRule) error {
	if routingKey == "" {
		return fmt.Errorf("routing key cannot be empty")
	}
	if err := validateRule(rule); err != nil {
		return fmt.Errorf("invalid routing rule for %q: %w", routingKey, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[routingKey] = rule
	return nil
}

// Remove deletes an override; lookups fall back to the default rule.
func (r *RuleRegistry) Remove(routingKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.overrides[routingKey]
	delete(r.overrides, routingKey)
	return ok
}

// Lookup returns the rule for a routing key, falling back to the default.
func (r *RuleRegistry) Lookup(routingKey string) delivery.RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.overrides[routingKey]; ok {
		return rule
	}
	return r.defaultRule
}

// Get returns the override for a routing key, if one is registered.
func (r *RuleRegistry) Get(routingKey string) (delivery.RoutingRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.overrides[routingKey]
	return rule, ok
}

// Overrides returns a copy of every registered override, for the admin API.
func (r *RuleRegistry) Overrides() map[string]delivery.RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]delivery.RoutingRule, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}
