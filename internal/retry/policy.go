// Package retry implements per message-type backoff policies and scheduled
// redelivery for deliveries whose ack deadline expired.
package retry

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// PolicyRegistry looks up the retry policy for a message type at send time.
// Custom overrides are registered and removed at runtime; a published policy
// value is never mutated, only replaced.
type PolicyRegistry struct {
	mu            sync.RWMutex
	defaultPolicy delivery.RetryPolicy
	overrides     map[string]delivery.RetryPolicy
}

// NewPolicyRegistry validates and installs the default policy.
func NewPolicyRegistry(defaultPolicy delivery.RetryPolicy) (*PolicyRegistry, error) {
	if err := validatePolicy(defaultPolicy); err != nil {
		return nil, fmt.Errorf("invalid default retry policy: %w", err)
	}
	return &PolicyRegistry{
		defaultPolicy: defaultPolicy,
		overrides:     make(map[string]delivery.RetryPolicy),
	}, nil
}

func validatePolicy(p delivery.RetryPolicy) error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must be >= 0, got %d", p.MaxAttempts)
	}
	if p.MaxAttempts > 0 && p.BaseDelay <= 0 {
		return fmt.Errorf("baseDelay must be positive when retries are enabled")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoffMultiplier must be >= 1, got %g", p.BackoffMultiplier)
	}
	if p.AckTimeout <= 0 {
		return fmt.Errorf("ackTimeout must be positive")
	}
	return nil
}

// Register installs or replaces the policy for a message type.
func (r *PolicyRegistry) Register(messageType string, p delivery.RetryPolicy) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if err := validatePolicy(p); err != nil {
		return fmt.Errorf("invalid retry policy for %q: %w", messageType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[messageType] = p
	return nil
}

// Remove deletes a custom override. Lookups fall back to the default.
func (r *PolicyRegistry) Remove(messageType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.overrides[messageType]
	delete(r.overrides, messageType)
	return ok
}

// Lookup returns the policy for a message type, falling back to the default.
func (r *PolicyRegistry) Lookup(messageType string) delivery.RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.overrides[messageType]; ok {
		return p
	}
	return r.defaultPolicy
}

// Get returns the override for a message type, if one is registered.
func (r *PolicyRegistry) Get(messageType string) (delivery.RetryPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.overrides[messageType]
	return p, ok
}

// Overrides returns a copy of every registered override, for the admin API.
func (r *PolicyRegistry) Overrides() map[string]delivery.RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]delivery.RetryPolicy, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}

// Backoff computes the redelivery delay for a given retry count:
// baseDelay * backoffMultiplier^retryCount, capped at the policy maximum.
func Backoff(p delivery.RetryPolicy, retryCount int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	if d < 0 {
		// Overflow from a very large retry count.
		return p.MaxDelay
	}
	return d
}
