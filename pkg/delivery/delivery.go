// Package delivery contains the public domain models, interfaces, and
// configuration for the delivery service. It defines the contract for
// interacting with the reliable-delivery core.
package delivery

import (
	"time"
)

// Message is the wire contract for a single outbound message. The payload is
// opaque to the delivery core; only the envelope fields are interpreted.
type Message struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
	Priority    int       `json:"priority"`
	Urgent      bool      `json:"urgent,omitempty"`
	AckRequired bool      `json:"ackRequired,omitempty"`
}

// Ack is a client-originated confirmation that a specific message id was
// received. The acking user must match the record's destination.
type Ack struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// Outcome is the caller-visible result of a delivery attempt. A delivery that
// exhausts retries with no live session is never reported as OutcomeSent.
type Outcome string

const (
	// OutcomeSent means the message was handed to a live connection.
	// For ack-required messages this is "sent, awaiting ack", not "delivered".
	OutcomeSent Outcome = "SENT"
	// OutcomePendingRetry means no route accepted the message but a delivery
	// record is tracked; the retry engine will re-attempt it.
	OutcomePendingRetry Outcome = "PENDING_RETRY"
	// OutcomeOfflineSaved means the message was persisted as an offline
	// notification for later push.
	OutcomeOfflineSaved Outcome = "OFFLINE_SAVED"
	// OutcomeFailed means the message could be neither delivered nor saved.
	OutcomeFailed Outcome = "FAILED"
)

// DeliveryStatus is the lifecycle state of one tracked message.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "PENDING"
	StatusAcked   DeliveryStatus = "ACKED"
	StatusExpired DeliveryStatus = "EXPIRED"
	StatusFailed  DeliveryStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions other
// than a retry re-arm (EXPIRED may go back to PENDING with an incremented
// retry count; ACKED and FAILED never change).
func (s DeliveryStatus) Terminal() bool {
	return s == StatusAcked || s == StatusFailed
}

// DeliveryRecord is the tracked state of one outbound message requiring
// acknowledgment. Records are owned by the tracker; callers only ever see
// snapshots.
type DeliveryRecord struct {
	MessageID         string
	DestinationUserID string
	// SessionID is empty until the router binds the record to a session.
	SessionID   string
	Message     *Message
	SentAt      time.Time
	AckDeadline time.Time
	RetryCount  int
	Status      DeliveryStatus
}

// RetryPolicy is the per message-type configuration governing redelivery.
// Policies are immutable once published; replace the registration to change
// behaviour at runtime.
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `json:"baseDelay" yaml:"base_delay"`
	BackoffMultiplier float64       `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `json:"maxDelay" yaml:"max_delay"`
	AckTimeout        time.Duration `json:"ackTimeout" yaml:"ack_timeout"`
}

// RoutingStrategy selects how the router picks among candidate sessions.
type RoutingStrategy string

const (
	StrategyRoundRobin       RoutingStrategy = "ROUND_ROBIN"
	StrategyLeastConnections RoutingStrategy = "LEAST_CONNECTIONS"
	StrategySticky           RoutingStrategy = "STICKY"
	StrategyBroadcast        RoutingStrategy = "BROADCAST"
)

// RoutingRule is the per routing-key configuration consumed by the router.
type RoutingRule struct {
	Strategy          RoutingStrategy `json:"strategy" yaml:"strategy"`
	LoadBalancingType string          `json:"loadBalancingType,omitempty" yaml:"load_balancing_type"`
	FailoverEnabled   bool            `json:"failoverEnabled" yaml:"failover_enabled"`
	MaxRetries        int             `json:"maxRetries" yaml:"max_retries"`
}
