package delivery

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned across the delivery core's boundaries.
var (
	// ErrNoRoute means no live session could accept the message after
	// failover was exhausted. The caller's record stays PENDING so the
	// retry path remains uniform.
	ErrNoRoute = errors.New("delivery: no route to destination")
	// ErrUnknownBatch is returned for operations on a batch id that was
	// never started or has already been purged.
	ErrUnknownBatch = errors.New("delivery: unknown batch id")
	// ErrSessionNotFound is returned by a transport when the session id has
	// no live connection on this instance.
	ErrSessionNotFound = errors.New("delivery: session not found")
	// ErrNotFound is the generic cache/store miss.
	ErrNotFound = errors.New("delivery: not found")
)

// ConnectionSession is one live transport connection. A user may own zero or
// more sessions concurrently (multi-device). Sessions never hold pointers back
// into the registry; the registry is the sole owner of the session mapping.
type ConnectionSession struct {
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	ServerInstanceID string    `json:"serverInstanceId"`
	// Topics this session subscribed to at connect time, used for
	// broadcast pattern matching (e.g. "org.acme.alerts").
	Topics          []string  `json:"topics,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// ConnectionInfo is the externally-visible presence entry mirrored into the
// shared cache. Stale entries expire by TTL, treating silence as disconnection.
type ConnectionInfo struct {
	ServerInstanceID string `json:"serverInstanceId"`
	SessionCount     int    `json:"sessionCount"`
	ConnectedAt      int64  `json:"connectedAt"`
}

// Transport sends a payload to one live connection. Send must be
// idempotent-safe on retry: a redelivered message carries the same message id
// so clients can deduplicate.
type Transport interface {
	Send(ctx context.Context, sessionID string, msg *Message) error
}

// OfflineStore is the persistence collaborator for notifications that could
// not be delivered to any live session.
type OfflineStore interface {
	// SaveOffline persists a notification, enforcing the per-user cap by
	// evicting lowest-priority/oldest entries first.
	SaveOffline(ctx context.Context, n *OfflineNotification) error

	// LoadOffline returns up to max notifications for a user, ordered by
	// priority (highest first) then recency (newest first).
	LoadOffline(ctx context.Context, userID string, max int) ([]*OfflineNotification, error)

	// DeleteOffline removes a single notification after its delivery has
	// been confirmed. Deleting an unknown id is not an error.
	DeleteOffline(ctx context.Context, userID string, notificationID string) error
}

// PresenceCache mirrors online-presence state into a shared cache with a
// short TTL refreshed by heartbeats.
type PresenceCache interface {
	Set(ctx context.Context, userID string, info ConnectionInfo, ttl time.Duration) error
	// Refresh extends the TTL without rewriting the entry.
	Refresh(ctx context.Context, userID string, ttl time.Duration) error
	Fetch(ctx context.Context, userID string) (ConnectionInfo, error)
	Delete(ctx context.Context, userID string) error
}

// DedupGuard prevents a logical event from being notified more than once
// across retries or concurrent escalation paths.
type DedupGuard interface {
	// MarkNotified atomically sets a short-TTL marker for key. It returns
	// true only for the first caller; subsequent calls within the TTL
	// observe the existing marker and return false.
	MarkNotified(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ClearNotified removes the marker for key so a later attempt can claim
	// it again. Callers release the marker when the notification was neither
	// delivered nor persisted, otherwise a retry of the same event would be
	// suppressed as a duplicate and the event lost.
	ClearNotified(ctx context.Context, key string) error
}
