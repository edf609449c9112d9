// Package fallback escalates undeliverable messages through the
// session -> user -> offline tiers, deduplicating logical events and pushing
// stored notifications back out when their user reconnects.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/registry"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Tier identifies which escalation level handled a notification.
type Tier string

const (
	TierSession   Tier = "session"
	TierUser      Tier = "user"
	TierOffline   Tier = "offline"
	TierDuplicate Tier = "duplicate"
	TierDropped   Tier = "dropped"
)

// Outcome reports how a notification was resolved.
type Outcome struct {
	Tier Tier `json:"tier"`
	// Delivered is the number of live sessions that accepted the message
	// (session tier: at most 1).
	Delivered int `json:"delivered"`
	// NotificationID is set when the notification went to the offline store.
	NotificationID string `json:"notificationId,omitempty"`
}

// TaskResult is the logical event to be notified. TaskKey is the dedup key:
// two calls with the same key within the marker TTL notify at most once.
type TaskResult struct {
	TaskKey        string `json:"taskKey"`
	UserID         string `json:"userId"`
	SessionID      string `json:"sessionId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	MessageType    string `json:"messageType,omitempty"`
	Payload        []byte `json:"payload"`
	Priority       int    `json:"priority"`
}

// Config tunes deduplication and the reconnect push routine.
type Config struct {
	// DedupTTL is the lifetime of the idempotency marker.
	DedupTTL time.Duration
	// MaxPushPerReconnect caps how many stored notifications are pushed
	// when a user comes online; the remainder stays queued.
	MaxPushPerReconnect int
	// SummaryThreshold collapses larger backlogs into one aggregate
	// notification instead of pushing individually.
	SummaryThreshold int
}

// Notifier implements the multi-tier escalation.
type Notifier struct {
	registry  *registry.Registry
	transport delivery.Transport
	store     delivery.OfflineStore
	guard     delivery.DedupGuard
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewNotifier wires the notifier. All collaborators are required.
func NewNotifier(
	reg *registry.Registry,
	transport delivery.Transport,
	store delivery.OfflineStore,
	guard delivery.DedupGuard,
	cfg Config,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Notifier, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("offline store cannot be nil")
	}
	if guard == nil {
		return nil, fmt.Errorf("dedup guard cannot be nil")
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.MaxPushPerReconnect <= 0 {
		cfg.MaxPushPerReconnect = 20
	}
	if cfg.SummaryThreshold <= 0 {
		cfg.SummaryThreshold = 10
	}
	return &Notifier{
		registry:  reg,
		transport: transport,
		store:     store,
		guard:     guard,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With().Str("component", "NotificationFallback").Logger(),
	}, nil
}

// NotifyTaskResult escalates one logical event: (1) a specific session if the
// caller knows one, (2) all of the user's live sessions, (3) the offline
// store. The dedup guard suppresses re-notification of the same task key.
func (n *Notifier) NotifyTaskResult(ctx context.Context, res TaskResult) (Outcome, error) {
	if res.UserID == "" {
		return Outcome{Tier: TierDropped}, fmt.Errorf("task result has no user id")
	}
	key := res.TaskKey
	if key == "" {
		key = uuid.NewString() // no dedup possible, always fresh
	}

	marked := false
	first, err := n.guard.MarkNotified(ctx, key, n.cfg.DedupTTL)
	if err != nil {
		// Guard failure degrades to at-least-once rather than dropping.
		n.logger.Warn().Err(err).Str("key", key).Msg("Dedup guard unavailable; proceeding without idempotency.")
	} else if first {
		marked = true
	} else {
		if n.metrics != nil {
			n.metrics.DedupHits.Inc()
		}
		n.logger.Info().Str("key", key).Str("user", res.UserID).Msg("Task already notified; skipping.")
		return Outcome{Tier: TierDuplicate}, nil
	}

	msg := n.buildMessage(res)

	// Tier 1: the caller's specific session, if still live.
	if res.SessionID != "" {
		if _, live := n.registry.Session(res.SessionID); live {
			if err := n.transport.Send(ctx, res.SessionID, msg); err == nil {
				n.logger.Debug().Str("key", key).Str("session", res.SessionID).Msg("Notified at session tier.")
				return Outcome{Tier: TierSession, Delivered: 1}, nil
			}
			n.logger.Warn().Str("key", key).Str("session", res.SessionID).Msg("Session-tier send failed; escalating to user tier.")
		}
	}

	// Tier 2: every live session of the user.
	sessions := n.registry.SessionsOf(res.UserID)
	delivered := 0
	for _, s := range sessions {
		if err := n.transport.Send(ctx, s.SessionID, msg); err != nil {
			n.logger.Warn().Err(err).Str("session", s.SessionID).Msg("User-tier send failed for session.")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		n.logger.Debug().Str("key", key).Int("sessions", delivered).Msg("Notified at user tier.")
		return Outcome{Tier: TierUser, Delivered: delivered}, nil
	}

	// Tier 3: persist for later push.
	notification := &delivery.OfflineNotification{
		NotificationID: uuid.NewString(),
		UserID:         res.UserID,
		OrganizationID: res.OrganizationID,
		Payload:        res.Payload,
		Priority:       res.Priority,
		SavedAt:        time.Now(),
	}
	if err := n.store.SaveOffline(ctx, notification); err != nil {
		// Nothing was delivered or persisted: release the marker so a retry
		// of the same task key is not suppressed as a duplicate.
		if marked {
			if clearErr := n.guard.ClearNotified(ctx, key); clearErr != nil {
				n.logger.Error().Err(clearErr).Str("key", key).Msg("Failed to release dedup marker; retries suppressed until the marker expires.")
			}
		}
		n.logger.Error().Err(err).Str("user", res.UserID).Msg("Failed to save offline notification.")
		return Outcome{Tier: TierDropped}, fmt.Errorf("offline save failed: %w", err)
	}
	if n.metrics != nil {
		n.metrics.OfflineSaved.Inc()
	}
	n.logger.Info().Str("key", key).Str("user", res.UserID).Str("notification", notification.NotificationID).Msg("Saved offline notification.")
	return Outcome{Tier: TierOffline, NotificationID: notification.NotificationID}, nil
}

// EscalateFailed adapts a failed delivery record into the escalation path.
// It satisfies the retry engine's Escalator contract.
func (n *Notifier) EscalateFailed(ctx context.Context, rec delivery.DeliveryRecord) {
	res := TaskResult{
		TaskKey:   "delivery:" + rec.MessageID,
		UserID:    rec.DestinationUserID,
		SessionID: rec.SessionID,
	}
	if rec.Message != nil {
		res.Payload = rec.Message.Payload
		res.Priority = rec.Message.Priority
		res.MessageType = rec.Message.Type
	}
	if _, err := n.NotifyTaskResult(ctx, res); err != nil {
		n.logger.Error().Err(err).Str("msg_id", rec.MessageID).Msg("Escalation of failed delivery did not resolve.")
	}
}

func (n *Notifier) buildMessage(res TaskResult) *delivery.Message {
	messageType := res.MessageType
	if messageType == "" {
		messageType = "task.result"
	}
	return &delivery.Message{
		ID:          uuid.NewString(),
		Type:        messageType,
		Destination: res.UserID,
		Payload:     res.Payload,
		Timestamp:   time.Now(),
		Priority:    res.Priority,
	}
}

// summaryPayload is the aggregate pushed instead of a large backlog.
type summaryPayload struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// PushPending delivers a user's stored notifications after they reconnect.
// Notifications are loaded ordered by priority then recency and removed only
// after the transport confirmed each send; the unpushed remainder stays
// queued. Backlogs above the summary threshold collapse into one aggregate
// notification.
func (n *Notifier) PushPending(ctx context.Context, userID string) (int, error) {
	sessions := n.registry.SessionsOf(userID)
	if len(sessions) == 0 {
		return 0, nil
	}
	target := sessions[0].SessionID

	pending, err := n.store.LoadOffline(ctx, userID, n.cfg.MaxPushPerReconnect)
	if err != nil {
		return 0, fmt.Errorf("failed to load offline notifications: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	log := n.logger.With().Str("user", userID).Int("pending", len(pending)).Logger()

	if len(pending) > n.cfg.SummaryThreshold {
		payload, err := json.Marshal(summaryPayload{Type: "notification_summary", Count: len(pending)})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal summary: %w", err)
		}
		msg := &delivery.Message{
			ID:          uuid.NewString(),
			Type:        "notification.summary",
			Destination: userID,
			Payload:     payload,
			Timestamp:   time.Now(),
		}
		if err := n.transport.Send(ctx, target, msg); err != nil {
			return 0, fmt.Errorf("summary push failed: %w", err)
		}
		for _, p := range pending {
			if err := n.store.DeleteOffline(ctx, userID, p.NotificationID); err != nil {
				log.Warn().Err(err).Str("notification", p.NotificationID).Msg("Failed to delete summarized notification.")
			}
		}
		if n.metrics != nil {
			n.metrics.OfflinePushed.Add(float64(len(pending)))
		}
		log.Info().Msg("Pushed backlog as one summary notification.")
		return len(pending), nil
	}

	pushed := 0
	for _, p := range pending {
		msg := &delivery.Message{
			ID:          p.NotificationID,
			Type:        "offline.notification",
			Destination: userID,
			Payload:     p.Payload,
			Timestamp:   p.SavedAt,
			Priority:    p.Priority,
		}
		if err := n.transport.Send(ctx, target, msg); err != nil {
			// Stop on the first failure; the remainder stays queued for
			// the next online event.
			log.Warn().Err(err).Str("notification", p.NotificationID).Msg("Offline push failed; remainder stays queued.")
			break
		}
		if err := n.store.DeleteOffline(ctx, userID, p.NotificationID); err != nil {
			log.Warn().Err(err).Str("notification", p.NotificationID).Msg("Pushed notification could not be deleted; may be pushed again.")
		}
		pushed++
	}
	if n.metrics != nil && pushed > 0 {
		n.metrics.OfflinePushed.Add(float64(pushed))
	}
	log.Info().Int("pushed", pushed).Msg("Offline push complete.")
	return pushed, nil
}
