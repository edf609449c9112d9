package deliveryservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/api"
	"github.com/tinywideclouds/go-delivery-service/internal/batch"
	"github.com/tinywideclouds/go-delivery-service/internal/fallback"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/registry"
	"github.com/tinywideclouds/go-delivery-service/internal/retry"
	"github.com/tinywideclouds/go-delivery-service/internal/router"
	"github.com/tinywideclouds/go-delivery-service/internal/tracker"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// batchCommandType is the message type used when fanning a batch command out
// to its target devices. Its retry policy governs command redelivery.
const batchCommandType = "batch.command"

// Service is the delivery core behind the HTTP and WebSocket surfaces. It
// owns the wiring between the registry, tracker, retry engine, router, batch
// aggregator, and notification fallback, and implements the connection
// manager's event sink and the retry engine's redelivery contract.
type Service struct {
	registry   *registry.Registry
	tracker    *tracker.Tracker
	engine     *retry.Engine
	router     *router.Router
	aggregator *batch.Aggregator
	progress   *batch.ProgressTracker
	notifier   *fallback.Notifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewService wires the core components together. All collaborators are
// required; the retry engine's handlers and the aggregator's completion
// callback are installed here.
func NewService(
	reg *registry.Registry,
	tr *tracker.Tracker,
	engine *retry.Engine,
	rt *router.Router,
	agg *batch.Aggregator,
	progress *batch.ProgressTracker,
	notifier *fallback.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Service, error) {
	if reg == nil || tr == nil || engine == nil || rt == nil || agg == nil || progress == nil || notifier == nil {
		return nil, fmt.Errorf("all service collaborators are required")
	}

	s := &Service{
		registry:   reg,
		tracker:    tr,
		engine:     engine,
		router:     rt,
		aggregator: agg,
		progress:   progress,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.With().Str("component", "DeliveryService").Logger(),
	}

	tr.SetExpiryHandler(engine)
	engine.SetHandlers(s, notifier)
	agg.OnComplete(s.notifyBatchComplete)
	reg.OnPresenceChange(s.onUserOnline, s.onUserOffline)

	return s, nil
}

// Deliver routes one message to a single user. Ack-required messages are
// tracked before the first transport attempt so that a crash between send and
// track can never lose the record.
func (s *Service) Deliver(ctx context.Context, userID string, msg *delivery.Message, routingKey string) (delivery.Outcome, error) {
	if userID == "" {
		return delivery.OutcomeFailed, fmt.Errorf("destination user id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Destination = userID

	// No live session at all: skip the transport tiers and persist directly.
	if !s.registry.IsOnline(userID) {
		return s.saveOffline(ctx, userID, msg)
	}

	tracked := false
	if msg.AckRequired {
		policy := s.engine.Policies().Lookup(msg.Type)
		s.tracker.Track(msg, userID, policy.AckTimeout)
		tracked = true
	}

	sessionID, err := s.router.Deliver(ctx, userID, msg, routingKey)
	if err != nil {
		if !errors.Is(err, delivery.ErrNoRoute) {
			return delivery.OutcomeFailed, fmt.Errorf("routing failed for message %s: %w", msg.ID, err)
		}
		if tracked {
			// The record is PENDING; the sweep will expire it and the retry
			// engine takes over from there.
			s.logger.Info().Str("msg_id", msg.ID).Str("user", userID).Msg("No route accepted the message; retry engine will re-attempt.")
			return delivery.OutcomePendingRetry, nil
		}
		return s.saveOffline(ctx, userID, msg)
	}

	if tracked {
		s.tracker.Bind(msg.ID, sessionID)
		s.registry.AddLoad(sessionID, 1)
	}
	return delivery.OutcomeSent, nil
}

// saveOffline persists a message through the fallback path and maps the
// notifier's tier onto a delivery outcome.
func (s *Service) saveOffline(ctx context.Context, userID string, msg *delivery.Message) (delivery.Outcome, error) {
	out, err := s.notifier.NotifyTaskResult(ctx, fallback.TaskResult{
		TaskKey:     "delivery:" + msg.ID,
		UserID:      userID,
		MessageType: msg.Type,
		Payload:     msg.Payload,
		Priority:    msg.Priority,
	})
	if err != nil {
		return delivery.OutcomeFailed, fmt.Errorf("offline fallback failed for message %s: %w", msg.ID, err)
	}
	if out.Tier == fallback.TierSession || out.Tier == fallback.TierUser {
		// A session appeared between the presence check and the fallback.
		return delivery.OutcomeSent, nil
	}
	return delivery.OutcomeOfflineSaved, nil
}

// Broadcast fans a message out to every session subscribed to a matching
// topic and reports how many accepted it.
func (s *Service) Broadcast(ctx context.Context, topicPattern string, msg *delivery.Message) (int, error) {
	if topicPattern == "" {
		return 0, fmt.Errorf("topic pattern is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return s.router.Broadcast(ctx, topicPattern, msg), nil
}

// StartBatch registers a fan-out aggregation and dispatches the command to
// every target device. Devices without a live session receive the command via
// the offline path; their results are simply counted whenever they arrive.
func (s *Service) StartBatch(ctx context.Context, manifest delivery.BatchManifest) (delivery.BatchAggregationData, error) {
	if _, err := s.aggregator.Start(manifest); err != nil {
		return delivery.BatchAggregationData{}, err
	}
	log := s.logger.With().Str("batch", manifest.BatchID).Str("task", manifest.TaskID).Logger()

	dispatched := 0
	for _, deviceID := range manifest.TargetDeviceIDs {
		msg := &delivery.Message{
			ID:          fmt.Sprintf("%s:%s", manifest.BatchID, deviceID),
			Type:        batchCommandType,
			Payload:     manifest.Command,
			Timestamp:   time.Now(),
			AckRequired: true,
		}
		outcome, err := s.Deliver(ctx, deviceID, msg, batchCommandType)
		if err != nil {
			log.Warn().Err(err).Str("device", deviceID).Msg("Command dispatch failed for device.")
			continue
		}
		if outcome == delivery.OutcomeSent {
			dispatched++
		}
	}

	if err := s.aggregator.MarkInProgress(manifest.BatchID); err != nil {
		log.Warn().Err(err).Msg("Batch left CREATED; could not mark in progress.")
	}
	log.Info().Int("dispatched", dispatched).Int("targets", len(manifest.TargetDeviceIDs)).Msg("Batch command dispatched.")

	return s.aggregator.Get(manifest.BatchID)
}

// Batch returns the current aggregation snapshot.
func (s *Service) Batch(batchID string) (delivery.BatchAggregationData, error) {
	return s.aggregator.Get(batchID)
}

// NotifyTaskResult escalates one logical task result through the fallback
// tiers.
func (s *Service) NotifyTaskResult(ctx context.Context, res fallback.TaskResult) (fallback.Outcome, error) {
	return s.notifier.NotifyTaskResult(ctx, res)
}

// Stats reports the live operational counters for the admin surface.
func (s *Service) Stats() api.Stats {
	return api.Stats{
		Deliveries:         s.tracker.Stats(),
		Batches:            s.aggregator.Stats(),
		OnlineUsers:        s.registry.OnlineCount(),
		ActiveSessions:     s.registry.SessionCount(),
		NearTimeoutBatches: int(s.progress.NearTimeoutCount()),
	}
}

// notifyBatchComplete is the aggregator's one-time completion callback. The
// requester is notified through the fallback tiers so a disconnected
// requester still learns the result on reconnect.
func (s *Service) notifyBatchComplete(requesterID string, data delivery.BatchAggregationData) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("batch", data.BatchID).Msg("Failed to marshal batch completion.")
		return
	}
	out, err := s.notifier.NotifyTaskResult(ctx, fallback.TaskResult{
		TaskKey:     "batch:" + data.BatchID,
		UserID:      requesterID,
		MessageType: "batch.completed",
		Payload:     payload,
		Priority:    1,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("batch", data.BatchID).Str("requester", requesterID).Msg("Batch completion notification failed.")
		return
	}
	s.logger.Info().Str("batch", data.BatchID).Str("tier", string(out.Tier)).Msg("Requester notified of batch completion.")
}

// Redeliver satisfies the retry engine's contract: re-attempt transport
// delivery for a re-armed record, message id unchanged.
func (s *Service) Redeliver(ctx context.Context, rec delivery.DeliveryRecord) {
	if rec.Message == nil {
		return
	}
	sessionID, err := s.router.Deliver(ctx, rec.DestinationUserID, rec.Message, rec.Message.Type)
	if err != nil {
		// The record is PENDING again; the next sweep expires it and the
		// engine decides between another retry and escalation.
		s.logger.Debug().Err(err).Str("msg_id", rec.MessageID).Msg("Redelivery found no route; awaiting next expiry.")
		return
	}
	s.tracker.Bind(rec.MessageID, sessionID)
	s.registry.AddLoad(sessionID, 1)
}

// OnConnect implements the connection manager's event sink.
func (s *Service) OnConnect(ctx context.Context, session delivery.ConnectionSession) {
	s.registry.Register(ctx, session)
}

// OnDisconnect drops the session and clears any sticky affinity to it.
func (s *Service) OnDisconnect(ctx context.Context, sessionID string) {
	session, ok := s.registry.Unregister(ctx, sessionID)
	if !ok {
		return
	}
	s.router.ForgetSticky(session.UserID)
}

// OnClientAck confirms a tracked delivery, cancels its retry timer, and
// releases the session's load unit.
func (s *Service) OnClientAck(_ context.Context, ack delivery.Ack) {
	if !s.tracker.Acknowledge(ack.MessageID, ack.UserID) {
		return
	}
	s.engine.Cancel(ack.MessageID)
	if rec, ok := s.tracker.Get(ack.MessageID); ok && rec.SessionID != "" {
		s.registry.AddLoad(rec.SessionID, -1)
	}
}

// OnDeviceCommandConfirm feeds a device's batch result into the aggregator.
// Commands are also tracked deliveries, so confirm doubles as an ack.
func (s *Service) OnDeviceCommandConfirm(_ context.Context, batchID string, result delivery.DeviceResult) {
	messageID := fmt.Sprintf("%s:%s", batchID, result.DeviceID)
	if s.tracker.Acknowledge(messageID, result.DeviceID) {
		s.engine.Cancel(messageID)
	}

	if _, err := s.aggregator.AggregateDeviceResult(batchID, result); err != nil {
		if errors.Is(err, delivery.ErrUnknownBatch) {
			s.logger.Warn().Str("batch", batchID).Str("device", result.DeviceID).Msg("Result for unknown batch discarded.")
			return
		}
		s.logger.Error().Err(err).Str("batch", batchID).Msg("Failed to aggregate device result.")
	}
}

// OnHeartbeat refreshes the session's liveness and presence TTL.
func (s *Service) OnHeartbeat(ctx context.Context, sessionID string) {
	s.registry.Heartbeat(ctx, sessionID)
}

// onUserOnline pushes the user's stored notifications after reconnect.
func (s *Service) onUserOnline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.notifier.PushPending(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("Offline push on reconnect failed.")
	}
}

func (s *Service) onUserOffline(userID string) {
	s.logger.Debug().Str("user", userID).Msg("User went offline.")
}
