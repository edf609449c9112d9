package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/tracker"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Redeliverer re-attempts transport delivery for a re-armed record. The
// message id is unchanged so the client can deduplicate.
type Redeliverer interface {
	Redeliver(ctx context.Context, rec delivery.DeliveryRecord)
}

// Escalator receives records whose retries are exhausted.
type Escalator interface {
	EscalateFailed(ctx context.Context, rec delivery.DeliveryRecord)
}

// Engine decides, for each expired delivery, between a backed-off redelivery
// and escalation to the fallback path. It implements tracker.ExpiryHandler.
type Engine struct {
	policies *PolicyRegistry
	tracker  *tracker.Tracker
	sched    *Scheduler
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// redeliver and escalate are installed after construction to break the
	// service/engine cycle.
	redeliver Redeliverer
	escalate  Escalator
}

// NewEngine wires the engine to its policy registry, tracker, and scheduler.
func NewEngine(policies *PolicyRegistry, tr *tracker.Tracker, sched *Scheduler, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		policies: policies,
		tracker:  tr,
		sched:    sched,
		metrics:  m,
		logger:   logger.With().Str("component", "RetryEngine").Logger(),
	}
}

// SetHandlers installs the redelivery and escalation callbacks.
func (e *Engine) SetHandlers(redeliver Redeliverer, escalate Escalator) {
	e.redeliver = redeliver
	e.escalate = escalate
}

// Policies exposes the registry for the admin surface.
func (e *Engine) Policies() *PolicyRegistry {
	return e.policies
}

// HandleExpired is invoked by the tracker sweep for each record that just
// moved PENDING to EXPIRED.
func (e *Engine) HandleExpired(rec delivery.DeliveryRecord) {
	messageType := ""
	if rec.Message != nil {
		messageType = rec.Message.Type
	}
	policy := e.policies.Lookup(messageType)
	log := e.logger.With().Str("msg_id", rec.MessageID).Str("type", messageType).Int("retry_count", rec.RetryCount).Logger()

	if rec.RetryCount < policy.MaxAttempts {
		delay := Backoff(policy, rec.RetryCount)
		log.Info().Dur("delay", delay).Msg("Scheduling redelivery.")
		if e.metrics != nil {
			e.metrics.RetriesScheduled.Inc()
		}
		e.sched.Schedule(rec.MessageID, delay, func() {
			e.fire(rec.MessageID, policy.AckTimeout)
		})
		return
	}

	// Attempts exhausted: mark FAILED and escalate. A record that lost the
	// CAS (e.g. purged meanwhile) is left alone.
	failed, ok := e.tracker.Fail(rec.MessageID)
	if !ok {
		log.Debug().Msg("Record no longer EXPIRED; skipping escalation.")
		return
	}
	log.Warn().Msg("Retries exhausted. Escalating to fallback.")
	if e.metrics != nil {
		e.metrics.RetriesExhausted.Inc()
	}
	if e.escalate != nil {
		e.escalate.EscalateFailed(context.Background(), failed)
	}
}

// Cancel removes a scheduled redelivery before it fires.
func (e *Engine) Cancel(messageID string) bool {
	return e.sched.Cancel(messageID)
}

// fire re-arms the record and re-attempts delivery. Requeue loses the CAS if
// the record was acked (or purged) while the timer was armed; in that case
// the redelivery is dropped.
func (e *Engine) fire(messageID string, ackTimeout time.Duration) {
	requeued, ok := e.tracker.Requeue(messageID, ackTimeout)
	if !ok {
		e.logger.Debug().Str("msg_id", messageID).Msg("Redelivery timer fired for a record no longer EXPIRED; dropping.")
		return
	}
	if e.redeliver == nil {
		return
	}
	e.redeliver.Redeliver(context.Background(), requeued)
}
