// Package tracker maintains per-message send/ack state. Every state change
// goes through a compare-and-set transition under the record's shard lock, so
// concurrent ack-vs-sweep races resolve deterministically: the first caller
// to transition wins and the loser observes the new state.
package tracker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const numShards = 32

// ExpiryHandler receives records whose ack deadline passed with no ack. The
// sweep calls it outside any shard lock; implementations decide between
// scheduling a retry and failing the record.
type ExpiryHandler interface {
	HandleExpired(rec delivery.DeliveryRecord)
}

// Config tunes the background sweep.
type Config struct {
	// SweepInterval bounds worst-case expiry detection latency.
	SweepInterval time.Duration
	// Retention keeps terminal records visible for late-ack rejection and
	// observability before the sweep purges them.
	Retention time.Duration
	// DefaultAckTimeout applies when no retry policy provides one.
	DefaultAckTimeout time.Duration
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// record is the mutable tracked state. Guarded by its shard mutex; callers
// only ever receive value snapshots.
type record struct {
	rec        delivery.DeliveryRecord
	terminalAt time.Time
}

// Stats is the tracker's aggregate observability snapshot.
type Stats struct {
	Pending int64   `json:"pending"`
	Tracked int64   `json:"tracked"`
	Acked   int64   `json:"acked"`
	Expired int64   `json:"expired"`
	Failed  int64   `json:"failed"`
	AckRate float64 `json:"ackRate"`
}

// Tracker owns every delivery record.
type Tracker struct {
	shards  [numShards]*shard
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// handler is set after construction to break the tracker/retry cycle.
	handler ExpiryHandler

	pending int64
	tracked int64
	acked   int64
	expired int64
	failed  int64
}

// New creates a tracker. Call SetExpiryHandler before Start.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Tracker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 1 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	if cfg.DefaultAckTimeout <= 0 {
		cfg.DefaultAckTimeout = 30 * time.Second
	}
	t := &Tracker{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "DeliveryTracker").Logger(),
	}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*record)}
	}
	return t
}

// SetExpiryHandler installs the expiring-record consumer (the retry engine).
func (t *Tracker) SetExpiryHandler(h ExpiryHandler) {
	t.handler = h
}

func (t *Tracker) shardFor(messageID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return t.shards[h.Sum32()%numShards]
}

// Track allocates a message id if the message has none, stores a PENDING
// record with the given ack timeout, and returns a snapshot.
func (t *Tracker) Track(msg *delivery.Message, userID string, ackTimeout time.Duration) delivery.DeliveryRecord {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if ackTimeout <= 0 {
		ackTimeout = t.cfg.DefaultAckTimeout
	}
	now := time.Now()
	rec := delivery.DeliveryRecord{
		MessageID:         msg.ID,
		DestinationUserID: userID,
		Message:           msg,
		SentAt:            now,
		AckDeadline:       now.Add(ackTimeout),
		Status:            delivery.StatusPending,
	}

	s := t.shardFor(msg.ID)
	s.mu.Lock()
	s.records[msg.ID] = &record{rec: rec}
	s.mu.Unlock()

	atomic.AddInt64(&t.pending, 1)
	atomic.AddInt64(&t.tracked, 1)
	if t.metrics != nil {
		t.metrics.DeliveriesTracked.Inc()
		t.metrics.PendingDeliveries.Inc()
	}
	t.logger.Debug().Str("msg_id", msg.ID).Str("user", userID).Time("deadline", rec.AckDeadline).Msg("Tracking delivery.")
	return rec
}

// Bind records which session the router chose for a pending delivery.
func (t *Tracker) Bind(messageID, sessionID string) bool {
	s := t.shardFor(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageID]
	if !ok || r.rec.Status != delivery.StatusPending {
		return false
	}
	r.rec.SessionID = sessionID
	return true
}

// Acknowledge transitions PENDING→ACKED only if the record exists and belongs
// to the acking user. Stale, duplicate, or forged acks are rejected
// idempotently and logged.
func (t *Tracker) Acknowledge(messageID, userID string) bool {
	s := t.shardFor(messageID)
	s.mu.Lock()
	r, ok := s.records[messageID]
	if !ok || r.rec.DestinationUserID != userID || r.rec.Status != delivery.StatusPending {
		s.mu.Unlock()
		if t.metrics != nil {
			t.metrics.StaleAcksRejected.Inc()
		}
		t.logger.Warn().Str("msg_id", messageID).Str("user", userID).Bool("known", ok).Msg("Rejected stale or unowned ack.")
		return false
	}
	r.rec.Status = delivery.StatusAcked
	r.terminalAt = time.Now()
	s.mu.Unlock()

	atomic.AddInt64(&t.pending, -1)
	atomic.AddInt64(&t.acked, 1)
	if t.metrics != nil {
		t.metrics.DeliveriesAcked.Inc()
		t.metrics.PendingDeliveries.Dec()
	}
	t.logger.Debug().Str("msg_id", messageID).Str("user", userID).Msg("Delivery acknowledged.")
	return true
}

// Requeue re-arms an EXPIRED record for redelivery: back to PENDING with an
// incremented retry count and a fresh deadline. The message id is unchanged
// so clients can deduplicate a retried copy.
func (t *Tracker) Requeue(messageID string, ackTimeout time.Duration) (delivery.DeliveryRecord, bool) {
	if ackTimeout <= 0 {
		ackTimeout = t.cfg.DefaultAckTimeout
	}
	s := t.shardFor(messageID)
	s.mu.Lock()
	r, ok := s.records[messageID]
	if !ok || r.rec.Status != delivery.StatusExpired {
		s.mu.Unlock()
		return delivery.DeliveryRecord{}, false
	}
	r.rec.Status = delivery.StatusPending
	r.rec.RetryCount++
	r.rec.SentAt = time.Now()
	r.rec.AckDeadline = r.rec.SentAt.Add(ackTimeout)
	snapshot := r.rec
	s.mu.Unlock()

	atomic.AddInt64(&t.pending, 1)
	atomic.AddInt64(&t.expired, -1)
	if t.metrics != nil {
		t.metrics.PendingDeliveries.Inc()
	}
	return snapshot, true
}

// Fail transitions EXPIRED→FAILED once retries are exhausted.
func (t *Tracker) Fail(messageID string) (delivery.DeliveryRecord, bool) {
	s := t.shardFor(messageID)
	s.mu.Lock()
	r, ok := s.records[messageID]
	if !ok || r.rec.Status != delivery.StatusExpired {
		s.mu.Unlock()
		return delivery.DeliveryRecord{}, false
	}
	r.rec.Status = delivery.StatusFailed
	r.terminalAt = time.Now()
	snapshot := r.rec
	s.mu.Unlock()

	atomic.AddInt64(&t.expired, -1)
	atomic.AddInt64(&t.failed, 1)
	if t.metrics != nil {
		t.metrics.DeliveriesFailed.Inc()
	}
	t.logger.Warn().Str("msg_id", messageID).Msg("Delivery failed after exhausting retries.")
	return snapshot, true
}

// Get returns a snapshot of one record.
func (t *Tracker) Get(messageID string) (delivery.DeliveryRecord, bool) {
	s := t.shardFor(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageID]
	if !ok {
		return delivery.DeliveryRecord{}, false
	}
	return r.rec, true
}

// Stats returns aggregate delivery statistics.
func (t *Tracker) Stats() Stats {
	tracked := atomic.LoadInt64(&t.tracked)
	acked := atomic.LoadInt64(&t.acked)
	st := Stats{
		Pending: atomic.LoadInt64(&t.pending),
		Tracked: tracked,
		Acked:   acked,
		Expired: atomic.LoadInt64(&t.expired),
		Failed:  atomic.LoadInt64(&t.failed),
	}
	if tracked > 0 {
		st.AckRate = float64(acked) / float64(tracked)
	}
	return st
}

// Start runs the sweep loop until the context is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	t.logger.Info().Dur("interval", t.cfg.SweepInterval).Msg("Delivery sweep started.")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("Delivery sweep stopped.")
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

// SweepNow runs one sweep pass immediately, using the supplied clock value.
func (t *Tracker) SweepNow(now time.Time) {
	t.sweep(now)
}

// sweep expires overdue PENDING records and purges terminal records past
// retention. Expired snapshots are handed to the handler after all shard
// locks are released, so redelivery scheduling never blocks the tracker.
func (t *Tracker) sweep(now time.Time) {
	var expired []delivery.DeliveryRecord
	purgeCutoff := now.Add(-t.cfg.Retention)

	for _, s := range t.shards {
		s.mu.Lock()
		for id, r := range s.records {
			switch {
			case r.rec.Status == delivery.StatusPending && now.After(r.rec.AckDeadline):
				r.rec.Status = delivery.StatusExpired
				expired = append(expired, r.rec)
			case r.rec.Status.Terminal() && r.terminalAt.Before(purgeCutoff):
				delete(s.records, id)
			}
		}
		s.mu.Unlock()
	}

	if len(expired) == 0 {
		return
	}
	atomic.AddInt64(&t.pending, -int64(len(expired)))
	atomic.AddInt64(&t.expired, int64(len(expired)))
	if t.metrics != nil {
		t.metrics.PendingDeliveries.Sub(float64(len(expired)))
		t.metrics.DeliveriesExpired.Add(float64(len(expired)))
	}
	t.logger.Debug().Int("count", len(expired)).Msg("Swept expired deliveries.")

	if t.handler == nil {
		return
	}
	for _, rec := range expired {
		t.handler.HandleExpired(rec)
	}
}
