// Package batch tracks fan-out commands sent to many devices and aggregates
// per-device results into one batch outcome. Updates for one batch are fully
// serialized by a per-entry mutex; different batches proceed in parallel
// through a sharded table keyed by batch id.
package batch

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

const numShards = 16

// entry is one aggregation record plus its private bookkeeping. The mutex is
// the single-writer lock for this batch id.
type entry struct {
	mu        sync.Mutex
	data      delivery.BatchAggregationData
	targets   map[string]struct{}
	timeout   time.Duration
	requester string
	notified  bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// CompletionFunc receives the one-time notification when a batch reaches
// COMPLETED or PARTIALLY_COMPLETED. It runs outside the batch lock.
type CompletionFunc func(requesterID string, data delivery.BatchAggregationData)

// Stats is the aggregate batch observability snapshot.
type Stats struct {
	Active         int64 `json:"active"`
	TotalTracked   int64 `json:"totalTrackedBatches"`
	TotalCompleted int64 `json:"totalCompletedBatches"`
	TotalTimeout   int64 `json:"totalTimeoutBatches"`
}

// Aggregator owns every batch aggregation record.
type Aggregator struct {
	shards         [numShards]*shard
	defaultTimeout time.Duration
	onComplete     CompletionFunc
	metrics        *metrics.Metrics
	logger         zerolog.Logger

	active         int64
	totalTracked   int64
	totalCompleted int64
	totalTimeout   int64
}

// NewAggregator creates an aggregator. defaultTimeout applies to batches
// whose manifest carries none.
func NewAggregator(defaultTimeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Aggregator {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	a := &Aggregator{
		defaultTimeout: defaultTimeout,
		metrics:        m,
		logger:         logger.With().Str("component", "BatchAggregator").Logger(),
	}
	for i := range a.shards {
		a.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return a
}

// OnComplete installs the one-time completion callback.
func (a *Aggregator) OnComplete(fn CompletionFunc) {
	a.onComplete = fn
}

func (a *Aggregator) shardFor(batchID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(batchID))
	return a.shards[h.Sum32()%numShards]
}

func (a *Aggregator) lookup(batchID string) (*entry, bool) {
	s := a.shardFor(batchID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[batchID]
	return e, ok
}

// Start creates the aggregation record for a manifest in status CREATED.
func (a *Aggregator) Start(manifest delivery.BatchManifest) (delivery.BatchAggregationData, error) {
	if manifest.BatchID == "" {
		return delivery.BatchAggregationData{}, fmt.Errorf("batch id cannot be empty")
	}
	if len(manifest.TargetDeviceIDs) == 0 {
		return delivery.BatchAggregationData{}, fmt.Errorf("batch %s has no target devices", manifest.BatchID)
	}

	targets := make(map[string]struct{}, len(manifest.TargetDeviceIDs))
	for _, id := range manifest.TargetDeviceIDs {
		targets[id] = struct{}{}
	}
	now := time.Now()
	e := &entry{
		data: delivery.BatchAggregationData{
			BatchID:        manifest.BatchID,
			TaskID:         manifest.TaskID,
			Status:         delivery.BatchCreated,
			TotalCount:     len(targets),
			DeviceResults:  make(map[string]delivery.DeviceResult),
			CreatedTime:    now,
			LastUpdateTime: now,
		},
		targets:   targets,
		timeout:   manifest.Timeout,
		requester: manifest.RequesterID,
	}
	if e.timeout <= 0 {
		e.timeout = a.defaultTimeout
	}

	s := a.shardFor(manifest.BatchID)
	s.mu.Lock()
	if _, exists := s.entries[manifest.BatchID]; exists {
		s.mu.Unlock()
		return delivery.BatchAggregationData{}, fmt.Errorf("batch %s already exists", manifest.BatchID)
	}
	s.entries[manifest.BatchID] = e
	s.mu.Unlock()

	atomic.AddInt64(&a.active, 1)
	atomic.AddInt64(&a.totalTracked, 1)
	if a.metrics != nil {
		a.metrics.ActiveBatches.Inc()
	}
	a.logger.Info().
		Str("batch", manifest.BatchID).
		Str("task", manifest.TaskID).
		Int("devices", len(targets)).
		Dur("timeout", e.timeout).
		Msg("Batch aggregation started.")
	return e.snapshot(), nil
}

// MarkInProgress moves CREATED to IN_PROGRESS once dispatch begins.
func (a *Aggregator) MarkInProgress(batchID string) error {
	e, ok := a.lookup(batchID)
	if !ok {
		return delivery.ErrUnknownBatch
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Status == delivery.BatchCreated {
		e.data.Status = delivery.BatchInProgress
		e.data.LastUpdateTime = time.Now()
	}
	return nil
}

// AggregateDeviceResult records one device's outcome. A second result for the
// same device is ignored (logged, never double-counted). Results arriving
// after the batch reached a final state still update the bookkeeping counters
// but never change the status.
func (a *Aggregator) AggregateDeviceResult(batchID string, res delivery.DeviceResult) (delivery.BatchAggregationData, error) {
	e, ok := a.lookup(batchID)
	if !ok {
		return delivery.BatchAggregationData{}, delivery.ErrUnknownBatch
	}

	e.mu.Lock()
	if _, dup := e.data.DeviceResults[res.DeviceID]; dup {
		snapshot := e.snapshotLocked()
		e.mu.Unlock()
		if a.metrics != nil {
			a.metrics.DuplicateResults.Inc()
		}
		a.logger.Warn().Str("batch", batchID).Str("device", res.DeviceID).Msg("Duplicate device result ignored.")
		return snapshot, nil
	}

	if res.RespondedAt.IsZero() {
		res.RespondedAt = time.Now()
	}
	e.data.DeviceResults[res.DeviceID] = res
	e.data.LastUpdateTime = time.Now()

	_, isTarget := e.targets[res.DeviceID]
	if !isTarget {
		// Counted for statistics only; an off-manifest device must never
		// drive the batch toward completion.
		snapshot := e.snapshotLocked()
		e.mu.Unlock()
		a.logger.Warn().Str("batch", batchID).Str("device", res.DeviceID).Msg("Result from device outside batch manifest.")
		return snapshot, nil
	}

	if res.Status == delivery.DeviceSuccess {
		e.data.SuccessCount++
	} else {
		e.data.FailureCount++
	}
	e.data.CompletedCount = e.data.SuccessCount + e.data.FailureCount

	completedNow := false
	if !e.data.Done() {
		if e.data.Status == delivery.BatchCreated {
			e.data.Status = delivery.BatchInProgress
		}
		if e.data.CompletedCount == e.data.TotalCount {
			if e.data.FailureCount == 0 {
				e.data.Status = delivery.BatchCompleted
			} else {
				e.data.Status = delivery.BatchPartiallyCompleted
			}
			completedNow = !e.notified
			e.notified = true
		}
	}
	snapshot := e.snapshotLocked()
	requester := e.requester
	e.mu.Unlock()

	if completedNow {
		atomic.AddInt64(&a.active, -1)
		atomic.AddInt64(&a.totalCompleted, 1)
		if a.metrics != nil {
			a.metrics.ActiveBatches.Dec()
			a.metrics.BatchesCompleted.Inc()
		}
		a.logger.Info().
			Str("batch", batchID).
			Str("status", string(snapshot.Status)).
			Int("success", snapshot.SuccessCount).
			Int("failure", snapshot.FailureCount).
			Msg("Batch aggregation complete.")
		if a.onComplete != nil {
			a.onComplete(requester, snapshot)
		}
	}
	return snapshot, nil
}

// Get returns a pure-read snapshot of one aggregation.
func (a *Aggregator) Get(batchID string) (delivery.BatchAggregationData, error) {
	e, ok := a.lookup(batchID)
	if !ok {
		return delivery.BatchAggregationData{}, delivery.ErrUnknownBatch
	}
	return e.snapshot(), nil
}

// Stats returns the cumulative batch counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Active:         atomic.LoadInt64(&a.active),
		TotalTracked:   atomic.LoadInt64(&a.totalTracked),
		TotalCompleted: atomic.LoadInt64(&a.totalCompleted),
		TotalTimeout:   atomic.LoadInt64(&a.totalTimeout),
	}
}

func (e *entry) snapshot() delivery.BatchAggregationData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// snapshotLocked copies the aggregation data, including the result map, so
// callers never observe concurrent mutation.
func (e *entry) snapshotLocked() delivery.BatchAggregationData {
	out := e.data
	out.DeviceResults = make(map[string]delivery.DeviceResult, len(e.data.DeviceResults))
	for k, v := range e.data.DeviceResults {
		out.DeviceResults[k] = v
	}
	return out
}
