package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// ProgressConfig tunes the timeout watch over active batches.
type ProgressConfig struct {
	// ScanInterval bounds worst-case timeout detection latency.
	ScanInterval time.Duration
	// NearTimeoutMargin flags batches within this margin of their deadline.
	NearTimeoutMargin time.Duration
	// Retention keeps final-state batches readable before purging.
	Retention time.Duration
}

// ProgressTracker runs the periodic timeout scan. It is the only writer of
// the TIMEOUT status: a very-late device result can therefore never silently
// "complete" an abandoned batch.
type ProgressTracker struct {
	agg    *Aggregator
	cfg    ProgressConfig
	logger zerolog.Logger

	nearTimeout int64
}

// NewProgressTracker creates the tracker over an aggregator's records.
func NewProgressTracker(agg *Aggregator, cfg ProgressConfig, logger zerolog.Logger) *ProgressTracker {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.NearTimeoutMargin <= 0 {
		cfg.NearTimeoutMargin = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &ProgressTracker{
		agg:    agg,
		cfg:    cfg,
		logger: logger.With().Str("component", "BatchProgressTracker").Logger(),
	}
}

// IsBatchTimeout reports whether the batch's elapsed time exceeds its timeout.
func (p *ProgressTracker) IsBatchTimeout(batchID string) bool {
	e, ok := p.agg.lookup(batchID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.data.CreatedTime) >= e.timeout
}

// IsBatchNearTimeout reports whether the batch is inside the warning margin.
func (p *ProgressTracker) IsBatchNearTimeout(batchID string) bool {
	e, ok := p.agg.lookup(batchID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Done() {
		return false
	}
	return time.Since(e.data.CreatedTime) >= e.timeout-p.cfg.NearTimeoutMargin
}

// NearTimeoutCount returns how many active batches were inside the warning
// margin on the last scan.
func (p *ProgressTracker) NearTimeoutCount() int64 {
	return atomic.LoadInt64(&p.nearTimeout)
}

// Start runs the scan loop until the context is cancelled.
func (p *ProgressTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()
	p.logger.Info().Dur("interval", p.cfg.ScanInterval).Msg("Batch timeout scan started.")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Batch timeout scan stopped.")
			return
		case <-ticker.C:
			p.Scan(time.Now())
		}
	}
}

// Scan performs one pass: times out overdue batches, counts near-timeout
// ones, and purges final-state records past retention.
func (p *ProgressTracker) Scan(now time.Time) {
	purgeCutoff := now.Add(-p.cfg.Retention)
	var near int64

	for _, s := range p.agg.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			e.mu.Lock()
			switch {
			case !e.data.Done():
				elapsed := now.Sub(e.data.CreatedTime)
				if elapsed >= e.timeout {
					e.data.Status = delivery.BatchTimeout
					e.data.LastUpdateTime = now
					e.mu.Unlock()
					atomic.AddInt64(&p.agg.active, -1)
					atomic.AddInt64(&p.agg.totalTimeout, 1)
					if p.agg.metrics != nil {
						p.agg.metrics.ActiveBatches.Dec()
						p.agg.metrics.BatchesTimedOut.Inc()
					}
					p.logger.Warn().
						Str("batch", id).
						Dur("elapsed", elapsed).
						Dur("timeout", e.timeout).
						Msg("Batch timed out.")
					continue
				}
				if elapsed >= e.timeout-p.cfg.NearTimeoutMargin {
					near++
					p.logger.Warn().
						Str("batch", id).
						Dur("remaining", e.timeout-elapsed).
						Msg("Batch approaching timeout.")
				}
				e.mu.Unlock()
			case e.data.LastUpdateTime.Before(purgeCutoff):
				e.mu.Unlock()
				delete(s.entries, id)
			default:
				e.mu.Unlock()
			}
		}
		s.mu.Unlock()
	}
	atomic.StoreInt64(&p.nearTimeout, near)
}
