// Package metrics defines the prometheus collectors for the delivery core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "delivery"

// Metrics holds every collector the delivery core exports. One instance is
// created at startup and shared through dependency injection.
type Metrics struct {
	registry *prometheus.Registry

	// Delivery tracker.
	PendingDeliveries prometheus.Gauge
	DeliveriesTracked prometheus.Counter
	DeliveriesAcked   prometheus.Counter
	DeliveriesExpired prometheus.Counter
	DeliveriesFailed  prometheus.Counter
	StaleAcksRejected prometheus.Counter

	// Retry engine.
	RetriesScheduled prometheus.Counter
	RetriesExhausted prometheus.Counter

	// Connection registry.
	ActiveSessions prometheus.Gauge
	OnlineUsers    prometheus.Gauge

	// Batch aggregation.
	ActiveBatches    prometheus.Gauge
	BatchesCompleted prometheus.Counter
	BatchesTimedOut  prometheus.Counter
	DuplicateResults prometheus.Counter

	// Fallback.
	OfflineSaved  prometheus.Counter
	OfflinePushed prometheus.Counter
	DedupHits     prometheus.Counter
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PendingDeliveries = m.newGauge("tracker", "pending_deliveries", "Number of deliveries currently awaiting acknowledgment.")
	m.DeliveriesTracked = m.newCounter("tracker", "deliveries_tracked_total", "Total deliveries accepted for tracking.")
	m.DeliveriesAcked = m.newCounter("tracker", "deliveries_acked_total", "Total deliveries acknowledged by clients.")
	m.DeliveriesExpired = m.newCounter("tracker", "deliveries_expired_total", "Total deliveries whose ack deadline passed.")
	m.DeliveriesFailed = m.newCounter("tracker", "deliveries_failed_total", "Total deliveries that exhausted retries.")
	m.StaleAcksRejected = m.newCounter("tracker", "stale_acks_rejected_total", "Total acknowledgments rejected as stale, duplicate, or not owned by the acking user.")

	m.RetriesScheduled = m.newCounter("retry", "retries_scheduled_total", "Total redelivery attempts scheduled.")
	m.RetriesExhausted = m.newCounter("retry", "retries_exhausted_total", "Total deliveries escalated to fallback after exhausting retries.")

	m.ActiveSessions = m.newGauge("registry", "active_sessions", "Number of live transport sessions.")
	m.OnlineUsers = m.newGauge("registry", "online_users", "Number of distinct users with at least one live session.")

	m.ActiveBatches = m.newGauge("batch", "active_batches", "Number of batch aggregations not yet in a final state.")
	m.BatchesCompleted = m.newCounter("batch", "batches_completed_total", "Total batch aggregations that reached COMPLETED or PARTIALLY_COMPLETED.")
	m.BatchesTimedOut = m.newCounter("batch", "batches_timeout_total", "Total batch aggregations abandoned by the progress tracker.")
	m.DuplicateResults = m.newCounter("batch", "duplicate_device_results_total", "Total device results ignored because the device already reported.")

	m.OfflineSaved = m.newCounter("fallback", "offline_saved_total", "Total notifications persisted to the offline store.")
	m.OfflinePushed = m.newCounter("fallback", "offline_pushed_total", "Total offline notifications delivered on user reconnect.")
	m.DedupHits = m.newCounter("fallback", "dedup_hits_total", "Total notifications suppressed by the deduplication guard.")

	return m
}

// Registry returns the underlying prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) newCounter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	m.registry.MustRegister(c)
	return c
}

func (m *Metrics) newGauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	m.registry.MustRegister(g)
	return g
}
