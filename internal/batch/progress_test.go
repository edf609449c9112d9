package batch

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

func progressFixture(t *testing.T, batchTimeout time.Duration) (*Aggregator, *ProgressTracker) {
	t.Helper()
	agg := NewAggregator(time.Minute, metrics.New(), zerolog.Nop())
	tracker := NewProgressTracker(agg, ProgressConfig{
		ScanInterval:      10 * time.Millisecond,
		NearTimeoutMargin: 20 * time.Millisecond,
		Retention:         time.Hour,
	}, zerolog.Nop())
	m := manifest("b1", "d1", "d2", "d3")
	m.Timeout = batchTimeout
	_, err := agg.Start(m)
	require.NoError(t, err)
	require.NoError(t, agg.MarkInProgress("b1"))
	return agg, tracker
}

// Scenario: 3 devices, none respond before the timeout elapses. The progress
// tracker sets TIMEOUT; a late device response still increments internal
// counters but does not flip the status.
func TestTimeoutThenLateResult(t *testing.T) {
	agg, tracker := progressFixture(t, 50*time.Millisecond)

	tracker.Scan(time.Now().Add(100 * time.Millisecond))

	data, err := agg.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, delivery.BatchTimeout, data.Status)

	// Late result after abandonment.
	data, err = agg.AggregateDeviceResult("b1", result("d1", delivery.DeviceSuccess))
	require.NoError(t, err)
	assert.Equal(t, delivery.BatchTimeout, data.Status, "late result must not flip TIMEOUT")
	assert.Equal(t, 1, data.SuccessCount)
	assert.Equal(t, 1, data.CompletedCount)

	assert.Equal(t, int64(1), agg.Stats().TotalTimeout)
	assert.Equal(t, int64(0), agg.Stats().Active)
}

func TestLateResultsNeverCompleteTimedOutBatch(t *testing.T) {
	agg, tracker := progressFixture(t, 50*time.Millisecond)
	tracker.Scan(time.Now().Add(100 * time.Millisecond))

	for _, d := range []string{"d1", "d2", "d3"} {
		_, err := agg.AggregateDeviceResult("b1", result(d, delivery.DeviceSuccess))
		require.NoError(t, err)
	}
	data, err := agg.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, delivery.BatchTimeout, data.Status)
	assert.Equal(t, 3, data.CompletedCount)
	assert.Equal(t, int64(0), agg.Stats().TotalCompleted, "a timed-out batch never counts as completed")
}

func TestIsBatchTimeoutAndNearTimeout(t *testing.T) {
	_, tracker := progressFixture(t, time.Hour)

	assert.False(t, tracker.IsBatchTimeout("b1"))
	assert.False(t, tracker.IsBatchNearTimeout("b1"))
	assert.False(t, tracker.IsBatchTimeout("ghost"))
}

func TestNearTimeoutCounting(t *testing.T) {
	agg, tracker := progressFixture(t, 100*time.Millisecond)

	// Inside the 20ms warning margin but not yet timed out.
	tracker.Scan(time.Now().Add(90 * time.Millisecond))
	assert.Equal(t, int64(1), tracker.NearTimeoutCount())

	data, err := agg.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, delivery.BatchInProgress, data.Status, "near-timeout must not change status")
}

func TestCompletedBatchIsNotTimedOut(t *testing.T) {
	agg, tracker := progressFixture(t, 50*time.Millisecond)
	for _, d := range []string{"d1", "d2", "d3"} {
		_, err := agg.AggregateDeviceResult("b1", result(d, delivery.DeviceSuccess))
		require.NoError(t, err)
	}

	tracker.Scan(time.Now().Add(time.Minute))

	data, err := agg.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, delivery.BatchCompleted, data.Status)
	assert.Equal(t, int64(0), agg.Stats().TotalTimeout)
}

func TestScanPurgesFinalBatchesAfterRetention(t *testing.T) {
	agg := NewAggregator(time.Minute, metrics.New(), zerolog.Nop())
	tracker := NewProgressTracker(agg, ProgressConfig{Retention: time.Millisecond}, zerolog.Nop())

	_, err := agg.Start(manifest("b1", "d1"))
	require.NoError(t, err)
	_, err = agg.AggregateDeviceResult("b1", result("d1", delivery.DeviceSuccess))
	require.NoError(t, err)

	tracker.Scan(time.Now().Add(time.Second))

	_, err = agg.Get("b1")
	assert.ErrorIs(t, err, delivery.ErrUnknownBatch)
}
