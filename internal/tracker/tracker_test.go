package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

type captureHandler struct {
	mu      sync.Mutex
	expired []delivery.DeliveryRecord
}

func (h *captureHandler) HandleExpired(rec delivery.DeliveryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expired = append(h.expired, rec)
}

func (h *captureHandler) records() []delivery.DeliveryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery.DeliveryRecord(nil), h.expired...)
}

func newTracker(t *testing.T) (*Tracker, *captureHandler) {
	t.Helper()
	tr := New(Config{SweepInterval: 10 * time.Millisecond, DefaultAckTimeout: time.Minute}, metrics.New(), zerolog.Nop())
	h := &captureHandler{}
	tr.SetExpiryHandler(h)
	return tr, h
}

func msg(dest string) *delivery.Message {
	return &delivery.Message{Type: "test.event", Destination: dest, Payload: []byte("hi"), AckRequired: true}
}

func TestTrackAssignsMessageID(t *testing.T) {
	tr, _ := newTracker(t)

	m := msg("alice")
	rec := tr.Track(m, "alice", time.Minute)

	require.NotEmpty(t, rec.MessageID)
	assert.Equal(t, m.ID, rec.MessageID)
	assert.Equal(t, delivery.StatusPending, rec.Status)
	assert.Equal(t, int64(1), tr.Stats().Pending)
}

func TestAcknowledgeHappyPath(t *testing.T) {
	tr, _ := newTracker(t)
	rec := tr.Track(msg("alice"), "alice", time.Minute)

	assert.True(t, tr.Acknowledge(rec.MessageID, "alice"))

	got, ok := tr.Get(rec.MessageID)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusAcked, got.Status)
	assert.Equal(t, int64(0), tr.Stats().Pending)
	assert.Equal(t, float64(1), tr.Stats().AckRate)
}

func TestAcknowledgeRejectsForgedAndDuplicate(t *testing.T) {
	tr, _ := newTracker(t)
	rec := tr.Track(msg("alice"), "alice", time.Minute)

	// Forged: wrong user.
	assert.False(t, tr.Acknowledge(rec.MessageID, "mallory"))
	// Unknown message id.
	assert.False(t, tr.Acknowledge("no-such-id", "alice"))

	require.True(t, tr.Acknowledge(rec.MessageID, "alice"))
	// Duplicate ack is a no-op.
	assert.False(t, tr.Acknowledge(rec.MessageID, "alice"))
	assert.Equal(t, int64(1), tr.Stats().Acked)
}

func TestSweepExpiresOverdueRecords(t *testing.T) {
	tr, h := newTracker(t)
	rec := tr.Track(msg("alice"), "alice", time.Millisecond)

	tr.sweep(time.Now().Add(time.Second))

	got, ok := tr.Get(rec.MessageID)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusExpired, got.Status)
	require.Len(t, h.records(), 1)
	assert.Equal(t, rec.MessageID, h.records()[0].MessageID)
}

func TestRequeueReusesMessageID(t *testing.T) {
	tr, _ := newTracker(t)
	rec := tr.Track(msg("alice"), "alice", time.Millisecond)
	tr.sweep(time.Now().Add(time.Second))

	requeued, ok := tr.Requeue(rec.MessageID, time.Minute)
	require.True(t, ok)
	assert.Equal(t, rec.MessageID, requeued.MessageID)
	assert.Equal(t, delivery.StatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)

	// A record that is not EXPIRED cannot be requeued.
	_, ok = tr.Requeue(rec.MessageID, time.Minute)
	assert.False(t, ok)
}

// An ack arriving just after the sweep expired the record is a no-op; once
// the redelivered copy (same id) is re-armed and acked by the real client,
// exactly one successful delivery is counted.
func TestLateAckThenRedeliveryAck(t *testing.T) {
	tr, _ := newTracker(t)
	rec := tr.Track(msg("alice"), "alice", time.Millisecond)
	tr.sweep(time.Now().Add(time.Second))

	// Late ack loses the race: record already EXPIRED.
	assert.False(t, tr.Acknowledge(rec.MessageID, "alice"))

	_, ok := tr.Requeue(rec.MessageID, time.Minute)
	require.True(t, ok)

	// The redelivered copy is acked for real.
	assert.True(t, tr.Acknowledge(rec.MessageID, "alice"))
	assert.Equal(t, int64(1), tr.Stats().Acked)
}

func TestFailRequiresExpiredStatus(t *testing.T) {
	tr, _ := newTracker(t)
	rec := tr.Track(msg("alice"), "alice", time.Millisecond)

	_, ok := tr.Fail(rec.MessageID)
	assert.False(t, ok, "PENDING record must not fail directly")

	tr.sweep(time.Now().Add(time.Second))
	failed, ok := tr.Fail(rec.MessageID)
	require.True(t, ok)
	assert.Equal(t, delivery.StatusFailed, failed.Status)
	assert.Equal(t, int64(1), tr.Stats().Failed)
}

func TestSweepPurgesTerminalRecordsAfterRetention(t *testing.T) {
	tr := New(Config{Retention: time.Millisecond}, metrics.New(), zerolog.Nop())
	rec := tr.Track(msg("alice"), "alice", time.Minute)
	require.True(t, tr.Acknowledge(rec.MessageID, "alice"))

	tr.sweep(time.Now().Add(time.Second))

	_, ok := tr.Get(rec.MessageID)
	assert.False(t, ok, "terminal record should be purged after retention")
}

func TestConcurrentAckVersusSweep(t *testing.T) {
	tr, h := newTracker(t)

	const n = 200
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := tr.Track(msg("alice"), "alice", time.Millisecond)
		ids = append(ids, rec.MessageID)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.sweep(time.Now().Add(time.Second))
	}()
	var acked int64
	go func() {
		defer wg.Done()
		for _, id := range ids {
			if tr.Acknowledge(id, "alice") {
				acked++
			}
		}
	}()
	wg.Wait()

	// Every record went exactly one way: acked or handed to the handler.
	assert.Equal(t, int64(n), acked+int64(len(h.records())))
	st := tr.Stats()
	assert.Equal(t, acked, st.Acked)
	assert.Equal(t, int64(len(h.records())), st.Expired)
}
