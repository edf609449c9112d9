package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// captureSink records every event and signals connects/disconnects so tests
// can wait deterministically instead of polling.
type captureSink struct {
	mu          sync.Mutex
	sessions    []delivery.ConnectionSession
	disconnects []string
	acks        []delivery.Ack
	confirms    []struct {
		batchID string
		result  delivery.DeviceResult
	}
	heartbeats []string

	connected    chan delivery.ConnectionSession
	disconnected chan string
	frames       chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{
		connected:    make(chan delivery.ConnectionSession, 8),
		disconnected: make(chan string, 8),
		frames:       make(chan struct{}, 64),
	}
}

func (s *captureSink) OnConnect(_ context.Context, session delivery.ConnectionSession) {
	s.mu.Lock()
	s.sessions = append(s.sessions, session)
	s.mu.Unlock()
	s.connected <- session
}

func (s *captureSink) OnDisconnect(_ context.Context, sessionID string) {
	s.mu.Lock()
	s.disconnects = append(s.disconnects, sessionID)
	s.mu.Unlock()
	s.disconnected <- sessionID
}

func (s *captureSink) OnClientAck(_ context.Context, ack delivery.Ack) {
	s.mu.Lock()
	s.acks = append(s.acks, ack)
	s.mu.Unlock()
	s.frames <- struct{}{}
}

func (s *captureSink) OnDeviceCommandConfirm(_ context.Context, batchID string, result delivery.DeviceResult) {
	s.mu.Lock()
	s.confirms = append(s.confirms, struct {
		batchID string
		result  delivery.DeviceResult
	}{batchID, result})
	s.mu.Unlock()
	s.frames <- struct{}{}
}

func (s *captureSink) OnHeartbeat(_ context.Context, sessionID string) {
	s.mu.Lock()
	s.heartbeats = append(s.heartbeats, sessionID)
	s.mu.Unlock()
	s.frames <- struct{}{}
}

type realtimeFixture struct {
	cm       *ConnectionManager
	sink     *captureSink
	wsServer *httptest.Server
}

func setup(t *testing.T) *realtimeFixture {
	t.Helper()
	sink := newCaptureSink()
	auth := func(r *http.Request) (string, error) {
		return "test-user-id", nil
	}
	cm, err := NewConnectionManager(Config{Port: "0"}, auth, sink, zerolog.Nop())
	require.NoError(t, err)

	wsServer := httptest.NewServer(cm.server.Handler)
	t.Cleanup(wsServer.Close)

	return &realtimeFixture{cm: cm, sink: sink, wsServer: wsServer}
}

func (fx *realtimeFixture) dial(t *testing.T, query string) (*websocket.Conn, delivery.ConnectionSession) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(fx.wsServer.URL, "http") + "/connect" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "Failed to dial test WebSocket server")
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case session := <-fx.sink.connected:
		return conn, session
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for OnConnect")
		return nil, delivery.ConnectionSession{}
	}
}

func (fx *realtimeFixture) waitFrame(t *testing.T) {
	t.Helper()
	select {
	case <-fx.sink.frames:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a client frame to be processed")
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	fx := setup(t)

	conn, session := fx.dial(t, "?topics=fleet.alpha,fleet.beta")
	assert.Equal(t, "test-user-id", session.UserID)
	assert.Equal(t, fx.cm.InstanceID(), session.ServerInstanceID)
	assert.Equal(t, []string{"fleet.alpha", "fleet.beta"}, session.Topics)
	assert.NotEmpty(t, session.SessionID)

	require.NoError(t, conn.Close())
	select {
	case gone := <-fx.sink.disconnected:
		assert.Equal(t, session.SessionID, gone)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for disconnect to be processed")
	}

	_, stillThere := fx.cm.clients.Load(session.SessionID)
	assert.False(t, stillThere, "Connection was not removed from map")
}

func TestUnauthorizedConnectRejected(t *testing.T) {
	fx := setup(t)
	fx.cm.auth = func(r *http.Request) (string, error) {
		return "", assert.AnError
	}

	wsURL := "ws" + strings.TrimPrefix(fx.wsServer.URL, "http") + "/connect"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAckFrameForwardedToSink(t *testing.T) {
	fx := setup(t)
	conn, _ := fx.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":      "ack",
		"messageId": "msg-1",
	}))
	fx.waitFrame(t)

	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()
	require.Len(t, fx.sink.acks, 1)
	assert.Equal(t, "msg-1", fx.sink.acks[0].MessageID)
	assert.Equal(t, "test-user-id", fx.sink.acks[0].UserID)
}

func TestBatchConfirmFrameForwardedToSink(t *testing.T) {
	fx := setup(t)
	conn, _ := fx.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "batch_confirm",
		"batchId":  "batch-7",
		"deviceId": "device-3",
		"status":   "success",
	}))
	fx.waitFrame(t)

	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()
	require.Len(t, fx.sink.confirms, 1)
	assert.Equal(t, "batch-7", fx.sink.confirms[0].batchID)
	assert.Equal(t, "device-3", fx.sink.confirms[0].result.DeviceID)
	assert.Equal(t, delivery.DeviceSuccess, fx.sink.confirms[0].result.Status)
	assert.False(t, fx.sink.confirms[0].result.RespondedAt.IsZero())
}

func TestHeartbeatFrameForwardedToSink(t *testing.T) {
	fx := setup(t)
	conn, session := fx.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))
	fx.waitFrame(t)

	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()
	require.Len(t, fx.sink.heartbeats, 1)
	assert.Equal(t, session.SessionID, fx.sink.heartbeats[0])
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	fx := setup(t)
	conn, _ := fx.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ack"})) // no messageId
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "mystery"}))

	// A valid frame after the junk proves the read loop survived.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))
	fx.waitFrame(t)

	fx.sink.mu.Lock()
	defer fx.sink.mu.Unlock()
	assert.Empty(t, fx.sink.acks)
	assert.Len(t, fx.sink.heartbeats, 1)
}

func TestSendDeliversToSession(t *testing.T) {
	fx := setup(t)
	conn, session := fx.dial(t, "")

	msg := &delivery.Message{
		ID:          "msg-9",
		Type:        "task.result",
		Destination: "test-user-id",
		Payload:     []byte(`{"done":true}`),
		Timestamp:   time.Now(),
	}
	require.NoError(t, fx.cm.Send(context.Background(), session.SessionID, msg))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got delivery.Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "msg-9", got.ID)
	assert.Equal(t, "task.result", got.Type)
}

func TestSendToUnknownSessionFails(t *testing.T) {
	fx := setup(t)
	err := fx.cm.Send(context.Background(), "no-such-session", &delivery.Message{ID: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, delivery.ErrSessionNotFound)
}
