// Package realtime manages WebSocket client connections. It owns the
// dedicated HTTP server that clients connect to, parses the inbound client
// frames (acks, heartbeats, batch confirmations), and exposes the live
// connections as a delivery transport.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// EventSink receives connection lifecycle and client-originated events. The
// service layer implements it; the connection manager never talks to the
// delivery core directly.
type EventSink interface {
	OnConnect(ctx context.Context, session delivery.ConnectionSession)
	OnDisconnect(ctx context.Context, sessionID string)
	OnClientAck(ctx context.Context, ack delivery.Ack)
	OnDeviceCommandConfirm(ctx context.Context, batchID string, result delivery.DeviceResult)
	OnHeartbeat(ctx context.Context, sessionID string)
}

// AuthFunc resolves the authenticated user id for an upgrade request.
type AuthFunc func(r *http.Request) (string, error)

// clientFrame is the inbound wire format. Type selects which of the optional
// field groups is meaningful.
type clientFrame struct {
	Type string `json:"type"`

	// type == "ack"
	MessageID string `json:"messageId,omitempty"`

	// type == "batch_confirm"
	BatchID  string `json:"batchId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Status   string `json:"status,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

// client is one live WebSocket connection. Writes are serialized through mu;
// gorilla connections do not support concurrent writers.
type client struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	sessionID string
	userID    string
}

func (c *client) write(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Config tunes the WebSocket server and per-connection timeouts.
type Config struct {
	Port string
	// ReadLimit caps the inbound frame size in bytes.
	ReadLimit int64
	// PongWait is how long a connection may stay silent before the read
	// loop gives up on it. Clients keep the deadline fresh by sending
	// heartbeat frames (or protocol-level pings) within this window.
	PongWait     time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8081"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// ConnectionManager accepts WebSocket connections, tracks them by session id,
// and forwards client events to the sink. It implements delivery.Transport.
type ConnectionManager struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	auth       AuthFunc
	sink       EventSink
	cfg        Config
	clients    sync.Map // map[string]*client, keyed by session id
	logger     zerolog.Logger
	instanceID string
}

// NewConnectionManager wires up a manager and its HTTP server. The sink and
// auth function are required.
func NewConnectionManager(cfg Config, auth AuthFunc, sink EventSink, logger zerolog.Logger) (*ConnectionManager, error) {
	if auth == nil {
		return nil, fmt.Errorf("auth func cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink cannot be nil")
	}
	cfg.applyDefaults()

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the client origin list is known
				return true
			},
		},
		auth:       auth,
		sink:       sink,
		cfg:        cfg,
		logger:     logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", cm.connectHandler)
	cm.server = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	return cm, nil
}

// InstanceID identifies this server instance in presence records.
func (cm *ConnectionManager) InstanceID() string {
	return cm.instanceID
}

// Start runs the HTTP server for WebSocket connections. It blocks until the
// server stops.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes every live connection with a
// clean close frame.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	var finalErr error
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	closeFrame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	cm.clients.Range(func(_, value any) bool {
		c := value.(*client)
		if err := c.write(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second)); err != nil {
			cm.logger.Debug().Err(err).Str("session", c.sessionID).Msg("Close frame not delivered.")
		}
		_ = c.conn.Close()
		return true
	})

	cm.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// Send implements delivery.Transport. The message is marshalled as JSON and
// written to the session's connection.
func (cm *ConnectionManager) Send(_ context.Context, sessionID string, msg *delivery.Message) error {
	value, ok := cm.clients.Load(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, delivery.ErrSessionNotFound)
	}
	c := value.(*client)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	if err := c.write(websocket.TextMessage, data, time.Now().Add(cm.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("write to session %s failed: %w", sessionID, err)
	}
	return nil
}

// connectHandler upgrades the request and runs the connection's read loop.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := cm.auth(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	session := delivery.ConnectionSession{
		SessionID:        uuid.NewString(),
		UserID:           userID,
		ServerInstanceID: cm.instanceID,
		Topics:           parseTopics(r.URL.Query().Get("topics")),
		ConnectedAt:      time.Now(),
		LastHeartbeatAt:  time.Now(),
	}
	c := &client{conn: conn, sessionID: session.SessionID, userID: userID}
	cm.clients.Store(session.SessionID, c)

	ctx := r.Context()
	cm.sink.OnConnect(ctx, session)
	cm.logger.Info().Str("user", userID).Str("session", session.SessionID).Msg("User connected via WebSocket.")

	defer func() {
		cm.clients.Delete(session.SessionID)
		_ = conn.Close()
		// The request context is gone once the handler unwinds.
		cm.sink.OnDisconnect(context.Background(), session.SessionID)
		cm.logger.Info().Str("user", userID).Str("session", session.SessionID).Msg("User disconnected.")
	}()

	conn.SetReadLimit(cm.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		cm.sink.OnHeartbeat(context.Background(), session.SessionID)
		return conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	})

	cm.readLoop(ctx, c)
}

func (cm *ConnectionManager) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cm.logger.Warn().Err(err).Str("session", c.sessionID).Msg("Connection closed unexpectedly.")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
		cm.handleFrame(ctx, c, data)
	}
}

func (cm *ConnectionManager) handleFrame(ctx context.Context, c *client, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		cm.logger.Warn().Err(err).Str("session", c.sessionID).Msg("Discarding malformed client frame.")
		return
	}

	switch frame.Type {
	case "heartbeat":
		cm.sink.OnHeartbeat(ctx, c.sessionID)

	case "ack":
		if frame.MessageID == "" {
			cm.logger.Warn().Str("session", c.sessionID).Msg("Ack frame without message id.")
			return
		}
		cm.sink.OnClientAck(ctx, delivery.Ack{MessageID: frame.MessageID, UserID: c.userID})

	case "batch_confirm":
		if frame.BatchID == "" || frame.DeviceID == "" {
			cm.logger.Warn().Str("session", c.sessionID).Msg("Batch confirmation missing batch or device id.")
			return
		}
		status := delivery.DeviceResultStatus(strings.ToUpper(frame.Status))
		if status != delivery.DeviceSuccess && status != delivery.DeviceFailure {
			status = delivery.DeviceFailure
		}
		cm.sink.OnDeviceCommandConfirm(ctx, frame.BatchID, delivery.DeviceResult{
			DeviceID:    frame.DeviceID,
			Status:      status,
			Payload:     frame.Payload,
			RespondedAt: time.Now(),
		})

	default:
		cm.logger.Debug().Str("session", c.sessionID).Str("type", frame.Type).Msg("Ignoring unknown frame type.")
	}
}

func parseTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
