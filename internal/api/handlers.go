// Package api defines the HTTP surface of the delivery service: message
// ingestion, batch command dispatch, task result notification, and the admin
// endpoints for runtime policy and rule management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/internal/batch"
	"github.com/tinywideclouds/go-delivery-service/internal/fallback"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/retry"
	"github.com/tinywideclouds/go-delivery-service/internal/router"
	"github.com/tinywideclouds/go-delivery-service/internal/tracker"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Stats is the aggregate surfaced by GET /admin/stats.
type Stats struct {
	Deliveries         tracker.Stats `json:"deliveries"`
	Batches            batch.Stats   `json:"batches"`
	OnlineUsers        int           `json:"onlineUsers"`
	ActiveSessions     int           `json:"activeSessions"`
	NearTimeoutBatches int           `json:"nearTimeoutBatches"`
}

// Service is the slice of the delivery core the HTTP handlers consume.
type Service interface {
	Deliver(ctx context.Context, userID string, msg *delivery.Message, routingKey string) (delivery.Outcome, error)
	Broadcast(ctx context.Context, topicPattern string, msg *delivery.Message) (int, error)
	StartBatch(ctx context.Context, manifest delivery.BatchManifest) (delivery.BatchAggregationData, error)
	Batch(batchID string) (delivery.BatchAggregationData, error)
	NotifyTaskResult(ctx context.Context, res fallback.TaskResult) (fallback.Outcome, error)
	Stats() Stats
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	svc      Service
	policies *retry.PolicyRegistry
	rules    *router.RuleRegistry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewAPI creates the handler set. The service, registries, and metrics are
// all required.
func NewAPI(svc Service, policies *retry.PolicyRegistry, rules *router.RuleRegistry, m *metrics.Metrics, logger zerolog.Logger) (*API, error) {
	if svc == nil {
		return nil, errors.New("service cannot be nil")
	}
	if policies == nil {
		return nil, errors.New("policy registry cannot be nil")
	}
	if rules == nil {
		return nil, errors.New("rule registry cannot be nil")
	}
	if m == nil {
		return nil, errors.New("metrics cannot be nil")
	}
	return &API{
		svc:      svc,
		policies: policies,
		rules:    rules,
		metrics:  m,
		logger:   logger.With().Str("component", "API").Logger(),
	}, nil
}

// Routes mounts every handler on a fresh chi router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/messages", a.SendHandler)
	r.Post("/api/broadcast", a.BroadcastHandler)
	r.Post("/api/batches", a.StartBatchHandler)
	r.Get("/api/batches/{batchID}", a.GetBatchHandler)
	r.Post("/api/tasks/result", a.NotifyTaskResultHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)
		r.Get("/policies/{messageType}", a.GetPolicyHandler)
		r.Put("/policies/{messageType}", a.PutPolicyHandler)
		r.Delete("/policies/{messageType}", a.DeletePolicyHandler)
		r.Get("/rules/{routingKey}", a.GetRuleHandler)
		r.Put("/rules/{routingKey}", a.PutRuleHandler)
		r.Delete("/rules/{routingKey}", a.DeleteRuleHandler)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

// sendRequest is the ingestion body for single-recipient delivery.
type sendRequest struct {
	UserID     string `json:"userId"`
	RoutingKey string `json:"routingKey,omitempty"`
	delivery.Message
}

// SendHandler accepts one message for a single user and reports the outcome.
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	msg := req.Message
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	outcome, err := a.svc.Deliver(r.Context(), req.UserID, &msg, req.RoutingKey)
	if err != nil && outcome == delivery.OutcomeFailed {
		a.logger.Error().Err(err).Str("user", req.UserID).Msg("Delivery failed outright.")
		writeJSONError(w, http.StatusInternalServerError, "delivery failed")
		return
	}

	a.logger.Debug().Str("user", req.UserID).Str("outcome", string(outcome)).Msg("Message accepted.")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"messageId": msg.ID,
		"outcome":   outcome,
	})
}

// broadcastRequest targets a topic pattern instead of a user.
type broadcastRequest struct {
	TopicPattern string `json:"topicPattern"`
	delivery.Message
}

// BroadcastHandler fans a message out to every session subscribed to a
// matching topic.
func (a *API) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TopicPattern == "" {
		writeJSONError(w, http.StatusBadRequest, "topicPattern is required")
		return
	}
	msg := req.Message
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	delivered, err := a.svc.Broadcast(r.Context(), req.TopicPattern, &msg)
	if err != nil {
		a.logger.Error().Err(err).Str("topic", req.TopicPattern).Msg("Broadcast failed.")
		writeJSONError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId": msg.ID,
		"delivered": delivered,
	})
}

// StartBatchHandler dispatches a fan-out command described by a manifest.
func (a *API) StartBatchHandler(w http.ResponseWriter, r *http.Request) {
	var manifest delivery.BatchManifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	data, err := a.svc.StartBatch(r.Context(), manifest)
	if err != nil {
		a.logger.Warn().Err(err).Str("batch", manifest.BatchID).Msg("Batch start rejected.")
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, data)
}

// GetBatchHandler returns the current aggregation snapshot for one batch.
func (a *API) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	data, err := a.svc.Batch(batchID)
	if err != nil {
		if errors.Is(err, delivery.ErrUnknownBatch) {
			writeJSONError(w, http.StatusNotFound, "unknown batch")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// NotifyTaskResultHandler escalates one logical task result through the
// notification tiers.
func (a *API) NotifyTaskResultHandler(w http.ResponseWriter, r *http.Request) {
	var res fallback.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if res.UserID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	outcome, err := a.svc.NotifyTaskResult(r.Context(), res)
	if err != nil {
		a.logger.Error().Err(err).Str("user", res.UserID).Msg("Task result notification failed.")
		writeJSONError(w, http.StatusInternalServerError, "notification failed")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// StatsHandler reports the live operational counters.
func (a *API) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Stats())
}

// GetPolicyHandler returns the effective retry policy for a message type.
func (a *API) GetPolicyHandler(w http.ResponseWriter, r *http.Request) {
	messageType := chi.URLParam(r, "messageType")
	policy, override := a.policies.Get(messageType)
	writeJSON(w, http.StatusOK, map[string]any{
		"messageType": messageType,
		"override":    override,
		"policy":      policy,
	})
}

// PutPolicyHandler installs or replaces the retry policy for a message type.
func (a *API) PutPolicyHandler(w http.ResponseWriter, r *http.Request) {
	messageType := chi.URLParam(r, "messageType")
	var policy delivery.RetryPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.policies.Register(messageType, policy); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info().Str("message_type", messageType).Msg("Retry policy updated.")
	writeJSON(w, http.StatusOK, policy)
}

// DeletePolicyHandler removes a per-type override; the default applies again.
func (a *API) DeletePolicyHandler(w http.ResponseWriter, r *http.Request) {
	messageType := chi.URLParam(r, "messageType")
	if !a.policies.Remove(messageType) {
		writeJSONError(w, http.StatusNotFound, "no policy override for message type")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRuleHandler returns the effective routing rule for a routing key.
func (a *API) GetRuleHandler(w http.ResponseWriter, r *http.Request) {
	routingKey := chi.URLParam(r, "routingKey")
	rule, override := a.rules.Get(routingKey)
	writeJSON(w, http.StatusOK, map[string]any{
		"routingKey": routingKey,
		"override":   override,
		"rule":       rule,
	})
}

// PutRuleHandler installs or replaces the routing rule for a routing key.
func (a *API) PutRuleHandler(w http.ResponseWriter, r *http.Request) {
	routingKey := chi.URLParam(r, "routingKey")
	var rule delivery.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.rules.Register(routingKey, rule); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info().Str("routing_key", routingKey).Msg("Routing rule updated.")
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRuleHandler removes a per-key override; the default applies again.
func (a *API) DeleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	routingKey := chi.URLParam(r, "routingKey")
	if !a.rules.Remove(routingKey) {
		writeJSONError(w, http.StatusNotFound, "no rule override for routing key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
