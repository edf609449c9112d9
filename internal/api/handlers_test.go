package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-delivery-service/internal/fallback"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/retry"
	"github.com/tinywideclouds/go-delivery-service/internal/router"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// stubService scripts the core's responses for handler tests.
type stubService struct {
	deliverOutcome delivery.Outcome
	deliverErr     error
	broadcastCount int
	batchData      delivery.BatchAggregationData
	batchErr       error
	notifyOutcome  fallback.Outcome
	stats          Stats

	lastUserID     string
	lastRoutingKey string
	lastManifest   delivery.BatchManifest
	lastTaskResult fallback.TaskResult
}

func (s *stubService) Deliver(_ context.Context, userID string, msg *delivery.Message, routingKey string) (delivery.Outcome, error) {
	s.lastUserID = userID
	s.lastRoutingKey = routingKey
	if msg.ID == "" {
		msg.ID = "assigned-id"
	}
	return s.deliverOutcome, s.deliverErr
}

func (s *stubService) Broadcast(_ context.Context, _ string, msg *delivery.Message) (int, error) {
	if msg.ID == "" {
		msg.ID = "assigned-id"
	}
	return s.broadcastCount, nil
}

func (s *stubService) StartBatch(_ context.Context, manifest delivery.BatchManifest) (delivery.BatchAggregationData, error) {
	s.lastManifest = manifest
	return s.batchData, s.batchErr
}

func (s *stubService) Batch(batchID string) (delivery.BatchAggregationData, error) {
	if batchID != s.batchData.BatchID {
		return delivery.BatchAggregationData{}, delivery.ErrUnknownBatch
	}
	return s.batchData, nil
}

func (s *stubService) NotifyTaskResult(_ context.Context, res fallback.TaskResult) (fallback.Outcome, error) {
	s.lastTaskResult = res
	return s.notifyOutcome, nil
}

func (s *stubService) Stats() Stats { return s.stats }

type apiFixture struct {
	api      *API
	svc      *stubService
	server   *httptest.Server
	policies *retry.PolicyRegistry
	rules    *router.RuleRegistry
}

func setup(t *testing.T) *apiFixture {
	t.Helper()
	svc := &stubService{deliverOutcome: delivery.OutcomeSent}
	policies, err := retry.NewPolicyRegistry(delivery.RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          time.Minute,
		AckTimeout:        30 * time.Second,
	})
	require.NoError(t, err)
	rules, err := router.NewRuleRegistry(delivery.RoutingRule{Strategy: delivery.StrategyRoundRobin})
	require.NoError(t, err)

	a, err := NewAPI(svc, policies, rules, metrics.New(), zerolog.Nop())
	require.NoError(t, err)

	server := httptest.NewServer(a.Routes())
	t.Cleanup(server.Close)

	return &apiFixture{api: a, svc: svc, server: server, policies: policies, rules: rules}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, fx.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSendHandler(t *testing.T) {
	fx := setup(t)

	resp := fx.do(t, http.MethodPost, "/api/messages", map[string]any{
		"userId":     "alice",
		"routingKey": "fleet.command",
		"type":       "task.assign",
		"payload":    []byte("work"),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "assigned-id", body["messageId"])
	assert.Equal(t, string(delivery.OutcomeSent), body["outcome"])
	assert.Equal(t, "alice", fx.svc.lastUserID)
	assert.Equal(t, "fleet.command", fx.svc.lastRoutingKey)
}

func TestSendHandlerRejectsMissingUser(t *testing.T) {
	fx := setup(t)
	resp := fx.do(t, http.MethodPost, "/api/messages", map[string]any{"type": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendHandlerReportsNonSentOutcomes(t *testing.T) {
	fx := setup(t)
	fx.svc.deliverOutcome = delivery.OutcomeOfflineSaved

	resp := fx.do(t, http.MethodPost, "/api/messages", map[string]any{"userId": "bob"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, string(delivery.OutcomeOfflineSaved), body["outcome"])
}

func TestBroadcastHandler(t *testing.T) {
	fx := setup(t)
	fx.svc.broadcastCount = 7

	resp := fx.do(t, http.MethodPost, "/api/broadcast", map[string]any{
		"topicPattern": "fleet.*",
		"type":         "announcement",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, float64(7), body["delivered"])
}

func TestStartBatchHandler(t *testing.T) {
	fx := setup(t)
	fx.svc.batchData = delivery.BatchAggregationData{
		BatchID:    "batch-1",
		Status:     delivery.BatchCreated,
		TotalCount: 3,
	}

	resp := fx.do(t, http.MethodPost, "/api/batches", delivery.BatchManifest{
		BatchID:         "batch-1",
		TaskID:          "task-1",
		TargetDeviceIDs: []string{"d1", "d2", "d3"},
		RequesterID:     "operator",
		Command:         []byte("reboot"),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	data := decode[delivery.BatchAggregationData](t, resp)
	assert.Equal(t, "batch-1", data.BatchID)
	assert.Len(t, fx.svc.lastManifest.TargetDeviceIDs, 3)
}

func TestGetBatchHandler(t *testing.T) {
	fx := setup(t)
	fx.svc.batchData = delivery.BatchAggregationData{BatchID: "batch-1", Status: delivery.BatchInProgress}

	resp := fx.do(t, http.MethodGet, "/api/batches/batch-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decode[delivery.BatchAggregationData](t, resp)
	assert.Equal(t, delivery.BatchInProgress, data.Status)

	missing := fx.do(t, http.MethodGet, "/api/batches/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestNotifyTaskResultHandler(t *testing.T) {
	fx := setup(t)
	fx.svc.notifyOutcome = fallback.Outcome{Tier: fallback.TierOffline, NotificationID: "n-1"}

	resp := fx.do(t, http.MethodPost, "/api/tasks/result", fallback.TaskResult{
		TaskKey: "task-1",
		UserID:  "alice",
		Payload: []byte("done"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[fallback.Outcome](t, resp)
	assert.Equal(t, fallback.TierOffline, out.Tier)
	assert.Equal(t, "task-1", fx.svc.lastTaskResult.TaskKey)
}

func TestStatsHandler(t *testing.T) {
	fx := setup(t)
	fx.svc.stats = Stats{OnlineUsers: 4, ActiveSessions: 9}

	resp := fx.do(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[Stats](t, resp)
	assert.Equal(t, 4, stats.OnlineUsers)
	assert.Equal(t, 9, stats.ActiveSessions)
}

func TestPolicyAdminLifecycle(t *testing.T) {
	fx := setup(t)

	put := fx.do(t, http.MethodPut, "/admin/policies/fleet.command", delivery.RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         2 * time.Second,
		BackoffMultiplier: 1.5,
		MaxDelay:          time.Minute,
		AckTimeout:        20 * time.Second,
	})
	require.Equal(t, http.StatusOK, put.StatusCode)

	get := fx.do(t, http.MethodGet, "/admin/policies/fleet.command", nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	body := decode[map[string]json.RawMessage](t, get)
	var override bool
	require.NoError(t, json.Unmarshal(body["override"], &override))
	assert.True(t, override)

	del := fx.do(t, http.MethodDelete, "/admin/policies/fleet.command", nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	delAgain := fx.do(t, http.MethodDelete, "/admin/policies/fleet.command", nil)
	assert.Equal(t, http.StatusNotFound, delAgain.StatusCode)
}

func TestPolicyAdminRejectsInvalidPolicy(t *testing.T) {
	fx := setup(t)
	resp := fx.do(t, http.MethodPut, "/admin/policies/fleet.command", delivery.RetryPolicy{
		MaxAttempts: -1,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuleAdminLifecycle(t *testing.T) {
	fx := setup(t)

	put := fx.do(t, http.MethodPut, "/admin/rules/fleet.command", delivery.RoutingRule{
		Strategy:        delivery.StrategyLeastConnections,
		FailoverEnabled: true,
		MaxRetries:      2,
	})
	require.Equal(t, http.StatusOK, put.StatusCode)

	rule := fx.rules.Lookup("fleet.command")
	assert.Equal(t, delivery.StrategyLeastConnections, rule.Strategy)

	del := fx.do(t, http.MethodDelete, "/admin/rules/fleet.command", nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.Equal(t, delivery.StrategyRoundRobin, fx.rules.Lookup("fleet.command").Strategy)
}

func TestRuleAdminRejectsUnknownStrategy(t *testing.T) {
	fx := setup(t)
	resp := fx.do(t, http.MethodPut, "/admin/rules/fleet.command", map[string]any{
		"strategy": "COIN_FLIP",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	fx := setup(t)
	resp := fx.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
