// Package deliveryservice assembles the delivery core, its WebSocket
// connection manager, and the HTTP API into one runnable service.
package deliveryservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice/config"
	"github.com/tinywideclouds/go-delivery-service/internal/api"
	"github.com/tinywideclouds/go-delivery-service/internal/batch"
	"github.com/tinywideclouds/go-delivery-service/internal/fallback"
	"github.com/tinywideclouds/go-delivery-service/internal/metrics"
	"github.com/tinywideclouds/go-delivery-service/internal/realtime"
	"github.com/tinywideclouds/go-delivery-service/internal/registry"
	"github.com/tinywideclouds/go-delivery-service/internal/retry"
	"github.com/tinywideclouds/go-delivery-service/internal/router"
	"github.com/tinywideclouds/go-delivery-service/internal/tracker"
	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// Dependencies carries the pluggable platform adapters chosen by the caller
// (memory, Redis, or Firestore backed).
type Dependencies struct {
	PresenceCache delivery.PresenceCache
	OfflineStore  delivery.OfflineStore
	DedupGuard    delivery.DedupGuard
}

// transportBinder defers the transport choice so the router can be built
// before the connection manager that backs it. Bind is called exactly once
// during wiring, before any traffic flows.
type transportBinder struct {
	inner delivery.Transport
}

func (b *transportBinder) Bind(t delivery.Transport) { b.inner = t }

func (b *transportBinder) Send(ctx context.Context, sessionID string, msg *delivery.Message) error {
	if b.inner == nil {
		return fmt.Errorf("transport not bound")
	}
	return b.inner.Send(ctx, sessionID, msg)
}

// Wrapper owns every component of the running service and their lifecycles.
type Wrapper struct {
	Service *Service

	cfg       *config.AppConfig
	metrics   *metrics.Metrics
	registry  *registry.Registry
	tracker   *tracker.Tracker
	scheduler *retry.Scheduler
	progress  *batch.ProgressTracker
	connMgr   *realtime.ConnectionManager
	apiServer *http.Server

	logger zerolog.Logger

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// New creates and wires up the entire delivery service.
func New(
	cfg *config.AppConfig,
	deps *Dependencies,
	auth realtime.AuthFunc,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps == nil || deps.PresenceCache == nil || deps.OfflineStore == nil || deps.DedupGuard == nil {
		return nil, fmt.Errorf("presence cache, offline store, and dedup guard are all required")
	}

	m := metrics.New()

	reg := registry.New(deps.PresenceCache, registry.Config{
		PresenceTTL:      cfg.PresenceTTL,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ReapInterval:     cfg.ReapInterval,
	}, m, logger)

	tr := tracker.New(tracker.Config{
		SweepInterval:     cfg.SweepInterval,
		Retention:         cfg.TrackerRetention,
		DefaultAckTimeout: cfg.DefaultRetryPolicy.AckTimeout,
	}, m, logger)

	policies, err := retry.NewPolicyRegistry(cfg.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry policies: %w", err)
	}
	for messageType, policy := range cfg.RetryOverrides {
		if err := policies.Register(messageType, policy); err != nil {
			return nil, fmt.Errorf("invalid retry policy for %q: %w", messageType, err)
		}
	}
	scheduler := retry.NewScheduler(logger)
	engine := retry.NewEngine(policies, tr, scheduler, m, logger)

	rules, err := router.NewRuleRegistry(cfg.DefaultRoutingRule)
	if err != nil {
		return nil, fmt.Errorf("failed to build routing rules: %w", err)
	}
	for routingKey, rule := range cfg.RoutingRules {
		if err := rules.Register(routingKey, rule); err != nil {
			return nil, fmt.Errorf("invalid routing rule for %q: %w", routingKey, err)
		}
	}

	binder := &transportBinder{}
	rt := router.New(reg, rules, binder, logger)

	agg := batch.NewAggregator(cfg.BatchDefaultTimeout, m, logger)
	progress := batch.NewProgressTracker(agg, batch.ProgressConfig{
		ScanInterval:      cfg.BatchScanInterval,
		NearTimeoutMargin: cfg.BatchNearTimeoutMargin,
		Retention:         cfg.BatchRetention,
	}, logger)

	notifier, err := fallback.NewNotifier(reg, binder, deps.OfflineStore, deps.DedupGuard, fallback.Config{
		DedupTTL:            cfg.DedupTTL,
		MaxPushPerReconnect: cfg.MaxPushPerReconnect,
		SummaryThreshold:    cfg.SummaryThreshold,
	}, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build notifier: %w", err)
	}

	svc, err := NewService(reg, tr, engine, rt, agg, progress, notifier, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build service: %w", err)
	}

	connMgr, err := realtime.NewConnectionManager(realtime.Config{Port: cfg.WebSocketPort}, auth, svc, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build connection manager: %w", err)
	}
	binder.Bind(connMgr)

	apiHandler, err := api.NewAPI(svc, policies, rules, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build api: %w", err)
	}
	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(),
	}

	return &Wrapper{
		Service:   svc,
		cfg:       cfg,
		metrics:   m,
		registry:  reg,
		tracker:   tr,
		scheduler: scheduler,
		progress:  progress,
		connMgr:   connMgr,
		apiServer: apiServer,
		logger:    logger.With().Str("component", "DeliveryServiceWrapper").Logger(),
	}, nil
}

// Start launches the background loops and both HTTP servers. It returns once
// everything is running, or the first startup error.
func (w *Wrapper) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	w.loopCancel = cancel

	for name, loop := range map[string]func(context.Context){
		"tracker_sweep":  w.tracker.Start,
		"session_reaper": w.registry.Start,
		"batch_scan":     w.progress.Start,
		"retry_timers":   w.scheduler.Run,
	} {
		w.loopWG.Add(1)
		go func(name string, loop func(context.Context)) {
			defer w.loopWG.Done()
			loop(loopCtx)
		}(name, loop)
	}

	wsErrChan := make(chan error, 1)
	go func() {
		wsErrChan <- w.connMgr.Start(loopCtx)
	}()

	apiErrChan := make(chan error, 1)
	go func() {
		w.logger.Info().Str("addr", w.apiServer.Addr).Msg("API server starting...")
		if err := w.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErrChan <- err
			return
		}
		apiErrChan <- nil
	}()

	// Give either server a beat to fail fast on bind errors.
	select {
	case err := <-wsErrChan:
		if err != nil {
			return fmt.Errorf("websocket server failed to start: %w", err)
		}
	case err := <-apiErrChan:
		if err != nil {
			return fmt.Errorf("api server failed to start: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}

	w.logger.Info().Msg("Delivery service started.")
	return nil
}

// Shutdown stops the servers and background loops in order: no new
// connections, then no new timers, then the loops drain.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.apiServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("API server shutdown failed.")
		finalErr = err
	}
	if err := w.connMgr.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Connection manager shutdown failed.")
		finalErr = err
	}

	if w.loopCancel != nil {
		w.loopCancel()
	}
	done := make(chan struct{})
	go func() {
		w.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn().Msg("Background loops did not drain before the shutdown deadline.")
		finalErr = ctx.Err()
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
