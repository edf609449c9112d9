// Package app contains the shared logic for starting and stopping the
// delivery service.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-delivery-service/deliveryservice"
)

// Run executes the main application lifecycle: it starts the wrapped service,
// waits for an OS signal or a startup failure, and performs a graceful
// shutdown.
func Run(ctx context.Context, service *deliveryservice.Wrapper, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info().Msg("Starting delivery service...")
	if err := service.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Service failed to start.")
		return
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Service shutdown failed.")
		return
	}
	logger.Info().Msg("All services shut down gracefully.")
}
