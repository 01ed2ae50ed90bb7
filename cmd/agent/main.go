// Package main is the entry point for the vigil autonomous liquidity agent.
// The process runs a single cognitive loop over a liquidity protocol
// gateway, persists everything it learns in SQLite, and maintains itself on
// cron schedules.
//
// Startup sequence:
// 1. Load configuration from the environment
// 2. Build the root logger
// 3. Wire dependencies (databases, stores, services, engine, schedulers)
// 4. Hydrate: restore agent state, load patterns and pool profiles
// 5. Start the maintenance cron and the cognitive scheduler
// 6. Wait for SIGINT/SIGTERM, then shut down in reverse order
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/di"
	"github.com/aristath/vigil/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The configured level is unknown at this point, so log the
		// failure with defaults.
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("agent_id", cfg.AgentID).
		Str("data_dir", cfg.DataDir).
		Bool("observation_mode", cfg.ObservationMode).
		Msg("Starting vigil")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Hydrate before the first cycle so the agent resumes where it left off
	// instead of starting from zero.
	if err := container.Engine.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore agent state")
	}
	if err := container.Patterns.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load patterns")
	}
	if err := container.Profiles.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load pool profiles")
	}

	container.Maintenance.Start()

	// The scheduler owns the cycle loop. It runs off main so signals are
	// handled here.
	schedErr := make(chan error, 1)
	go func() { schedErr <- container.Scheduler.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		container.Scheduler.Stop()
	case err := <-schedErr:
		// The loop only exits on its own when its context dies.
		log.Error().Err(err).Msg("Scheduler exited, shutting down")
	}

	container.Maintenance.Stop()
	log.Info().Msg("Agent stopped")
}
