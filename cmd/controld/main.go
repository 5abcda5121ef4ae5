// Command controld is the ALD machine control daemon: it drives command
// intake, recipe execution, and continuous parameter logging for exactly
// one machine, and serves a minimal health/readiness HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aldctl/control-core/internal/app"
	"github.com/aldctl/control-core/internal/config"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg.Logging)

	log.Info().Str("machine_id", cfg.MachineID).Msg("control-core starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("telemetry shutdown error")
		}
	}()

	s, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}

	p := buildPLC(cfg)

	a := app.New(cfg, s, p)
	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start control runtime")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("control-core stopped")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
}

// buildPLC always constructs the simulated driver: no real Modbus TCP
// transport is implemented in this codebase (see DESIGN.md), so PLC_TYPE is
// only honored to the extent of warning when "real" was requested.
func buildPLC(cfg *config.Config) plc.PLC {
	if cfg.PLC.Type == "real" {
		log.Warn().Msg("PLC_TYPE=real requested but no real Modbus driver is wired; using the simulated PLC")
	}
	return plc.NewSimulatedPLC()
}
