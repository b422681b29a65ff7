package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-booking/internal/app"
	"github.com/hackgods/clinic-slot-booking/internal/booking"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New("expiry-worker", cfg.Env, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Env).
		Str("schedule", cfg.SweepSchedule).
		Dur("reservation_ttl", cfg.ReservationTTL).
		Msg("expiry-worker starting up")

	if cfg.Store == "memory" {
		logger.Fatal().Msg("expiry-worker needs a shared store; the api-server sweeps the memory store itself")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	rt, err := app.Build(rootCtx, cfg, logger, app.Options{UseRedis: true, Registerer: reg})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing connections")
		}
	}()
	if rt.Redis == nil {
		logger.Warn().Msg("no sweep lock, run a single expiry-worker replica")
	}

	sweeper := rt.Sweeper()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	// Run once at startup
	runOnce(rootCtx, sweeper, logger)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.SweepSchedule, func() { runOnce(rootCtx, sweeper, logger) }); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	c.Start()

	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received, stopping expiry worker")

	// Wait for an in-flight sweep; each reservation commits on its own so a
	// cut-off run is also safe.
	select {
	case <-c.Stop().Done():
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn().Msg("sweep still running at shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func runOnce(ctx context.Context, sw *booking.Sweeper, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := sw.SweepOnce(runCtx)
	switch {
	case errors.Is(err, booking.ErrLockHeld):
		logger.Debug().Msg("another worker is sweeping, skipping run")
	case err != nil:
		logger.Error().Err(err).Msg("expiry run error")
	}
}
