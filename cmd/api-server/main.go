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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-booking/internal/api"
	"github.com/hackgods/clinic-slot-booking/internal/app"
	"github.com/hackgods/clinic-slot-booking/internal/booking"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
	redisclient "github.com/hackgods/clinic-slot-booking/internal/redis"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New("api-server", cfg.Env, cfg.LogLevel)
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("store", cfg.Store).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := app.Build(rootCtx, cfg, logger, app.Options{UseRedis: true, Registerer: reg})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing connections")
		}
	}()

	var pgPinger, redisPinger api.Pinger
	if rt.Pool != nil {
		pgPinger = rt.Pool
	}
	if rt.Redis != nil {
		redisPinger = api.PingFunc(redisclient.Pinger(rt.Redis))
	}

	router := api.NewRouter(api.RouterConfig{
		Service:     rt.Service,
		Health:      api.NewHealthHandler(pgPinger, redisPinger, cfg.Env, version),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:      logger,
		JWTSecret:   cfg.JWTSecret,
		DevAdmin:    cfg.DevAdmin,
		CORSOrigins: cfg.CORSOrigins,
	})
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, trusting X-Patient-ID header")
	}

	// The in-memory store lives in this process, so no separate worker can
	// sweep it.
	if cfg.Store == "memory" {
		c := startEmbeddedSweeper(rootCtx, cfg.SweepSchedule, rt.Sweeper(), logger)
		defer c.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func startEmbeddedSweeper(ctx context.Context, schedule string, sw *booking.Sweeper, logger zerolog.Logger) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := sw.SweepOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("embedded expiry sweep failed")
		}
	})
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", schedule).Msg("invalid sweep schedule")
	}
	c.Start()
	return c
}
