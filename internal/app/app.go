// Package app assembles the booking service from configuration. The api
// server, the expiry worker and bookingctl all start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-slot-booking/internal/audit"
	"github.com/hackgods/clinic-slot-booking/internal/booking"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/db"
	"github.com/hackgods/clinic-slot-booking/internal/metrics"
	redisclient "github.com/hackgods/clinic-slot-booking/internal/redis"
)

type Options struct {
	// UseRedis connects Redis for the availability cache and the sweeper
	// lock. A failed connection is logged and the process runs without it.
	UseRedis bool
	// Registerer receives the booking metrics; nil disables them.
	Registerer prometheus.Registerer
}

// Runtime owns every connection opened by Build.
type Runtime struct {
	Config  config.Config
	Service *booking.Service
	Catalog *booking.Catalog
	Pool    *pgxpool.Pool
	Redis   *redis.Client

	logger  zerolog.Logger
	closers []func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, logger: logger}

	catalog := booking.DefaultCatalog()
	if cfg.TemplatesFile != "" {
		c, err := booking.LoadTemplates(cfg.TemplatesFile)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	rt.Catalog = catalog

	var repo booking.Repository
	switch cfg.Store {
	case "memory":
		logger.Warn().Msg("using in-memory store, bookings are lost on restart")
		repo = booking.NewMemoryRepository()
	default:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{}, logger)
		cancel()
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		repo = booking.NewPgRepository(pool, cfg.TxMaxRetries)
	}

	svcOpts := []booking.Option{booking.WithLogger(logger)}

	if opts.UseRedis && cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without cache and sweep lock")
		} else {
			rt.Redis = rdb
			rt.closers = append(rt.closers, rdb.Close)
			svcOpts = append(svcOpts, booking.WithCache(redisclient.NewAvailabilityCache(rdb, cfg.CacheTTL, logger)))
		}
	}

	sinks := audit.MultiSink{audit.NewLogSink(logger)}
	if brokers := audit.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("audit sink: %w", err)
		}
		rt.closers = append(rt.closers, kafkaSink.Close)
		sinks = append(sinks, kafkaSink)
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaAuditTopic).Msg("kafka audit enabled")
	}
	svcOpts = append(svcOpts, booking.WithAudit(sinks))

	if opts.Registerer != nil {
		svcOpts = append(svcOpts, booking.WithMetrics(metrics.NewBookingMetrics(opts.Registerer)))
	}

	rt.Service = booking.NewService(repo, catalog, booking.Config{
		Location:     cfg.Location(),
		HoldOnSelect: cfg.HoldOnSelect,
	}, svcOpts...)
	return rt, nil
}

// Sweeper builds the expiry sweeper, guarded by a Redis lock when Redis is
// connected.
func (rt *Runtime) Sweeper() *booking.Sweeper {
	var locker booking.Locker
	if rt.Redis != nil {
		locker = redisclient.NewRedisLocker(rt.Redis, rt.Config.SweepLockTTL)
	}
	return booking.NewSweeper(rt.Service, booking.SweeperConfig{
		TTL:       rt.Config.ReservationTTL,
		BatchSize: rt.Config.SweepBatchSize,
	}, locker, rt.logger)
}

// Close releases connections in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
