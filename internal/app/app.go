package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-booking-queue/internal/booking"
	"github.com/hackgods/clinic-booking-queue/internal/config"
	"github.com/hackgods/clinic-booking-queue/internal/db"
	"github.com/hackgods/clinic-booking-queue/internal/metrics"
	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-booking-queue/internal/redis"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

// App holds the wired core shared by the binaries.
type App struct {
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *metrics.Metrics
	Gateways *payment.Registry
	Queue    *queue.Engine
	Booking  *booking.Service
	Webhooks *payment.WebhookProcessor
	Locker   redisclient.Locker
}

// Build connects to Postgres and Redis and wires the services. Redis is
// optional: without it positions are computed on every read and the sweep
// runs without a leader lock.
func Build(ctx context.Context, cfg config.Config, logger *logging.Logger, reg prometheus.Registerer) (*App, error) {
	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresMaxConn)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	logger.Info("connected to postgres")

	a := &App{Pool: pool, Metrics: metrics.New(reg)}

	cache := queue.NewNoopPositionCache()
	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:         cfg.RedisAddr,
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		DialTimeout:  cfg.RedisDialTimeout,
		ReadTimeout:  cfg.RedisReadTimeout,
		WriteTimeout: cfg.RedisWriteTimeout,
	})
	if err != nil {
		logger.Warn("redis unavailable, running without position cache", "addr", cfg.RedisAddr, "error", err)
	} else {
		a.Redis = rdb
		a.Locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		cache = queue.NewRedisPositionCache(rdb, cfg.PositionCacheTTL, logger)
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	a.Gateways = Gateways(cfg, logger)

	txm := db.NewTxManager(pool)
	a.Queue = queue.NewEngine(txm, queue.NewPgRepository(pool), cache, queue.EngineConfig{
		AverageServiceMinutes: cfg.AverageServiceMinutes,
	}, logger, a.Metrics)

	a.Booking = booking.NewService(
		txm,
		booking.NewPgRepository(pool),
		payment.NewPgRepository(pool),
		a.Gateways,
		a.Queue,
		booking.Config{
			PaymentWindow:     cfg.PaymentWindow,
			BookingFeeAmount:  cfg.BookingFeeAmount,
			Currency:          cfg.BookingFeeCurrency,
			RoundingTolerance: cfg.PaymentRoundingTolerance,
			Provider:          cfg.PaymentProvider,
			SweepBatch:        cfg.ExpirySweepBatch,
		},
		logger,
		a.Metrics,
	)

	a.Webhooks = payment.NewWebhookProcessor(a.Gateways, txm, payment.NewProcessedStore(pool), a.Booking, logger, a.Metrics)
	return a, nil
}

// Gateways registers the configured provider. The fake provider is always
// available outside prod so local clients and the simulator can pay.
func Gateways(cfg config.Config, logger *logging.Logger) *payment.Registry {
	var gws []payment.Gateway
	if cfg.RazorpayKeyID != "" && cfg.RazorpayKeySecret != "" {
		gws = append(gws, payment.NewRazorpayGateway(payment.RazorpayConfig{
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
			BaseURL:       cfg.RazorpayBaseURL,
		}, logger))
	}
	if cfg.Env != "prod" {
		gws = append(gws, payment.NewFakeGateway(cfg.FakeGatewaySecret))
	}
	return payment.NewRegistry(gws...)
}

func (a *App) Close(logger *logging.Logger) {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Warn("error closing redis", "error", err)
		}
	}
	a.Pool.Close()
}
