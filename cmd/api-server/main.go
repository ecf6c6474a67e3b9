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

	"github.com/hackgods/clinic-booking-queue/internal/api"
	"github.com/hackgods/clinic-booking-queue/internal/app"
	"github.com/hackgods/clinic-booking-queue/internal/config"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "provider", cfg.PaymentProvider)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	core, err := app.Build(rootCtx, cfg, logger, reg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer core.Close(logger)

	routerCfg := api.RouterConfig{
		Booking:        core.Booking,
		Queue:          core.Queue,
		Webhooks:       core.Webhooks,
		Postgres:       core.Pool,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         logger,
		JWTSecret:      cfg.AuthJWTSecret,
		RateLimit:      cfg.RateLimitPerSecond,
		AllowedOrigins: cfg.AllowedOrigins,
		Env:            cfg.Env,
		Version:        version,
	}
	if core.Redis != nil {
		routerCfg.Redis = api.PingFunc(func(ctx context.Context) error { return core.Redis.Ping(ctx).Err() })
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
