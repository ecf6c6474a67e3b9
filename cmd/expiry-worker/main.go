package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/hackgods/clinic-booking-queue/internal/app"
	"github.com/hackgods/clinic-booking-queue/internal/booking"
	"github.com/hackgods/clinic-booking-queue/internal/config"
	redisclient "github.com/hackgods/clinic-booking-queue/internal/redis"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

const sweepLockName = "expiry-sweep"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Env).With("component", "expiry-worker")
	defer func() { _ = logger.Sync() }()
	logger.Info("expiry worker starting up", "env", cfg.Env, "schedule", cfg.ExpirySweepSchedule)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.Build(rootCtx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer core.Close(logger)

	// Run once at startup
	runOnce(rootCtx, logger, core.Booking, core.Locker)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.ExpirySweepSchedule, func() {
		runOnce(rootCtx, logger, core.Booking, core.Locker)
	}); err != nil {
		logger.Error("invalid sweep schedule", "schedule", cfg.ExpirySweepSchedule, "error", err)
		os.Exit(1)
	}
	c.Start()

	<-rootCtx.Done()
	logger.Info("shutdown signal received, stopping expiry worker")
	<-c.Stop().Done()
}

// runOnce sweeps one batch. With Redis available only the instance holding
// the sweep lock runs; the others skip this tick.
func runOnce(ctx context.Context, logger *logging.Logger, svc *booking.Service, locker redisclient.Locker) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	sweep := func(ctx context.Context) error {
		start := time.Now()
		n, err := svc.ExpirePendingAppointments(ctx)
		logger.Info("expiry run complete", "expired", n, "duration_ms", time.Since(start).Milliseconds())
		return err
	}

	var err error
	if locker != nil {
		err = locker.WithLock(runCtx, sweepLockName, sweep)
	} else {
		err = sweep(runCtx)
	}
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		logger.Debug("another instance is sweeping")
	case err != nil:
		logger.Error("expiry run error", "error", err)
	}
}
