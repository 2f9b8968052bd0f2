package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/config"
	"github.com/hamed0406/connwatch/internal/history"
	"github.com/hamed0406/connwatch/internal/httpapi"
	apimw "github.com/hamed0406/connwatch/internal/httpapi/middleware"
	"github.com/hamed0406/connwatch/internal/logging"
	"github.com/hamed0406/connwatch/internal/probe"
	"github.com/hamed0406/connwatch/internal/registry"
	"github.com/hamed0406/connwatch/internal/repo"
	"github.com/hamed0406/connwatch/internal/repo/memory"
	"github.com/hamed0406/connwatch/internal/repo/postgres"
	"github.com/hamed0406/connwatch/internal/repo/seed"
	"github.com/hamed0406/connwatch/internal/repo/sqlite"
	"github.com/hamed0406/connwatch/internal/scheduler"
	"github.com/hamed0406/connwatch/internal/statusapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := probe.RouteDriverLogs(logger); err != nil {
		logger.Warn("driver_log_routing_failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store_open_failed", zap.String("kind", cfg.StoreKind()), zap.Error(err))
	}

	seeded, err := seed.Load(cfg.ConnectionsFile, cfg.DefaultTimeout, cfg.DefaultInterval)
	if err != nil {
		logger.Fatal("seed_load_failed", zap.String("file", cfg.ConnectionsFile), zap.Error(err))
	}

	policy := history.Policy{MaxRecords: cfg.HistoryMaxRecords, MaxAge: cfg.HistoryMaxAge}
	reg := registry.New(history.NewStore(policy))

	checker := probe.NewDispatcher(
		probe.NewHTTPDriver(probe.HTTPOptions{SkipTLSVerify: cfg.HTTPSkipTLSVerify}),
		probe.NewPingDriver(probe.PingMode(cfg.PingMode), nil),
		probe.NewTCPDriver(nil),
		probe.NewDatabaseDriver(probe.DefaultProbeUser, nil),
	)

	// The writer outlives the signal context so queued writes can drain on shutdown.
	persist := scheduler.NewPersister(logger, store, scheduler.PersisterConfig{
		QueueSize:     cfg.PersistQueueSize,
		RetryAttempts: cfg.PersistRetries,
		RetryBackoff:  cfg.PersistRetryBackoff,
	})
	persist.Start(context.Background())

	sched := scheduler.New(logger, reg, checker, persist, scheduler.Config{
		Workers: cfg.Workers,
		Tick:    cfg.Tick,
		Grace:   cfg.ProbeGrace,
	})

	svc := statusapi.New(logger, reg, sched, store, statusapi.Options{
		DefaultTimeout:  cfg.DefaultTimeout,
		DefaultInterval: cfg.DefaultInterval,
	})
	if err := svc.Restore(ctx, seeded); err != nil {
		logger.Fatal("restore_failed", zap.Error(err))
	}

	sched.Start(ctx)
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		scheduler.NewMaintainer(logger, store, policy, cfg.MaintenanceInterval).Run(ctx)
	}()

	if len(cfg.AdminAPIKeys) == 0 {
		logger.Warn("admin_keys_missing", zap.String("hint", "set ADMIN_API_KEYS to enable write routes"))
	}
	keys := apimw.Keys{Public: cfg.PublicAPIKeys, Admin: cfg.AdminAPIKeys}
	api := httpapi.NewServer(logger, svc, cfg.DashboardRefresh, cfg.ProbeGrace)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(keys, cfg.AllowedOrigins, cfg.PublicRPM, cfg.PublicBurst, cfg.AdminRPM, cfg.AdminBurst),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api_listen",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.StoreKind()),
			zap.Int("workers", cfg.Workers),
			zap.Int("connections", reg.Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_listen_failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown_started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_error", zap.Error(err))
	}
	sched.Stop()
	sched.Wait()
	<-maintDone
	// Drain queued writes before the store goes away.
	if err := multierr.Combine(persist.Close(shutdownCtx), store.Close()); err != nil {
		logger.Warn("shutdown_incomplete", zap.Error(err),
			zap.Int64("dropped", persist.Dropped()),
			zap.Int64("failed", persist.Failed()),
		)
	}
	logger.Info("shutdown_complete")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repo.Store, error) {
	switch cfg.StoreKind() {
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	logger.Warn("store_in_memory", zap.String("hint", "set DATABASE_URL or SQLITE_PATH to keep state across restarts"))
	return memory.New(), nil
}
