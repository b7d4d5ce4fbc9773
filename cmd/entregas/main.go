package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"entregas/internal/amqp"
	"entregas/internal/cli"
	apphttp "entregas/internal/http"
	"entregas/internal/kv"
	"entregas/internal/log"
	"entregas/internal/records"
	"entregas/internal/storage"
	"entregas/internal/tracker"
	"entregas/internal/usage"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	logger.Info("Starting entregas", "port", cfg.Port, "db", cfg.SQLiteDBPath)

	var flat kv.Store
	fileStore, err := kv.NewFileStore(cfg.FlatStoreDir)
	if err != nil {
		logger.Warn("Flat store unavailable, keeping fallback keys in memory",
			log.FieldError, err,
			"dir", cfg.FlatStoreDir)
		flat = kv.NewMemoryStore()
	} else {
		flat = fileStore
	}

	open := func(ctx context.Context) (records.Primary, error) {
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath, logger)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	store := records.NewStore(open, flat, logger)

	trk := tracker.New(tracker.Config{
		Quota:           cfg.FortnightQuota,
		UnitBonus:       cfg.UnitBonusMoney(),
		RetentionMonths: cfg.RetentionMonths,
		Location:        cfg.Location(),
	}, store, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	notices := trk.Start(startCtx)
	startCancel()

	poller := usage.NewPoller(usage.Config{
		Interval: cfg.StoragePollInterval,
		QuotaMB:  cfg.StorageQuotaMB,
	}, logger, store)

	deps := apphttp.Deps{
		Tracker: trk,
		Usage:   poller,
		Notices: notices,
	}

	var signals *amqp.Client
	if cfg.AMQPURL != "" {
		signals, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warn("AMQP unavailable, worker signals disabled", log.FieldError, err)
		} else {
			deps.Signals = signals
			logger.Info("AMQP signals enabled", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	} else {
		logger.Info("AMQP signals disabled - no AMQP_URL provided")
	}

	srv := apphttp.NewServer(":"+cfg.Port, deps, logger)
	srv.MaxHeaderBytes = 1 << 16

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if err := poller.Stop(shutdownCtx); err != nil {
			logger.Warn("Usage poller stop error", log.FieldError, err)
		}
		if signals != nil {
			if err := signals.Close(); err != nil {
				logger.Warn("AMQP close error", log.FieldError, err)
			}
		}
		if err := store.Close(); err != nil {
			logger.Error("Store close error", log.FieldError, err)
		}
	})

	if err := poller.Start(ctx); err != nil {
		logger.Error("Failed to start usage poller", log.FieldError, err)
	}

	logger.Info("Listening", "addr", srv.Addr, "degraded", trk.Degraded())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
