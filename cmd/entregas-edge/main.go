package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"entregas/internal/amqp"
	"entregas/internal/cli"
	"entregas/internal/edge"
	"entregas/internal/log"
	"entregas/internal/offline"
	"entregas/internal/tracker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		logger.Error("Invalid origin URL", log.FieldError, err, "origin", cfg.OriginURL)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registration := offline.NewRegistration(
		offline.NewCacheStorage(cfg.OfflineCacheEntries),
		origin,
		http.DefaultTransport,
		logger,
		offline.WithMetrics(offline.NewMetrics(registry)),
		offline.WithUpdateHook(func(cacheName string) {
			logger.Info(tracker.MsgNewVersion, "waiting", cacheName)
		}),
	)

	load := func() (offline.Manifest, error) {
		return offline.LoadManifest(cfg.ManifestFile)
	}
	srv := edge.NewServer(":"+cfg.EdgePort, origin, registration, load, registry, logger)

	logger.Info("Starting entregas edge", "port", cfg.EdgePort, "origin", origin.String())

	// The origin may still be starting; the proxy passes straight through
	// until a version installs.
	installCtx, installCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Update(installCtx); err != nil {
		logger.Warn("Initial precache failed, retry with POST /_edge/update", log.FieldError, err)
	}
	installCancel()

	var signals *amqp.Client
	if cfg.AMQPURL != "" {
		signals, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Warn("AMQP unavailable, signals only via /_edge/message", log.FieldError, err)
		}
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		registration.Wait()
		if signals != nil {
			if err := signals.Close(); err != nil {
				logger.Warn("AMQP close error", log.FieldError, err)
			}
		}
	})

	if signals != nil {
		go func() {
			if err := signals.ConsumeSignals(ctx, srv.HandleSignal); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Signal consumer stopped", log.FieldError, err)
			}
		}()
	}

	logger.Info("Listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.EdgePort)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Edge stopped gracefully")
}
