package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aradsms/wa_gateway/internal/delivery_service/app"
	"github.com/aradsms/wa_gateway/internal/delivery_service/bootstrap"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
	"github.com/aradsms/wa_gateway/internal/platform/config"
	"github.com/aradsms/wa_gateway/internal/platform/logger"
)

const (
	serviceName     = "delivery-worker"
	shutdownTimeout = 15 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.ForService(logger.New(cfg.LogLevel), serviceName)
	appLogger.Info("Delivery worker starting...",
		"metrics_port", cfg.WorkerMetricsPort,
		"storage_backend", cfg.StorageBackend,
		"quota_ledger_mode", cfg.QuotaLedgerMode,
		"retry_sweep_interval", cfg.RetrySweepInterval,
		"reconcile_interval", cfg.ReconcileInterval,
	)

	deps, err := bootstrap.Build(mainCtx, cfg, bootstrap.Options{ClientName: serviceName, NeedNATS: true}, appLogger)
	if err != nil {
		appLogger.Error("Failed to build dependencies", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			appLogger.Error("Failed to close dependencies", "error", err)
		}
	}()

	pipeline, err := bootstrap.NewPipeline(mainCtx, cfg, deps, clock.System(), appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize delivery pipeline", "error", err)
		os.Exit(1)
	}

	sendJobs := app.NewSendJobConsumer(pipeline.Orchestrator, pipeline.Call, cfg.DefaultProvider, cfg.DefaultMaxRetries, appLogger)
	dlrRelay := app.NewDLRRelayConsumer(pipeline.Ingestion, appLogger)

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error { return sendJobs.StartConsuming(groupCtx, deps.NATS) })
	g.Go(func() error { return dlrRelay.StartConsuming(groupCtx, deps.NATS) })
	g.Go(func() error { return pipeline.RetrySweeper.Run(groupCtx, cfg.RetrySweepInterval) })
	g.Go(func() error { return pipeline.Reconciler.Run(groupCtx, cfg.ReconcileInterval) })
	g.Go(func() error { return pipeline.Rules.Run(groupCtx, cfg.RuleRefreshInterval) })

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		appLogger.Info("Metrics HTTP server starting", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics HTTP server ListenAndServe error", "error", err)
			return err
		}
		return nil
	})

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
		case <-groupCtx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics HTTP server graceful shutdown failed", "error", err)
			return fmt.Errorf("metrics http shutdown: %w", err)
		}
		return nil
	})

	appLogger.Info("Delivery worker is ready and running.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Worker group encountered an error during run/shutdown", "error", err)
	}
	appLogger.Info("Delivery worker shut down successfully.")
}
