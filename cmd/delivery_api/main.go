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

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/aradsms/wa_gateway/internal/delivery_service/adapters/http"
	"github.com/aradsms/wa_gateway/internal/delivery_service/bootstrap"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
	"github.com/aradsms/wa_gateway/internal/platform/config"
	"github.com/aradsms/wa_gateway/internal/platform/logger"
)

const (
	serviceName     = "delivery-api"
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
	appLogger.Info("Delivery API starting...",
		"http_port", cfg.HTTPPort,
		"storage_backend", cfg.StorageBackend,
		"quota_ledger_mode", cfg.QuotaLedgerMode,
		"notifier_backend", cfg.NotifierBackend,
		"log_level", cfg.LogLevel,
	)

	deps, err := bootstrap.Build(mainCtx, cfg, bootstrap.Options{ClientName: serviceName}, appLogger)
	if err != nil {
		appLogger.Error("Failed to build dependencies", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			appLogger.Error("Failed to close dependencies", "error", err)
		}
	}()
	appLogger.Info("Providers registered", "providers", deps.Registry.Names())

	pipeline, err := bootstrap.NewPipeline(mainCtx, cfg, deps, clock.System(), appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize delivery pipeline", "error", err)
		os.Exit(1)
	}

	webhookHandler := httpadapter.NewWebhookHandler(pipeline.Ingestion, deps.Registry, appLogger)
	messageHandler := httpadapter.NewMessageHandler(
		pipeline.Orchestrator,
		pipeline.Batch,
		deps.Records,
		pipeline.Call,
		validator.New(),
		httpadapter.MessageHandlerConfig{
			DefaultProvider:   cfg.DefaultProvider,
			DefaultMaxRetries: cfg.DefaultMaxRetries,
		},
		appLogger,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      httpadapter.NewRouter(webhookHandler, messageHandler, cfg.JWTSecret, appLogger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("HTTP server shut down gracefully.")
		return nil
	})

	// The API process also keeps its blocked-recipient snapshot current.
	g.Go(func() error {
		return pipeline.Rules.Run(groupCtx, cfg.RuleRefreshInterval)
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
		appLogger.Info("Initiating graceful shutdown of HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server graceful shutdown failed", "error", err)
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	appLogger.Info("Delivery API is ready and running.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Service group encountered an error during run/shutdown", "error", err)
	}
	appLogger.Info("Delivery API shut down successfully.")
}
