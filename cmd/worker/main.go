package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/cartoonify/internal/app"
	"github.com/dunamismax/cartoonify/internal/config"
	"github.com/dunamismax/cartoonify/internal/logging"
	"github.com/dunamismax/cartoonify/internal/storage"
	"github.com/dunamismax/cartoonify/internal/store"
	"github.com/dunamismax/cartoonify/internal/telemetry"
	"github.com/dunamismax/cartoonify/internal/webhook"
	"github.com/dunamismax/cartoonify/internal/worker"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.NewLogger("worker", cfg.Log.Level)
	if err != nil {
		os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "cartoonify-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(shutdownTracing, logger, "tracing")

	rt, err := app.Start(ctx, cfg.Models, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	client, err := storage.New(ctx, app.StorageConfig(cfg.Storage))
	if err != nil {
		return err
	}
	if strings.EqualFold(cfg.Storage.Backend, storage.BackendMinio) {
		if err := client.EnsureBucket(ctx, cfg.Pipeline.OutputBucket); err != nil {
			return err
		}
	}

	processor, err := app.ObjectStoreProcessor(client, rt.Models, cfg.Pipeline)
	if err != nil {
		return err
	}

	jobStore, err := store.Open(ctx, store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return err
	}
	defer jobStore.Close()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
		RetryDelay:    cfg.Webhook.RetryDelay,
		MaxRetryDelay: 30 * time.Second,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, jobStore, webhookClient, cfg.Webhook.URL)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer shutdownWithTimeout(metricsServer.Shutdown, logger, "metrics server")

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("output_bucket", cfg.Pipeline.OutputBucket),
		zap.String("store", cfg.Database.Driver),
	)
	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks.
	return srv.Run()
}

func shutdownWithTimeout(fn func(context.Context) error, logger *zap.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
