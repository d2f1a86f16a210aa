package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/cartoonify/internal/api"
	"github.com/dunamismax/cartoonify/internal/config"
	"github.com/dunamismax/cartoonify/internal/dedupe"
	"github.com/dunamismax/cartoonify/internal/logging"
	"github.com/dunamismax/cartoonify/internal/queue"
	"github.com/dunamismax/cartoonify/internal/ratelimit"
	"github.com/dunamismax/cartoonify/internal/store"
	"github.com/dunamismax/cartoonify/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.NewLogger("api", cfg.Log.Level)
	if err != nil {
		os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	if cfg.Pipeline.OutputBucket == "" {
		logger.Warn("OUTPUT_BUCKET is not set; notifications for every bucket will be queued")
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "cartoonify-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer redisClient.Close()

	var limiter api.RateLimiter
	if cfg.Intake.RateLimit > 0 {
		budget, err := ratelimit.NewBucketBudget(redisClient, cfg.Intake.RateLimit, cfg.Intake.RateLimitWindow, "")
		if err != nil {
			return err
		}
		limiter = budget
	} else {
		logger.Warn("intake rate limiting disabled")
	}
	guard, err := dedupe.NewRedisGuard(redisClient, cfg.Intake.DedupeTTL, "")
	if err != nil {
		return err
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
		Queue:    cfg.Queue.Name,
		MaxRetry: cfg.Queue.MaxRetry,
		Timeout:  cfg.Queue.TaskTimeout,
	})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close error", zap.Error(err))
		}
	}()

	jobStore, err := store.Open(ctx, store.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return err
	}
	defer jobStore.Close()

	app := api.NewServer(logger, queueClient, jobStore, api.Options{
		OutputBucket: cfg.Pipeline.OutputBucket,
		AuthToken:    cfg.Intake.AuthToken,
		MaxBodyBytes: cfg.Intake.MaxBodyBytes,
		RateLimiter:  limiter,
		Dedupe:       guard,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr), zap.String("store", cfg.Database.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}
