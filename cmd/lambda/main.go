// Command lambda runs the cartoonify pipeline as an AWS Lambda function
// subscribed to S3 ObjectCreated notifications.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/dunamismax/cartoonify/internal/app"
	"github.com/dunamismax/cartoonify/internal/config"
	"github.com/dunamismax/cartoonify/internal/logging"
	"github.com/dunamismax/cartoonify/internal/storage"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.NewLogger("lambda", cfg.Log.Level)
	if err != nil {
		os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("lambda failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Everything below runs once per cold start and is reused by every
	// invocation the execution environment serves.
	ctx := context.Background()
	rt, err := app.Start(ctx, cfg.Models, logger)
	if err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Close()

	storageCfg := app.StorageConfig(cfg.Storage)
	if os.Getenv("STORAGE_BACKEND") == "" {
		storageCfg.Backend = storage.BackendS3
	}
	client, err := storage.New(ctx, storageCfg)
	if err != nil {
		return fmt.Errorf("build storage client: %w", err)
	}

	processor, err := app.ObjectStoreProcessor(client, rt.Models, cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("build processor: %w", err)
	}

	h := &handler{
		logger:       logger,
		processor:    processor,
		outputBucket: cfg.Pipeline.OutputBucket,
	}
	lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx))
	return nil
}
