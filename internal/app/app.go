// Package app assembles the pipeline from configuration for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/cartoonify/internal/config"
	"github.com/dunamismax/cartoonify/internal/inference"
	"github.com/dunamismax/cartoonify/internal/pipeline"
	"github.com/dunamismax/cartoonify/internal/storage"
	"github.com/dunamismax/cartoonify/internal/vision"
	"go.uber.org/zap"
)

// Runtime owns the process-wide codec and inference state.
type Runtime struct {
	Models *inference.Registry
	logger *zap.Logger
}

// Start boots the codec and ONNX Runtime and prepares the model registry.
// Models load on first use unless cfg.Warm is set.
func Start(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := pipeline.Startup(); err != nil {
		return nil, fmt.Errorf("start codec: %w", err)
	}
	if err := inference.Startup(cfg.RuntimeLibrary); err != nil {
		pipeline.Shutdown()
		return nil, err
	}

	models := inference.NewRegistry(
		cfg.SegmentationPath,
		cfg.CartoonPath,
		inference.ONNXLoader(inference.ONNXOptions{IntraOpThreads: cfg.IntraOpThreads}),
	)
	rt := &Runtime{Models: models, logger: logger}

	logger.Info("runtime started",
		zap.String("codec", pipeline.CodecBackend()),
		zap.String("resize", vision.ResizeBackend()),
		zap.String("segmentation_model", cfg.SegmentationPath),
		zap.String("cartoon_model", cfg.CartoonPath),
		zap.Bool("warm", cfg.Warm),
	)

	if cfg.Warm {
		if err := models.Warm(ctx); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("warm models: %w", err)
		}
	}
	return rt, nil
}

// Close releases the models before tearing down the runtimes they depend on.
func (r *Runtime) Close() error {
	var errs []error
	if err := r.Models.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := inference.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	pipeline.Shutdown()
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("runtime shutdown", zap.Error(err))
		return err
	}
	return nil
}

func PipelineOptions(cfg config.PipelineConfig) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.Segmentation.TargetClass = cfg.TargetClass
	if cfg.JPEGQuality > 0 {
		opts.JPEGQuality = cfg.JPEGQuality
	}
	if cfg.MaxPixels > 0 {
		opts.MaxPixels = cfg.MaxPixels
	}
	return opts
}

func StorageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Backend:   cfg.Backend,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		PathStyle: cfg.PathStyle,
	}
}

// ObjectStoreProcessor wires a processor that reads from and publishes to
// the configured object store.
func ObjectStoreProcessor(client storage.Client, models pipeline.Models, cfg config.PipelineConfig) (*pipeline.Processor, error) {
	return pipeline.NewObjectStoreProcessor(client, client, cfg.OutputBucket, cfg.ScratchDir, models, PipelineOptions(cfg))
}
