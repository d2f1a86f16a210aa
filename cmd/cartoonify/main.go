// Command cartoonify cartoonizes the people in local image files.
//
//	cartoonify -out ./cartoons photo1.png photo2.jpg
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dunamismax/cartoonify/internal/app"
	"github.com/dunamismax/cartoonify/internal/config"
	"github.com/dunamismax/cartoonify/internal/logging"
	"github.com/dunamismax/cartoonify/internal/pipeline"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	outDir := flag.String("out", "cartoons", "directory the results are written to")
	format := flag.String("format", "jpeg", "output format: jpeg or png")
	quality := flag.Int("quality", cfg.Pipeline.JPEGQuality, "JPEG quality (1-100)")
	segModel := flag.String("seg-model", cfg.Models.SegmentationPath, "path to the DeepLab segmentation model")
	cartoonModel := flag.String("cartoon-model", cfg.Models.CartoonPath, "path to the cartoon style transfer model")
	ortLib := flag.String("ort-lib", cfg.Models.RuntimeLibrary, "path to the ONNX Runtime shared library")
	class := flag.Int("class", cfg.Pipeline.TargetClass, "segmentation class that is cartoonized")
	logLevel := flag.String("log-level", cfg.Log.Level, "log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.NewLogger("cartoonify", *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg.Models.SegmentationPath = *segModel
	cfg.Models.CartoonPath = *cartoonModel
	cfg.Models.RuntimeLibrary = *ortLib
	cfg.Pipeline.JPEGQuality = *quality
	cfg.Pipeline.TargetClass = *class

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := run(ctx, cfg, logger, *outDir, *format, flag.Args())
	if err != nil {
		logger.Error("cartoonify failed", zap.Error(err))
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, outDir, format string, inputs []string) (int, error) {
	rt, err := app.Start(ctx, cfg.Models, logger)
	if err != nil {
		return 0, err
	}
	defer rt.Close()

	opts := app.PipelineOptions(cfg.Pipeline)
	opts.OutputFormat = format
	processor, err := pipeline.NewLocalProcessor(outDir, rt.Models, opts)
	if err != nil {
		return 0, err
	}

	failed := 0
	for i, input := range inputs {
		result, err := processor.Process(ctx, pipeline.Request{
			JobID:      fmt.Sprintf("local-%d", i+1),
			SourceType: pipeline.SourceTypeLocalFile,
			ObjectKey:  input,
		})
		if err != nil {
			failed++
			logger.Error("image failed",
				zap.String("input", input),
				zap.String("stage", string(pipeline.FailedStage(err))),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			continue
		}
		if result.Saturated > 0 {
			logger.Warn("cartoon output saturated", zap.String("input", input), zap.Int("samples", result.Saturated))
		}
		logger.Info("wrote cartoon",
			zap.String("input", input),
			zap.String("output", result.Output.Location),
			zap.Int("width", result.Output.Width),
			zap.Int("height", result.Output.Height),
			zap.Int("person_pixels", result.PersonPixels),
		)
	}
	return failed, nil
}
