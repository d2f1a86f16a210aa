package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/cartoonify/internal/inference"
	"github.com/dunamismax/cartoonify/internal/vision"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SourceTypeLocalFile   = "local_file"
	SourceTypeObjectStore = "object_store"
)

type Request struct {
	JobID      string
	SourceType string
	Bucket     string
	ObjectKey  string
}

type Output struct {
	Bucket      string
	Key         string
	Location    string
	Format      string
	ContentType string
	Bytes       int
	Width       int
	Height      int
}

type StageTiming struct {
	Stage    Stage
	Duration time.Duration
}

type Result struct {
	Output       Output
	SourceFormat string
	SourceBytes  int
	SourceWidth  int
	SourceHeight int
	PersonPixels int
	Saturated    int
	Timings      []StageTiming
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error)
}

// Models hands out the segmentation and style-transfer models.
// *inference.Registry implements it.
type Models interface {
	Segmentation(ctx context.Context) (inference.Model, error)
	Cartoon(ctx context.Context) (inference.Model, error)
}

type Options struct {
	Segmentation vision.SegmentationParams
	OutputFormat string
	JPEGQuality  int
	MaxPixels    int
}

func DefaultOptions() Options {
	return Options{
		Segmentation: vision.DefaultSegmentationParams(),
		OutputFormat: "jpeg",
		JPEGQuality:  DefaultJPEGQuality,
		MaxPixels:    DefaultMaxPixels,
	}
}

type Processor struct {
	fetcher Fetcher
	codec   Codec
	models  Models
	emitter Emitter
	opts    Options
	tracer  trace.Tracer
}

func NewProcessor(fetcher Fetcher, emitter Emitter, models Models, opts Options) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	if models == nil {
		return nil, errors.New("models are required")
	}
	if opts.Segmentation == (vision.SegmentationParams{}) {
		opts.Segmentation = vision.DefaultSegmentationParams()
	}

	return &Processor{
		fetcher: fetcher,
		codec:   newCodec(opts.MaxPixels),
		models:  models,
		emitter: emitter,
		opts:    opts,
		tracer:  otel.Tracer("cartoonify/pipeline"),
	}, nil
}

func NewLocalProcessor(outputDir string, models Models, opts Options) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, models, opts)
}

// Process runs one request through every stage. Nothing is written unless
// all stages before publish succeed.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if strings.TrimSpace(req.ObjectKey) == "" {
		return Result{}, errors.New("object_key is required")
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("source.bucket", req.Bucket),
		attribute.String("source.key", req.ObjectKey),
	)
	defer span.End()

	res, err := p.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(FailedStage(err))+" failed")
		return res, err
	}
	span.SetStatus(codes.Ok, "processed")
	return res, nil
}

func (p *Processor) process(ctx context.Context, req Request) (Result, error) {
	var res Result

	source, err := runStage(ctx, p, &res, StageFetch, func(ctx context.Context) ([]byte, error) {
		return p.fetcher.Fetch(ctx, req)
	})
	if err != nil {
		return res, err
	}
	res.SourceBytes = len(source)

	frame, err := runStage(ctx, p, &res, StageDecode, func(context.Context) (*vision.Frame, error) {
		f, format, err := p.codec.Decode(source)
		if err != nil {
			return nil, err
		}
		res.SourceFormat = format
		res.SourceWidth, res.SourceHeight = f.Width, f.Height
		return f, nil
	})
	if err != nil {
		return res, err
	}

	frame, err = runStage(ctx, p, &res, StagePreprocess, func(context.Context) (*vision.Frame, error) {
		return vision.ResizeCrop(frame)
	})
	if err != nil {
		return res, err
	}

	masks, err := runStage(ctx, p, &res, StageSegment, func(ctx context.Context) ([2]*vision.Mask, error) {
		model, err := p.models.Segmentation(ctx)
		if err != nil {
			return [2]*vision.Mask{}, err
		}
		person, background, err := vision.FindMasks(ctx, frame, model, p.opts.Segmentation)
		return [2]*vision.Mask{person, background}, err
	})
	if err != nil {
		return res, err
	}
	res.PersonPixels = masks[0].Count()

	cartoon, err := runStage(ctx, p, &res, StageCartoonize, func(ctx context.Context) (*vision.Frame, error) {
		model, err := p.models.Cartoon(ctx)
		if err != nil {
			return nil, err
		}
		out, stats, err := vision.Cartoonize(ctx, frame, model)
		res.Saturated = stats.Saturated
		return out, err
	})
	if err != nil {
		return res, err
	}

	composite, err := runStage(ctx, p, &res, StageComposite, func(context.Context) (*vision.Frame, error) {
		return vision.Composite(cartoon, frame, masks[0], masks[1])
	})
	if err != nil {
		return res, err
	}

	format := normalizeOutputFormat(p.opts.OutputFormat)
	encoded, err := runStage(ctx, p, &res, StageEncode, func(context.Context) ([]byte, error) {
		return p.codec.Encode(composite, format, p.opts.JPEGQuality)
	})
	if err != nil {
		return res, err
	}

	out, err := runStage(ctx, p, &res, StagePublish, func(ctx context.Context) (Output, error) {
		return p.emitter.Emit(ctx, req, encoded, format, composite.Width, composite.Height)
	})
	if err != nil {
		return res, err
	}
	res.Output = out
	return res, nil
}

func runStage[T any](ctx context.Context, p *Processor, res *Result, stage Stage, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, &StageError{Stage: stage, Err: err}
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	started := time.Now()
	v, err := fn(ctx)
	res.Timings = append(res.Timings, StageTiming{Stage: stage, Duration: time.Since(started)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, &StageError{Stage: stage, Err: err}
	}
	return v, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if req.SourceType != "" && !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

// LocalFileEmitter writes <OutputDir>/<source stem>.<ext>.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	name := replaceExt(filepath.Base(req.ObjectKey), extensionForFormat(format))
	fullPath := filepath.Join(e.OutputDir, name)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Key:         name,
		Location:    fullPath,
		Format:      normalizeOutputFormat(format),
		ContentType: contentTypeForFormat(format),
		Bytes:       len(data),
		Width:       width,
		Height:      height,
	}, nil
}
