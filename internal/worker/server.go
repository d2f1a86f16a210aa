package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/cartoonify/internal/config"
	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/dunamismax/cartoonify/internal/logging"
	"github.com/dunamismax/cartoonify/internal/pipeline"
	"github.com/dunamismax/cartoonify/internal/queue"
	"github.com/dunamismax/cartoonify/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	SendJob(ctx context.Context, endpoint string, job domain.Job) error
}

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	sem           chan struct{}
	processor     Processor
	jobStore      store.JobStore
	webhookClient webhookSender
	webhookURL    string
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor Processor,
	jobStore store.JobStore,
	webhookClient webhookSender,
	webhookURL string,
) (*Server, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if jobStore == nil {
		jobStore = store.NewMemoryJobStore()
	}

	s := newServer(logger, processor, jobStore, webhookClient, webhookURL, workerCfg.MaxActiveJobs)
	logger = s.logger
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger.Sugar(),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func newServer(logger *zap.Logger, processor Processor, jobStore store.JobStore, webhookClient webhookSender, webhookURL string, maxActiveJobs int) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, maxActiveJobs)),
		processor:     processor,
		jobStore:      jobStore,
		webhookClient: webhookClient,
		webhookURL:    webhookURL,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("cartoonify/worker"),
	}
}

func (s *Server) Run() error {
	return s.server.Run(s.Mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeCartoonifyObject, s.handleCartoonify)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleCartoonify(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseCartoonifyPayload(task)
	if err != nil {
		s.metrics.jobsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := logging.WithOperation(s.logger, "cartoonify", payload.JobID).With(
		zap.String("bucket", payload.Bucket),
		zap.String("key", payload.Key),
	)

	ctx, span := s.tracer.Start(ctx, "worker.cartoonify", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("source.bucket", payload.Bucket),
		attribute.String("source.key", payload.Key),
		attribute.Int64("source.size", payload.Size),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		outcome = "canceled"
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	logger.Info("processing object")
	s.ensureJob(ctx, logger, payload)
	s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusProcessing)

	result, err := s.processor.Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: pipeline.SourceTypeObjectStore,
		Bucket:     payload.Bucket,
		ObjectKey:  payload.Key,
	})
	s.observeStages(result)
	if err != nil {
		return s.handleFailure(ctx, logger, span, payload, err, &outcome)
	}

	if result.Saturated > 0 {
		logger.Warn("cartoon output saturated", zap.Int("samples", result.Saturated))
		s.metrics.saturatedSamples.Add(float64(result.Saturated))
	}
	if pixels := result.Output.Width * result.Output.Height; pixels > 0 {
		s.metrics.personRatio.Observe(float64(result.PersonPixels) / float64(pixels))
	}
	s.metrics.outputBytes.Add(float64(result.Output.Bytes))

	job, err := s.jobStore.Complete(ctx, payload.JobID, domain.JobOutcome{
		OutputBucket: result.Output.Bucket,
		OutputKey:    result.Output.Key,
		Width:        result.Output.Width,
		Height:       result.Output.Height,
		PersonPixels: result.PersonPixels,
		Saturated:    result.Saturated,
	})
	if err != nil {
		logger.Error("job completion update failed", zap.Error(err))
	} else {
		s.dispatchWebhook(ctx, logger, job)
	}

	logger.Info("processed object",
		zap.String("output_bucket", result.Output.Bucket),
		zap.String("output_key", result.Output.Key),
		zap.Int("width", result.Output.Width),
		zap.Int("height", result.Output.Height),
		zap.Int("person_pixels", result.PersonPixels),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// handleFailure records err. Retryable errors leave the job queued for the
// next attempt unless this was the last one.
func (s *Server) handleFailure(ctx context.Context, logger *zap.Logger, span trace.Span, payload queue.CartoonifyPayload, err error, outcome *string) error {
	stage := pipeline.FailedStage(err)
	retryable := pipeline.IsRetryable(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, "pipeline failed")
	s.metrics.failuresTotal.WithLabelValues(stageLabel(stage), fmt.Sprint(retryable)).Inc()

	if retryable && !lastAttempt(ctx) {
		*outcome = "retrying"
		logger.Warn("pipeline failed, will retry", zap.String("stage", string(stage)), zap.Error(err))
		s.updateJobStatus(ctx, logger, payload.JobID, domain.JobStatusQueued)
		return fmt.Errorf("run pipeline: %w", err)
	}

	logger.Error("pipeline failed", zap.String("stage", string(stage)), zap.Bool("retryable", retryable), zap.Error(err))
	// The task context may already be done; the failure still has to be stored.
	recordCtx := context.WithoutCancel(ctx)
	job, storeErr := s.jobStore.Fail(recordCtx, payload.JobID, string(stage), err.Error())
	if storeErr != nil {
		logger.Error("job failure update failed", zap.Error(storeErr))
	} else {
		s.dispatchWebhook(recordCtx, logger, job)
	}

	if !retryable {
		return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", err)
}

func (s *Server) observeStages(result pipeline.Result) {
	for _, timing := range result.Timings {
		s.metrics.stageDuration.WithLabelValues(string(timing.Stage)).Observe(timing.Duration.Seconds())
	}
}

// ensureJob creates the job record when the task was enqueued by a process
// with its own store, so status updates have a row to land on.
func (s *Server) ensureJob(ctx context.Context, logger *zap.Logger, payload queue.CartoonifyPayload) {
	if _, ok, err := s.jobStore.Get(ctx, payload.JobID); err != nil || ok {
		return
	}
	receivedAt := payload.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	job := domain.NewJob(payload.JobID, domain.ObjectRef{
		Bucket:    payload.Bucket,
		Key:       payload.Key,
		Size:      payload.Size,
		EventName: payload.EventName,
	}, receivedAt)
	if err := s.jobStore.Create(ctx, job); err != nil && !errors.Is(err, store.ErrJobExists) {
		logger.Warn("job record create failed", zap.Error(err))
	}
}

func (s *Server) updateJobStatus(ctx context.Context, logger *zap.Logger, jobID, status string) {
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		logger.Warn("job status update failed", zap.String("status", status), zap.Error(err))
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, logger *zap.Logger, job domain.Job) {
	if s.webhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.SendJob(ctx, s.webhookURL, job); err != nil {
		s.metrics.webhookFailures.Inc()
		logger.Warn("webhook delivery failed", zap.String("status", job.Status), zap.Error(err))
	}
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}

func stageLabel(stage pipeline.Stage) string {
	if stage == "" {
		return "unknown"
	}
	return string(stage)
}
