package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/dunamismax/cartoonify/internal/id"
	"github.com/dunamismax/cartoonify/internal/logging"
	"github.com/dunamismax/cartoonify/internal/pipeline"
	"go.uber.org/zap"
)

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type handler struct {
	logger       *zap.Logger
	processor    processor
	outputBucket string
}

// Handle processes every created object in the notification. Only retryable
// failures fail the invocation, so Lambda's async retry does not replay
// objects that can never succeed. The payload is taken raw so one record
// with an undecodable key does not sink the rest.
func (h *handler) Handle(ctx context.Context, payload json.RawMessage) error {
	notification, err := domain.ParseS3Event(payload)
	if err != nil {
		// Redelivery cannot fix a malformed notification.
		h.logger.Error("malformed notification", zap.Error(err))
		return nil
	}
	for _, rejected := range notification.Rejected {
		h.logger.Error("dropping undecodable record", zap.Int("record", rejected.Index), zap.Error(rejected.Err))
	}

	refs, err := domain.ObjectRefsFromEvent(notification.Event, h.outputBucket)
	if err != nil {
		h.logger.Error("malformed notification", zap.Error(err))
		return nil
	}

	var retry []error
	for _, ref := range refs {
		if err := h.processOne(ctx, ref); err != nil && pipeline.IsRetryable(err) {
			retry = append(retry, fmt.Errorf("%s/%s: %w", ref.Bucket, ref.Key, err))
		}
	}
	return errors.Join(retry...)
}

func (h *handler) processOne(ctx context.Context, ref domain.ObjectRef) error {
	jobID := id.New()
	logger := logging.WithOperation(h.logger, "cartoonify", jobID).With(
		zap.String("bucket", ref.Bucket),
		zap.String("key", ref.Key),
	)
	startedAt := time.Now()

	result, err := h.processor.Process(ctx, pipeline.Request{
		JobID:      jobID,
		SourceType: pipeline.SourceTypeObjectStore,
		Bucket:     ref.Bucket,
		ObjectKey:  ref.Key,
	})
	if err != nil {
		logger.Error("pipeline failed",
			zap.String("stage", string(pipeline.FailedStage(err))),
			zap.Bool("retryable", pipeline.IsRetryable(err)),
			zap.Error(err),
		)
		return err
	}

	if result.Saturated > 0 {
		logger.Warn("cartoon output saturated", zap.Int("samples", result.Saturated))
	}
	logger.Info("processed object",
		zap.String("output_bucket", result.Output.Bucket),
		zap.String("output_key", result.Output.Key),
		zap.Int("width", result.Output.Width),
		zap.Int("height", result.Output.Height),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	return nil
}
