package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/cartoonify/internal/inference"
	"github.com/dunamismax/cartoonify/internal/storage"
)

type Stage string

const (
	StageFetch      Stage = "fetch"
	StageDecode     Stage = "decode"
	StagePreprocess Stage = "preprocess"
	StageSegment    Stage = "segment"
	StageCartoonize Stage = "cartoonize"
	StageComposite  Stage = "composite"
	StageEncode     Stage = "encode"
	StagePublish    Stage = "publish"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrOutputBucketRequired  = errors.New("output bucket is required")
	ErrImageTooLarge         = errors.New("image exceeds pixel limit")
)

// StageError tags a pipeline failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether running the same request again may succeed.
// Storage I/O and interrupted work are retryable; bad input, missing
// configuration and model shape failures are not.
func (e *StageError) Retryable() bool {
	if e == nil || e.Err == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, context.Canceled) {
		return true
	}
	if errors.Is(e.Err, inference.ErrRegistryClosed) {
		return true
	}

	switch e.Stage {
	case StageFetch, StagePublish:
		return !errors.Is(e.Err, storage.ErrObjectNotFound) &&
			!errors.Is(e.Err, ErrOutputBucketRequired) &&
			!errors.Is(e.Err, ErrUnsupportedSourceType)
	default:
		return false
	}
}

// IsRetryable reports whether err carries a retryable StageError. Errors
// outside the pipeline are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Retryable()
	}
	return true
}

// FailedStage returns the stage recorded in err, or "" when there is none.
func FailedStage(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
