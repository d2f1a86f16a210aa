package app

import (
	"errors"
	"testing"

	"github.com/dunamismax/cartoonify/internal/config"
	"github.com/dunamismax/cartoonify/internal/pipeline"
	"github.com/dunamismax/cartoonify/internal/vision"
)

func TestPipelineOptions(t *testing.T) {
	opts := PipelineOptions(config.PipelineConfig{TargetClass: 8, JPEGQuality: 80})
	if opts.Segmentation.TargetClass != 8 {
		t.Fatalf("expected target class 8, got %d", opts.Segmentation.TargetClass)
	}
	if opts.Segmentation.Mean != vision.ImageNetMean {
		t.Fatal("expected ImageNet mean to be kept")
	}
	if opts.JPEGQuality != 80 {
		t.Fatalf("expected quality 80, got %d", opts.JPEGQuality)
	}
	if opts.MaxPixels != pipeline.DefaultMaxPixels {
		t.Fatalf("expected default pixel limit, got %d", opts.MaxPixels)
	}
	if opts.OutputFormat != "jpeg" {
		t.Fatalf("expected jpeg output, got %s", opts.OutputFormat)
	}
}

func TestObjectStoreProcessorNeedsOutputBucket(t *testing.T) {
	_, err := ObjectStoreProcessor(nil, nil, config.PipelineConfig{})
	if !errors.Is(err, pipeline.ErrOutputBucketRequired) {
		t.Fatalf("expected ErrOutputBucketRequired, got %v", err)
	}
}

func TestStorageConfig(t *testing.T) {
	got := StorageConfig(config.StorageConfig{Backend: "s3", Region: "eu-west-1", PathStyle: true})
	if got.Backend != "s3" || got.Region != "eu-west-1" || !got.PathStyle {
		t.Fatalf("unexpected storage config %+v", got)
	}
}
