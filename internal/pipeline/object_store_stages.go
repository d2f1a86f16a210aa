package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type ObjectReader interface {
	Download(ctx context.Context, bucket, key string, w io.Writer) (int64, error)
}

type ObjectWriter interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// ObjectStoreFetcher spools the source object into a scratch file under
// ScratchDir (the OS temp dir when empty) and removes it after reading.
type ObjectStoreFetcher struct {
	Storage    ObjectReader
	ScratchDir string
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if strings.TrimSpace(req.Bucket) == "" {
		return nil, errors.New("source bucket is required")
	}

	scratch, err := os.CreateTemp(f.ScratchDir, "cartoonify-src-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	defer os.Remove(scratch.Name())
	defer scratch.Close()

	if _, err := f.Storage.Download(ctx, req.Bucket, req.ObjectKey, scratch); err != nil {
		return nil, err
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind scratch file: %w", err)
	}

	data, err := io.ReadAll(scratch)
	if err != nil {
		return nil, fmt.Errorf("read scratch file: %w", err)
	}
	return data, nil
}

// ObjectStoreEmitter uploads the result to Bucket under OutputKey(source key).
type ObjectStoreEmitter struct {
	Storage ObjectWriter
	Bucket  string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if strings.TrimSpace(e.Bucket) == "" {
		return Output{}, ErrOutputBucketRequired
	}

	if normalizeOutputFormat(format) != "jpeg" {
		return Output{}, fmt.Errorf("object store results must be jpeg, got %q", format)
	}
	key := OutputKey(req.ObjectKey)
	contentType := "image/jpeg"
	if err := e.Storage.Upload(ctx, e.Bucket, key, data, contentType); err != nil {
		return Output{}, err
	}

	return Output{
		Bucket:      e.Bucket,
		Key:         key,
		Location:    e.Bucket + "/" + key,
		Format:      "jpeg",
		ContentType: contentType,
		Bytes:       len(data),
		Width:       width,
		Height:      height,
	}, nil
}

func NewObjectStoreProcessor(reader ObjectReader, writer ObjectWriter, outputBucket, scratchDir string, models Models, opts Options) (*Processor, error) {
	if strings.TrimSpace(outputBucket) == "" {
		return nil, ErrOutputBucketRequired
	}
	// Results in the output bucket are always <basename>.jpg.
	opts.OutputFormat = "jpeg"
	return NewProcessor(
		ObjectStoreFetcher{Storage: reader, ScratchDir: scratchDir},
		ObjectStoreEmitter{Storage: writer, Bucket: outputBucket},
		models,
		opts,
	)
}
