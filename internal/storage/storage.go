// Package storage adapts S3-compatible object stores to the download and
// upload operations the pipeline needs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrObjectNotFound = errors.New("object not found")

type Client interface {
	Download(ctx context.Context, bucket, key string, w io.Writer) (int64, error)
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

const (
	BackendMinio = "minio"
	BackendS3    = "s3"
)

type Config struct {
	Backend   string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// New builds the client for cfg.Backend.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMinio:
		c, err := NewMinioClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendS3:
		c, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

func notFound(bucket, key string, err error) error {
	return fmt.Errorf("%w: %s/%s: %v", ErrObjectNotFound, bucket, key, err)
}
