package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioClient struct {
	minio *minio.Client
}

func NewMinioClient(cfg Config) (*MinioClient, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioClient{minio: mc}, nil
}

func (c *MinioClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.minio.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (c *MinioClient) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.minio.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinioNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
}

func (c *MinioClient) Download(ctx context.Context, bucket, key string, w io.Writer) (int64, error) {
	obj, err := c.minio.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	// GetObject is lazy; missing objects surface on the first read.
	n, err := io.Copy(w, obj)
	if err != nil {
		if isMinioNotFound(err) {
			return n, notFound(bucket, key, err)
		}
		return n, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return n, nil
}

func (c *MinioClient) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(
		ctx,
		bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchBucket" {
			return notFound(bucket, key, err)
		}
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject", "NoSuchBucket":
		return true
	default:
		return false
	}
}
