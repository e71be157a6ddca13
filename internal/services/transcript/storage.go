package transcript

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
)

type S3Storage struct {
	client *minio.Client
	bucket string
}

func NewS3Storage(client *minio.Client, bucket string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket}
}

func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("s3 client is nil")
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check transcript bucket: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create transcript bucket: %w", err)
	}
	return nil
}

func (s *S3Storage) Put(ctx context.Context, objectKey string, data []byte, contentType string) error {
	if s.client == nil {
		return fmt.Errorf("s3 client is nil")
	}
	if objectKey == "" {
		return fmt.Errorf("object key is required")
	}

	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put transcript object: %w", err)
	}

	return nil
}
