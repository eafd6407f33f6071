// Package objectstore holds backup archive exports in MinIO.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"e2ee-keyserver/pkg/config"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/resilience"
)

// MinioStore wraps a MinIO client behind a circuit breaker
type MinioStore struct {
	client  *minio.Client
	bucket  string
	breaker *resilience.CircuitBreaker
}

// NewMinioStore connects to MinIO and makes sure the bucket exists
func NewMinioStore(ctx context.Context, cfg config.MinIOConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &MinioStore{
		client:  client,
		bucket:  cfg.Bucket,
		breaker: resilience.NewCircuitBreaker("minio", resilience.DefaultConfig()),
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("Created backup archive bucket", zap.String("bucket", cfg.Bucket))
	}

	return s, nil
}

// PutObject uploads data under objectName
func (s *MinioStore) PutObject(ctx context.Context, objectName string, data []byte, contentType string) error {
	return s.breaker.Execute(ctx, "put_object", func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", objectName, err)
		}
		return nil
	})
}

// PresignedGetURL returns a time-limited download URL
func (s *MinioStore) PresignedGetURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	var presigned *url.URL
	err := s.breaker.Execute(ctx, "presign_get", func(ctx context.Context) error {
		u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, url.Values{})
		if err != nil {
			return fmt.Errorf("failed to presign %s: %w", objectName, err)
		}
		presigned = u
		return nil
	})
	if err != nil {
		return "", err
	}
	return presigned.String(), nil
}

// RemovePrefix deletes every object under prefix
func (s *MinioStore) RemovePrefix(ctx context.Context, prefix string) error {
	return s.breaker.Execute(ctx, "remove_prefix", func(ctx context.Context) error {
		objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
		for result := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
			if result.Err != nil {
				return fmt.Errorf("failed to remove %s: %w", result.ObjectName, result.Err)
			}
		}
		return nil
	})
}
