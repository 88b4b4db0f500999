// Package minio stores result artifacts in an S3-compatible bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/phrazzld/mediatext/internal/artifact"
)

// Config holds the connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
}

// Store implements artifact.Store on a bucket.
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

var _ artifact.Store = (*Store)(nil)

// New connects to the endpoint and creates the bucket if it does not exist.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("artifact bucket created", "bucket", cfg.Bucket)
	}

	return &Store{client: client, bucket: cfg.Bucket, logger: log}, nil
}

// Put uploads data as object name and returns its s3:// location.
func (s *Store) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := artifact.ValidateName(name); err != nil {
		return "", err
	}
	info, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact %s: %w", name, err)
	}
	s.logger.Debug("artifact uploaded", "bucket", s.bucket, "object", name, "size", info.Size)
	return "s3://" + s.bucket + "/" + name, nil
}
