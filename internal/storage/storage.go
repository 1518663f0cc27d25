// Package storage handles object storage for large scrape artifacts
// (screenshots, oversized raw HTML) on any S3-compatible backend.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/forageapi/forage/internal/config"
)

// BlobStore stores per-job artifacts under artifacts/{jobID}/. When no
// bucket is configured every operation is a silent no-op, so the scrape
// pipeline does not branch on storage availability.
type BlobStore struct {
	client  *s3.Client
	bucket  string
	enabled bool
	logger  *slog.Logger
}

// NewBlobStore creates a blob store from config.
func NewBlobStore(cfg *appconfig.Config, logger *slog.Logger) (*BlobStore, error) {
	if !cfg.StorageEnabled {
		logger.Info("blob storage disabled - no bucket configured")
		return &BlobStore{enabled: false, logger: logger}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKey,
			cfg.StorageSecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint + path style covers Tigris, MinIO, and friends.
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		o.UsePathStyle = true
	})

	logger.Info("blob storage initialized",
		"bucket", cfg.StorageBucket,
		"endpoint", cfg.StorageEndpoint,
	)

	return &BlobStore{
		client:  client,
		bucket:  cfg.StorageBucket,
		enabled: true,
		logger:  logger,
	}, nil
}

// IsEnabled returns whether a bucket is configured.
func (b *BlobStore) IsEnabled() bool {
	return b.enabled
}

func artifactKey(jobID, name string) string {
	return fmt.Sprintf("artifacts/%s/%s", jobID, name)
}

// Put stores one artifact for a job.
func (b *BlobStore) Put(ctx context.Context, jobID, name, contentType string, data []byte) error {
	if !b.enabled {
		return nil
	}

	key := artifactKey(jobID, name)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	b.logger.Debug("stored artifact",
		"job_id", jobID,
		"key", key,
		"size_bytes", len(data),
	)
	return nil
}

// Get retrieves one artifact.
func (b *BlobStore) Get(ctx context.Context, jobID, name string) ([]byte, error) {
	if !b.enabled {
		return nil, fmt.Errorf("storage is not enabled")
	}

	key := artifactKey(jobID, name)
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	defer func() { _ = output.Body.Close() }()

	return io.ReadAll(output.Body)
}

// PresignedURL returns a time-limited download URL for an artifact.
func (b *BlobStore) PresignedURL(ctx context.Context, jobID, name string, expiry time.Duration) (string, error) {
	if !b.enabled {
		return "", fmt.Errorf("storage is not enabled")
	}
	if expiry == 0 {
		expiry = time.Hour
	}

	presignClient := s3.NewPresignClient(b.client)
	presignedReq, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(artifactKey(jobID, name)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignedReq.URL, nil
}

// DeleteJob removes every artifact a job stored. The ZDR cleaner calls
// this for zero-data-retention jobs past their clean-by deadline.
func (b *BlobStore) DeleteJob(ctx context.Context, jobID string) (int, error) {
	if !b.enabled {
		return 0, nil
	}

	prefix := fmt.Sprintf("artifacts/%s/", jobID)
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list artifacts: %w", err)
		}
		for _, obj := range page.Contents {
			_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				b.logger.Warn("failed to delete artifact",
					"key", aws.ToString(obj.Key),
					"error", err,
				)
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		b.logger.Info("deleted job artifacts", "job_id", jobID, "count", deleted)
	}
	return deleted, nil
}

// DeleteOld removes artifacts older than maxAge. Returns the number of
// deleted objects.
func (b *BlobStore) DeleteOld(ctx context.Context, maxAge time.Duration) (int, error) {
	if !b.enabled {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String("artifacts/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list artifacts: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(b.bucket),
					Key:    obj.Key,
				})
				if err != nil {
					b.logger.Warn("failed to delete old artifact",
						"key", aws.ToString(obj.Key),
						"error", err,
					)
					continue
				}
				deleted++
			}
		}
	}

	b.logger.Info("artifact cleanup completed",
		"deleted_count", deleted,
		"max_age", maxAge.String(),
	)
	return deleted, nil
}
