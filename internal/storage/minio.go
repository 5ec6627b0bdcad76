package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig configures the archive exporter
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// MinIOExporter uploads project archives to object storage
type MinIOExporter struct {
	mc     *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinIOExporter creates an exporter
func NewMinIOExporter(cfg MinIOConfig, logger *zap.Logger) (*MinIOExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "triniteam"
	}

	return &MinIOExporter{mc: mc, bucket: bucket, logger: logger.Named("archive-exporter")}, nil
}

// EnsureBucket creates the bucket if it does not exist
func (e *MinIOExporter) EnsureBucket(ctx context.Context) error {
	exists, err := e.mc.BucketExists(ctx, e.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := e.mc.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		e.logger.Info("Bucket created", zap.String("bucket", e.bucket))
	}
	return nil
}

// ArchiveKey is the object key of a project's archive
func ArchiveKey(projectID string) string {
	return fmt.Sprintf("projects/%s/artifacts.zip", projectID)
}

// Export zips the store and uploads it under ArchiveKey(projectID)
func (e *MinIOExporter) Export(ctx context.Context, projectID string, store *ArtifactStore) (string, error) {
	var buf bytes.Buffer
	if err := store.WriteArchive(&buf); err != nil {
		return "", err
	}

	key := ArchiveKey(projectID)
	_, err := e.mc.PutObject(ctx, e.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	e.logger.Info("Project archive exported",
		zap.String("project_id", projectID),
		zap.String("bucket", e.bucket),
		zap.String("key", key),
		zap.Int("bytes", buf.Len()))
	return key, nil
}
