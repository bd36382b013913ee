package output

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Publisher uploads finished artifacts somewhere users can reach them.
type Publisher interface {
	// Publish uploads files under a job prefix and returns their object keys.
	Publish(ctx context.Context, jobID string, files []string) ([]string, error)
}

// PublishConfig configures the MinIO publisher.
type PublishConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// objectStore is the subset of *minio.Client the publisher needs.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioPublisher uploads artifacts to a MinIO/S3 bucket as
// <bucket>/transcripts/<job_id>/<file name>.
type MinioPublisher struct {
	client objectStore
	bucket string
	logger *slog.Logger
}

// NewMinioPublisher creates a publisher. The bucket is created on first use
// if it does not exist.
func NewMinioPublisher(cfg PublishConfig, logger *slog.Logger) (*MinioPublisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("publish bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return newMinioPublisher(client, cfg.Bucket, logger), nil
}

func newMinioPublisher(client objectStore, bucket string, logger *slog.Logger) *MinioPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioPublisher{client: client, bucket: bucket, logger: logger.With("component", "publisher")}
}

// EnsureBucket creates the bucket if it doesn't exist.
func (p *MinioPublisher) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		p.logger.Info("bucket created", "bucket", p.bucket)
	}
	return nil
}

// Publish implements Publisher.
func (p *MinioPublisher) Publish(ctx context.Context, jobID string, files []string) ([]string, error) {
	if err := p.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(files))
	for _, file := range files {
		key := path.Join("transcripts", jobID, filepath.Base(file))
		contentType := mime.TypeByExtension(filepath.Ext(file))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := p.client.FPutObject(ctx, p.bucket, key, file, minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return keys, fmt.Errorf("failed to upload %s: %w", filepath.Base(file), err)
		}
		keys = append(keys, key)
	}

	p.logger.Info("artifacts published", "job_id", jobID, "bucket", p.bucket, "objects", len(keys))
	return keys, nil
}
