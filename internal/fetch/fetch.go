// Package fetch downloads or copies job audio into the job directory.
//
// Supported sources:
//   - local paths
//   - http(s) URLs
//   - Google Drive share links
//   - s3://bucket/key objects (MinIO or any S3-compatible store)
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Kind classifies fetch failures.
type Kind string

const (
	NotFound      Kind = "not_found"
	AuthRequired  Kind = "auth_required"
	Network       Kind = "network"
	TooLarge      Kind = "too_large"
	InvalidSource Kind = "invalid_source"
)

// Error is returned for every failed fetch.
type Error struct {
	Kind   Kind
	Source string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fetch %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the Kind of a fetch error, or "" for other errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Fetcher places the audio referenced by sourceRef into destDir and returns
// the resulting file path.
type Fetcher interface {
	Fetch(ctx context.Context, sourceRef, destDir string) (string, error)
}

// S3Config configures s3:// sources.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Config controls all fetchers.
type Config struct {
	Timeout       time.Duration // per HTTP attempt
	MaxBytes      int64         // 0 means unlimited
	MaxRetries    int
	RetryInterval time.Duration
	S3            S3Config
}

// DefaultConfig mirrors the bot defaults: 60s per attempt, 2 GiB, 3 retries.
func DefaultConfig() Config {
	return Config{
		Timeout:       60 * time.Second,
		MaxBytes:      2 << 30,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}
}

// Multi dispatches on the shape of the source reference.
type Multi struct {
	local     *LocalFetcher
	http      *HTTPFetcher
	s3        *S3Fetcher // nil when S3 is not configured
	driveBase string
	logger    *slog.Logger
}

// New creates a Multi fetcher. An S3 client is created only when an endpoint
// is configured.
func New(cfg Config, logger *slog.Logger) (*Multi, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "fetch")

	m := &Multi{
		local:     &LocalFetcher{MaxBytes: cfg.MaxBytes},
		http:      NewHTTPFetcher(cfg, logger),
		driveBase: driveDownloadBase,
		logger:    logger,
	}

	if cfg.S3.Endpoint != "" {
		client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
			Secure: cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		m.s3 = &S3Fetcher{client: client, maxBytes: cfg.MaxBytes}
	}
	return m, nil
}

// Fetch implements Fetcher.
func (m *Multi) Fetch(ctx context.Context, sourceRef, destDir string) (string, error) {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return "", &Error{Kind: InvalidSource, Source: sourceRef, Cause: errors.New("empty source")}
	}

	start := time.Now()
	var (
		dest string
		err  error
		via  string
	)
	switch {
	case strings.HasPrefix(sourceRef, "s3://"):
		via = "s3"
		if m.s3 == nil {
			return "", &Error{Kind: InvalidSource, Source: sourceRef, Cause: errors.New("s3 sources are not configured")}
		}
		dest, err = m.s3.Fetch(ctx, sourceRef, destDir)
	case isHTTP(sourceRef):
		if id, ok := GoogleDriveID(sourceRef); ok {
			via = "gdrive"
			dest, err = m.http.fetch(ctx, sourceRef, m.driveBase+"?export=download&id="+id, destDir, true)
		} else {
			via = "http"
			dest, err = m.http.Fetch(ctx, sourceRef, destDir)
		}
	default:
		via = "local"
		dest, err = m.local.Fetch(ctx, sourceRef, destDir)
	}

	if err != nil {
		m.logger.Warn("fetch failed", "via", via, "source", sourceRef, "kind", KindOf(err), "error", err.Error())
		return "", err
	}
	m.logger.Info("audio fetched", "via", via, "dest", dest, "duration_ms", time.Since(start).Milliseconds())
	return dest, nil
}

func isHTTP(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// inputName returns the file name used for fetched audio. Only the extension
// of the source is kept, so arbitrary source names never reach command lines.
func inputName(sourceName string) string {
	ext := strings.ToLower(path.Ext(sourceName))
	if len(ext) < 2 || len(ext) > 6 || strings.ContainsAny(ext[1:], `./\ `) {
		ext = ".mp3"
	}
	return "input" + ext
}

// statusKind maps an HTTP status to a fetch failure kind.
func statusKind(code int) Kind {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return NotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return AuthRequired
	default:
		return Network
	}
}
