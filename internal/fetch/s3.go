package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
)

// S3Fetcher downloads s3://bucket/key objects.
type S3Fetcher struct {
	client   *minio.Client
	maxBytes int64
}

// Fetch downloads the object into destDir.
func (f *S3Fetcher) Fetch(ctx context.Context, ref, destDir string) (string, error) {
	bucket, key, err := ParseS3Ref(ref)
	if err != nil {
		return "", &Error{Kind: InvalidSource, Source: ref, Cause: err}
	}

	info, err := f.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return "", &Error{Kind: s3Kind(err), Source: ref, Cause: err}
	}
	if f.maxBytes > 0 && info.Size > f.maxBytes {
		return "", &Error{Kind: TooLarge, Source: ref, Cause: fmt.Errorf("object size %d exceeds limit of %d", info.Size, f.maxBytes)}
	}

	dest := filepath.Join(destDir, inputName(key))
	if err := f.client.FGetObject(ctx, bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return "", &Error{Kind: s3Kind(err), Source: ref, Cause: err}
	}
	return dest, nil
}

// ParseS3Ref splits s3://bucket/key.
func ParseS3Ref(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", errors.New("not an s3:// reference")
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("expected s3://bucket/key, got %q", ref)
	}
	return bucket, key, nil
}

// s3Kind maps a MinIO error response to a fetch failure kind.
func s3Kind(err error) Kind {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return NotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return AuthRequired
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return NotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return AuthRequired
	}
	return Network
}
