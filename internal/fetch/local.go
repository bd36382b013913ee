package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalFetcher copies a file from the local filesystem.
type LocalFetcher struct {
	MaxBytes int64
}

// Fetch copies sourcePath into destDir.
func (f *LocalFetcher) Fetch(ctx context.Context, sourcePath, destDir string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &Error{Kind: NotFound, Source: sourcePath, Cause: err}
		}
		if errors.Is(err, fs.ErrPermission) {
			return "", &Error{Kind: AuthRequired, Source: sourcePath, Cause: err}
		}
		return "", &Error{Kind: InvalidSource, Source: sourcePath, Cause: err}
	}
	if info.IsDir() {
		return "", &Error{Kind: InvalidSource, Source: sourcePath, Cause: errors.New("is a directory")}
	}
	if f.MaxBytes > 0 && info.Size() > f.MaxBytes {
		return "", &Error{Kind: TooLarge, Source: sourcePath, Cause: fmt.Errorf("%d bytes exceeds limit of %d", info.Size(), f.MaxBytes)}
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", &Error{Kind: AuthRequired, Source: sourcePath, Cause: err}
	}
	defer src.Close()

	dest := filepath.Join(destDir, inputName(sourcePath))
	if err := writeFile(ctx, dest, src); err != nil {
		return "", fmt.Errorf("copy %s: %w", sourcePath, err)
	}
	return dest, nil
}

// writeFile streams r into path through a temporary file.
func writeFile(ctx context.Context, path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
