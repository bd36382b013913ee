package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const driveDownloadBase = "https://drive.google.com/uc"

var (
	drivePathID = regexp.MustCompile(`/(?:file/)?d/([A-Za-z0-9_-]{10,})`)
	driveIDPart = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)
)

// errTooLarge marks a body that grew past the limit while streaming.
var errTooLarge = errors.New("body exceeds size limit")

// GoogleDriveID extracts the file id from a Google Drive share link such as
// https://drive.google.com/file/d/<id>/view or https://drive.google.com/open?id=<id>.
func GoogleDriveID(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host != "drive.google.com" && host != "docs.google.com" {
		return "", false
	}
	if m := drivePathID.FindStringSubmatch(u.Path); m != nil {
		return m[1], true
	}
	if id := u.Query().Get("id"); driveIDPart.MatchString(id) {
		return id, true
	}
	return "", false
}

// HTTPFetcher downloads http(s) URLs with retries on transient failures.
type HTTPFetcher struct {
	client        *http.Client
	maxBytes      int64
	maxRetries    int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewHTTPFetcher creates an HTTPFetcher. cfg.Timeout bounds each attempt.
func NewHTTPFetcher(cfg Config, logger *slog.Logger) *HTTPFetcher {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client:        &http.Client{Timeout: cfg.Timeout},
		maxBytes:      cfg.MaxBytes,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		logger:        logger,
	}
}

// Fetch downloads rawURL into destDir.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	return f.fetch(ctx, rawURL, rawURL, destDir, false)
}

// fetch downloads target and reports errors against source. For Google Drive
// an HTML answer means the file is not shared publicly.
func (f *HTTPFetcher) fetch(ctx context.Context, source, target, destDir string, drive bool) (string, error) {
	var dest string
	attempt := 0

	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(&Error{Kind: InvalidSource, Source: source, Cause: err})
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return &Error{Kind: Network, Source: source, Cause: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fe := &Error{Kind: statusKind(resp.StatusCode), Source: source, Cause: fmt.Errorf("HTTP %d", resp.StatusCode)}
			if fe.Kind != Network {
				return backoff.Permanent(fe)
			}
			return fe
		}
		if drive && isHTML(resp.Header.Get("Content-Type")) {
			return backoff.Permanent(&Error{Kind: AuthRequired, Source: source,
				Cause: errors.New("google drive returned a web page; the file must be shared as 'anyone with the link'")})
		}
		if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
			return backoff.Permanent(&Error{Kind: TooLarge, Source: source,
				Cause: fmt.Errorf("content length %d exceeds limit of %d", resp.ContentLength, f.maxBytes)})
		}

		path := filepath.Join(destDir, inputName(nameFromResponse(resp, target)))
		var body io.Reader = resp.Body
		if f.maxBytes > 0 {
			body = &limitReader{r: resp.Body, remaining: f.maxBytes}
		}
		if err := writeFile(ctx, path, body); err != nil {
			switch {
			case errors.Is(err, errTooLarge):
				return backoff.Permanent(&Error{Kind: TooLarge, Source: source, Cause: err})
			case ctx.Err() != nil:
				return backoff.Permanent(ctx.Err())
			default:
				return &Error{Kind: Network, Source: source, Cause: err}
			}
		}
		dest = path
		return nil
	}

	notify := func(err error, wait time.Duration) {
		f.logger.Warn("download attempt failed, retrying", "source", source, "attempt", attempt, "retry_in", wait.String(), "error", err.Error())
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(f.maxRetries, 0))), ctx), notify)
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return "", fe
		}
		return "", &Error{Kind: Network, Source: source, Cause: err}
	}
	return dest, nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/html"
}

// nameFromResponse prefers the Content-Disposition file name over the URL path.
func nameFromResponse(resp *http.Response, target string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	if u, err := url.Parse(target); err == nil {
		return u.Path
	}
	return ""
}

// limitReader fails with errTooLarge once more than remaining bytes are read.
type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errTooLarge
	}
	return n, err
}
