package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hurrican1/diarization-bot/internal/transcript"
	"github.com/hurrican1/diarization-bot/pkg/logger"
	"github.com/hurrican1/diarization-bot/pkg/similarity"
)

// ClipToolkit is the part of the speech toolkit used for embeddings.
type ClipToolkit interface {
	// ExtractClip cuts span out of audioPath into a 16 kHz mono file at dest.
	ExtractClip(ctx context.Context, audioPath string, span transcript.Span, dest string) error
	// Embed returns the voice embedding of a whole clip.
	Embed(ctx context.Context, clipPath string) ([]float64, error)
}

// ClipEmbedder embeds spans by cutting each one into a clip and averaging the
// clip embeddings. Clip vectors are cached per audio file and span.
type ClipEmbedder struct {
	toolkit     ClipToolkit
	workDir     string
	concurrency int
	clipTimeout time.Duration
	cache       *similarity.EmbeddingCache
	logger      *slog.Logger
}

// NewClipEmbedder creates an embedder writing temporary clips under workDir
// (os.TempDir when empty). cache may be nil.
func NewClipEmbedder(tk ClipToolkit, workDir string, concurrency int, cache *similarity.EmbeddingCache, log *slog.Logger) *ClipEmbedder {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &ClipEmbedder{
		toolkit:     tk,
		workDir:     workDir,
		concurrency: concurrency,
		cache:       cache,
		logger:      logger.OrDefault(log),
	}
}

// SetClipTimeout bounds extraction plus embedding of a single clip. Zero
// leaves clips bounded only by the caller's context.
func (e *ClipEmbedder) SetClipTimeout(d time.Duration) {
	e.clipTimeout = d
}

// Embed implements Embedder.
func (e *ClipEmbedder) Embed(ctx context.Context, audioPath string, spans []transcript.Span) ([]float64, error) {
	vectors, err := e.EmbedEach(ctx, audioPath, spans)
	if err != nil {
		return nil, err
	}
	return similarity.Mean(vectors)
}

// EmbedEach returns one vector per successfully embedded span. Individual
// clip failures are skipped; the call fails only when no span succeeds or
// the context ends.
func (e *ClipEmbedder) EmbedEach(ctx context.Context, audioPath string, spans []transcript.Span) ([][]float64, error) {
	if len(spans) == 0 {
		return nil, errors.New("no spans to embed")
	}

	if e.workDir != "" {
		if err := os.MkdirAll(e.workDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create clip dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(e.workDir, "clips-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create clip dir: %w", err)
	}
	defer os.RemoveAll(dir)

	results := make([][]float64, len(spans))
	errs := make([]error, len(spans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, span := range spans {
		g.Go(func() error {
			vec, err := e.embedSpan(gctx, audioPath, span, filepath.Join(dir, fmt.Sprintf("clip_%03d.wav", i)))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs[i] = err
				return nil
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out [][]float64
	for i, vec := range results {
		if vec != nil {
			out = append(out, vec)
			continue
		}
		e.logger.Warn("clip embedding failed", "audio", audioPath,
			"start", spans[i].Start, "end", spans[i].End, "error", errs[i])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("all %d clips failed: %w", len(spans), errors.Join(errs...))
	}
	return out, nil
}

func (e *ClipEmbedder) embedSpan(ctx context.Context, audioPath string, span transcript.Span, clipPath string) ([]float64, error) {
	start := strconv.FormatFloat(span.Start, 'f', 3, 64)
	end := strconv.FormatFloat(span.End, 'f', 3, 64)
	if vec, ok := e.cache.Get(audioPath, start, end); ok {
		return vec, nil
	}
	if e.clipTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.clipTimeout)
		defer cancel()
	}

	if err := e.toolkit.ExtractClip(ctx, audioPath, span, clipPath); err != nil {
		return nil, fmt.Errorf("extract clip: %w", err)
	}
	vec, err := e.toolkit.Embed(ctx, clipPath)
	if err != nil {
		return nil, fmt.Errorf("embed clip: %w", err)
	}
	if len(vec) == 0 {
		return nil, errors.New("embed clip: empty vector")
	}
	e.cache.Put(vec, audioPath, start, end)
	return vec, nil
}
