package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hurrican1/diarization-bot/internal/transcript"
	"github.com/hurrican1/diarization-bot/pkg/logger"
	"github.com/hurrican1/diarization-bot/pkg/similarity"
)

// ErrEmptySpeakerMap is returned when enrollment is asked to learn nobody.
var ErrEmptySpeakerMap = errors.New("speaker map is empty")

// SampleEmbedder embeds each span separately.
type SampleEmbedder interface {
	EmbedEach(ctx context.Context, audioPath string, spans []transcript.Span) ([][]float64, error)
}

// EnrolledSpeaker describes one profile touched by enrollment.
type EnrolledSpeaker struct {
	Name         string `json:"name"`
	NewSamples   int    `json:"new_samples"`
	TotalSamples int    `json:"total_samples"`
}

// EnrollResult lists updated profiles and the names that had no usable audio.
type EnrollResult struct {
	Enrolled []EnrolledSpeaker `json:"enrolled"`
	Skipped  []string          `json:"skipped,omitempty"`
}

// Enroller builds profiles from a transcript whose clusters are named by a
// speaker map.
type Enroller struct {
	store    *Store
	embedder SampleEmbedder
	opts     Options
	logger   *slog.Logger
}

// NewEnroller creates an enroller writing to store.
func NewEnroller(store *Store, embedder SampleEmbedder, opts Options, log *slog.Logger) *Enroller {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultOptions().MaxSamples
	}
	return &Enroller{store: store, embedder: embedder, opts: opts, logger: logger.OrDefault(log)}
}

// Enroll embeds the longest spans of every mapped cluster and folds them into
// the named profiles as a running mean. Clusters mapped to the same name
// contribute to one profile. Spans shorter than MinSampleSeconds are never used.
func (e *Enroller) Enroll(ctx context.Context, audioPath string, utts []transcript.Utterance, speakerMap map[string]string) (*EnrollResult, error) {
	if len(speakerMap) == 0 {
		return nil, ErrEmptySpeakerMap
	}

	spans := clusterSpans(utts)
	var names []string
	byName := make(map[string][]transcript.Span)
	for _, cluster := range transcript.ClusterOrder(utts) {
		name, ok := speakerMap[cluster]
		if !ok || name == "" {
			continue
		}
		if _, seen := byName[name]; !seen {
			names = append(names, name)
		}
		byName[name] = append(byName[name], spans[cluster]...)
	}

	res := &EnrollResult{}
	for _, name := range names {
		samples := longSpans(byName[name], e.opts.MinSampleSeconds, e.opts.MaxSamples)
		if len(samples) == 0 {
			e.logger.Warn("no segments long enough to enroll", "speaker", name, "min_seconds", e.opts.MinSampleSeconds)
			res.Skipped = append(res.Skipped, name)
			continue
		}

		vectors, err := e.embedder.EmbedEach(ctx, audioPath, samples)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			e.logger.Warn("enrollment embedding failed", "speaker", name, "error", err)
			res.Skipped = append(res.Skipped, name)
			continue
		}

		var total int
		err = e.store.Update(name, func(current *Profile) (Profile, error) {
			var centroid []float64
			count := 0
			if current != nil {
				centroid, count = current.Centroid, current.SampleCount
			}
			next, err := similarity.RunningMean(centroid, count, vectors)
			if err != nil {
				return Profile{}, err
			}
			total = count + len(vectors)
			return Profile{Centroid: next, SampleCount: total, UpdatedAt: time.Now().UTC()}, nil
		})
		if err != nil {
			return res, fmt.Errorf("enroll %q: %w", name, err)
		}

		e.logger.Info("speaker enrolled", "speaker", name, "new_samples", len(vectors), "total_samples", total)
		res.Enrolled = append(res.Enrolled, EnrolledSpeaker{Name: name, NewSamples: len(vectors), TotalSamples: total})
	}
	return res, nil
}

// longSpans keeps spans of at least minSeconds, longest first, up to max.
func longSpans(spans []transcript.Span, minSeconds float64, max int) []transcript.Span {
	var long []transcript.Span
	for _, s := range spans {
		if d := s.Duration(); d > 0 && d >= minSeconds {
			long = append(long, s)
		}
	}
	return SelectSpans(long, minSeconds, max)
}
