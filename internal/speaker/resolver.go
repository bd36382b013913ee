package speaker

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/hurrican1/diarization-bot/internal/transcript"
	"github.com/hurrican1/diarization-bot/pkg/logger"
	"github.com/hurrican1/diarization-bot/pkg/metrics"
	"github.com/hurrican1/diarization-bot/pkg/similarity"
)

// Embedder produces one voice embedding for the given spans of an audio file.
type Embedder interface {
	Embed(ctx context.Context, audioPath string, spans []transcript.Span) ([]float64, error)
}

// Options tune cluster resolution.
type Options struct {
	// Threshold is the cosine similarity a match must strictly exceed.
	Threshold float64
	// MinSampleSeconds is the preferred minimum span length for embedding.
	MinSampleSeconds float64
	// MaxSamples caps the spans embedded per cluster.
	MaxSamples int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{Threshold: 0.55, MinSampleSeconds: 2.0, MaxSamples: 5}
}

// Assignment records how one cluster was resolved.
type Assignment struct {
	ClusterID  string
	Resolution transcript.Resolution
}

// Result is the output of Resolve. Degraded is set when at least one cluster
// could not be compared against enrollments (empty store or embed failure);
// it is informational and never an error.
type Result struct {
	Utterances  []transcript.Utterance
	Assignments []Assignment
	Degraded    bool
}

// Resolver maps clusters to enrolled identities.
type Resolver struct {
	embedder Embedder
	opts     Options
	logger   *slog.Logger
}

// NewResolver creates a resolver. embedder may be nil when only speaker maps are used.
func NewResolver(embedder Embedder, opts Options, log *slog.Logger) *Resolver {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultOptions().MaxSamples
	}
	return &Resolver{embedder: embedder, opts: opts, logger: logger.OrDefault(log)}
}

// Resolve labels every utterance. The input slice is not modified.
//
// Clusters named in speakerMap are resolved first. The rest are embedded and
// compared against snap; the best identity wins when its similarity exceeds
// the threshold, ties going to the lexicographically smaller name. Clusters
// left over become "unknown speaker N", numbered by first appearance.
func (r *Resolver) Resolve(ctx context.Context, utts []transcript.Utterance, audioPath string, snap *Snapshot, speakerMap map[string]string) Result {
	order := transcript.ClusterOrder(utts)
	spans := clusterSpans(utts)

	res := Result{}
	byCluster := make(map[string]transcript.Resolution, len(order))
	unresolved := 0

	for _, cluster := range order {
		if name, ok := speakerMap[cluster]; ok && name != "" {
			byCluster[cluster] = transcript.Resolved{Identity: name, Similarity: 1, Source: transcript.SourceSpeakerMap}
			metrics.RecordResolution("speaker_map")
			continue
		}

		resolved, degraded := r.match(ctx, cluster, audioPath, spans[cluster], snap)
		if degraded {
			res.Degraded = true
		}
		if resolved != nil {
			byCluster[cluster] = *resolved
			metrics.RecordResolution("embedding")
			continue
		}
		unresolved++
		byCluster[cluster] = transcript.Unresolved{Ordinal: unresolved}
		metrics.RecordResolution("unresolved")
	}

	res.Utterances = make([]transcript.Utterance, len(utts))
	for i, u := range utts {
		u.Speaker = byCluster[u.ClusterID]
		res.Utterances[i] = u
	}
	for _, cluster := range order {
		res.Assignments = append(res.Assignments, Assignment{ClusterID: cluster, Resolution: byCluster[cluster]})
	}
	return res
}

// match returns the best identity for a cluster, or nil. degraded reports
// that no comparison was possible.
func (r *Resolver) match(ctx context.Context, cluster, audioPath string, spans []transcript.Span, snap *Snapshot) (*transcript.Resolved, bool) {
	if snap.Len() == 0 || r.embedder == nil {
		return nil, true
	}
	samples := SelectSpans(spans, r.opts.MinSampleSeconds, r.opts.MaxSamples)
	if len(samples) == 0 {
		r.logger.Debug("cluster has no usable audio", "cluster", cluster)
		return nil, false
	}
	if ctx.Err() != nil {
		return nil, true
	}

	vec, err := r.embedder.Embed(ctx, audioPath, samples)
	if err != nil {
		r.logger.Warn("speaker embedding failed, leaving cluster unresolved",
			"cluster", cluster, "spans", len(samples), "error", err)
		return nil, true
	}

	best, score, ok := bestMatch(vec, snap)
	r.logger.Debug("speaker match", "cluster", cluster, "best", best, "similarity", score)
	if !ok || score <= r.opts.Threshold {
		return nil, false
	}
	return &transcript.Resolved{Identity: best, Similarity: score, Source: transcript.SourceEmbedding}, false
}

// bestMatch scans profiles in name order so equal scores keep the smaller name.
func bestMatch(vec []float64, snap *Snapshot) (string, float64, bool) {
	var (
		bestName  string
		bestScore float64
		found     bool
	)
	for _, p := range snap.Profiles() {
		score := similarity.Cosine(vec, p.Centroid)
		if !found || score > bestScore {
			bestName, bestScore, found = p.Name, score, true
		}
	}
	return bestName, bestScore, found
}

func clusterSpans(utts []transcript.Utterance) map[string][]transcript.Span {
	out := make(map[string][]transcript.Span)
	for _, u := range utts {
		out[u.ClusterID] = append(out[u.ClusterID], u.Span())
	}
	return out
}

// SelectSpans picks up to max spans, longest first. Spans of at least
// minSeconds are preferred; shorter ones are used only when no long span
// exists. Zero-length spans are never returned.
func SelectSpans(spans []transcript.Span, minSeconds float64, max int) []transcript.Span {
	var long, short []transcript.Span
	for _, s := range spans {
		switch d := s.Duration(); {
		case d <= 0:
		case d >= minSeconds:
			long = append(long, s)
		default:
			short = append(short, s)
		}
	}
	pick := long
	if len(pick) == 0 {
		pick = short
	}
	pick = slices.Clone(pick)
	slices.SortStableFunc(pick, func(a, b transcript.Span) int {
		if c := cmp.Compare(b.Duration(), a.Duration()); c != 0 {
			return c
		}
		return cmp.Compare(a.Start, b.Start)
	})
	if max > 0 && len(pick) > max {
		pick = pick[:max]
	}
	return pick
}
