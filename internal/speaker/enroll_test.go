package speaker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurrican1/diarization-bot/internal/transcript"
	"github.com/hurrican1/diarization-bot/pkg/similarity"
)

type fakeSampleEmbedder struct {
	mu    sync.Mutex
	calls [][]transcript.Span
	vec   func(span transcript.Span) []float64
	err   error
}

func (f *fakeSampleEmbedder) EmbedEach(_ context.Context, _ string, spans []transcript.Span) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spans)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(spans))
	for i, s := range spans {
		out[i] = f.vec(s)
	}
	return out, nil
}

func TestEnroll_CreatesProfilesFromLongestSpans(t *testing.T) {
	store := storeWith(t)
	emb := &fakeSampleEmbedder{vec: func(s transcript.Span) []float64 { return []float64{s.Duration(), 1} }}
	e := NewEnroller(store, emb, DefaultOptions(), nil)

	utts := []transcript.Utterance{
		utt("SPEAKER_00", 0, 1, "too short"),
		utt("SPEAKER_01", 1, 4, "b1"),
		utt("SPEAKER_00", 4, 7, "a1"),
		utt("SPEAKER_01", 7, 8, "b2"),
		utt("SPEAKER_00", 8, 12, "a2"),
	}
	res, err := e.Enroll(context.Background(), "a.wav", utts, map[string]string{
		"SPEAKER_00": "Anna",
		"SPEAKER_01": "Boris",
		"SPEAKER_09": "Ghost",
	})
	require.NoError(t, err)

	require.Len(t, res.Enrolled, 2)
	assert.Equal(t, EnrolledSpeaker{Name: "Anna", NewSamples: 2, TotalSamples: 2}, res.Enrolled[0])
	assert.Equal(t, EnrolledSpeaker{Name: "Boris", NewSamples: 1, TotalSamples: 1}, res.Enrolled[1])
	assert.Empty(t, res.Skipped)

	// longest first, short span dropped
	assert.Equal(t, []transcript.Span{{Start: 8, End: 12}, {Start: 4, End: 7}}, emb.calls[0])

	anna, ok := store.Snapshot().Get("Anna")
	require.True(t, ok)
	assert.Equal(t, []float64{3.5, 1}, anna.Centroid)
	assert.Equal(t, 2, anna.SampleCount)
}

func TestEnroll_RunningMean(t *testing.T) {
	store := storeWith(t, Profile{Name: "Anna", Centroid: []float64{0, 0}, SampleCount: 3})
	emb := &fakeSampleEmbedder{vec: func(transcript.Span) []float64 { return []float64{4, 8} }}
	e := NewEnroller(store, emb, DefaultOptions(), nil)

	res, err := e.Enroll(context.Background(), "a.wav",
		[]transcript.Utterance{utt("S0", 0, 5, "x")}, map[string]string{"S0": "Anna"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Enrolled[0].TotalSamples)

	anna, _ := store.Snapshot().Get("Anna")
	assert.Equal(t, []float64{1, 2}, anna.Centroid)
	assert.Equal(t, 4, anna.SampleCount)
}

func TestEnroll_MergesClustersMappedToOneName(t *testing.T) {
	store := storeWith(t)
	emb := &fakeSampleEmbedder{vec: func(s transcript.Span) []float64 { return []float64{s.Start} }}
	e := NewEnroller(store, emb, Options{MinSampleSeconds: 2, MaxSamples: 5}, nil)

	_, err := e.Enroll(context.Background(), "a.wav",
		[]transcript.Utterance{utt("S0", 0, 3, "a"), utt("S1", 3, 6, "b")},
		map[string]string{"S0": "Anna", "S1": "Anna"})
	require.NoError(t, err)

	require.Len(t, emb.calls, 1)
	assert.Len(t, emb.calls[0], 2)
	anna, _ := store.Snapshot().Get("Anna")
	assert.Equal(t, []float64{1.5}, anna.Centroid)
}

func TestEnroll_SkipsSpeakersWithoutUsableAudio(t *testing.T) {
	store := storeWith(t)
	emb := &fakeSampleEmbedder{vec: func(transcript.Span) []float64 { return []float64{1} }}
	e := NewEnroller(store, emb, DefaultOptions(), nil)

	res, err := e.Enroll(context.Background(), "a.wav",
		[]transcript.Utterance{utt("S0", 0, 1.5, "short")}, map[string]string{"S0": "Anna"})
	require.NoError(t, err)
	assert.Empty(t, res.Enrolled)
	assert.Equal(t, []string{"Anna"}, res.Skipped)
	assert.Empty(t, emb.calls)
	assert.Equal(t, 0, store.Snapshot().Len())
}

func TestEnroll_EmbedFailureSkips(t *testing.T) {
	store := storeWith(t)
	emb := &fakeSampleEmbedder{err: errors.New("toolkit unavailable")}
	e := NewEnroller(store, emb, DefaultOptions(), nil)

	res, err := e.Enroll(context.Background(), "a.wav",
		[]transcript.Utterance{utt("S0", 0, 5, "x")}, map[string]string{"S0": "Anna"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Anna"}, res.Skipped)
}

func TestEnroll_EmptyMap(t *testing.T) {
	e := NewEnroller(storeWith(t), &fakeSampleEmbedder{}, DefaultOptions(), nil)
	_, err := e.Enroll(context.Background(), "a.wav", nil, nil)
	assert.ErrorIs(t, err, ErrEmptySpeakerMap)
}

// fakeClipToolkit embeds a clip as [start] where start is recovered from the
// span passed to ExtractClip.
type fakeClipToolkit struct {
	mu       sync.Mutex
	extracts int
	embeds   int
	failAt   map[float64]bool
	starts   map[string]float64
}

func (f *fakeClipToolkit) ExtractClip(_ context.Context, _ string, span transcript.Span, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extracts++
	if f.failAt[span.Start] {
		return errors.New("ffmpeg failed")
	}
	if f.starts == nil {
		f.starts = make(map[string]float64)
	}
	f.starts[dest] = span.Start
	return os.WriteFile(dest, []byte("RIFF"), 0644)
}

func (f *fakeClipToolkit) Embed(_ context.Context, clipPath string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds++
	return []float64{f.starts[clipPath], 1}, nil
}

func TestClipEmbedder_EmbedEachAndCache(t *testing.T) {
	tk := &fakeClipToolkit{}
	cache := similarity.NewEmbeddingCache(16)
	e := NewClipEmbedder(tk, t.TempDir(), 2, cache, nil)
	spans := []transcript.Span{{Start: 0, End: 2}, {Start: 4, End: 6}, {Start: 8, End: 10}}

	vecs, err := e.EmbedEach(context.Background(), "a.wav", spans)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1}, {4, 1}, {8, 1}}, vecs)
	assert.Equal(t, 3, tk.extracts)

	mean, err := e.Embed(context.Background(), "a.wav", spans)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 1}, mean)
	assert.Equal(t, 3, tk.extracts, "second call served from cache")
	assert.Equal(t, 3, cache.Len())
}

func TestClipEmbedder_PartialAndTotalFailure(t *testing.T) {
	tk := &fakeClipToolkit{failAt: map[float64]bool{0: true}}
	e := NewClipEmbedder(tk, t.TempDir(), 1, nil, nil)

	vecs, err := e.EmbedEach(context.Background(), "a.wav", []transcript.Span{{Start: 0, End: 2}, {Start: 4, End: 6}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{4, 1}}, vecs)

	_, err = e.EmbedEach(context.Background(), "a.wav", []transcript.Span{{Start: 0, End: 2}})
	assert.Error(t, err)

	_, err = e.EmbedEach(context.Background(), "a.wav", nil)
	assert.Error(t, err)
}

func TestClipEmbedder_RemovesClips(t *testing.T) {
	dir := t.TempDir()
	e := NewClipEmbedder(&fakeClipToolkit{}, dir, 2, nil, nil)
	_, err := e.EmbedEach(context.Background(), "a.wav", []transcript.Span{{Start: 0, End: 2}})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
