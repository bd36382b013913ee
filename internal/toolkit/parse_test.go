package toolkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurrican1/diarization-bot/internal/transcript"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "clean",
			input: `{"words":[]}`,
			want:  `{"words":[]}`,
		},
		{
			name:  "warnings before result",
			input: "Lightning automatically upgraded your loaded checkpoint\nModel was trained with pyannote.audio 0.0.1, yours is 3.1.1. Bad things might happen\n{\"turns\":[{\"speaker_label\":\"SPEAKER_00\",\"start\":0,\"end\":1}]}\n",
			want:  `{"turns":[{"speaker_label":"SPEAKER_00","start":0,"end":1}]}`,
		},
		{
			name:  "last object wins",
			input: `{"progress":10}` + "\n" + `{"progress":100}` + "\n" + `{"words":[{"text":"a"}]}`,
			want:  `{"words":[{"text":"a"}]}`,
		},
		{
			name:  "braces inside strings",
			input: `{"words":[{"text":"}{"}]}`,
			want:  `{"words":[{"text":"}{"}]}`,
		},
		{
			name:  "pretty printed",
			input: "{\n  \"embedding\": [\n    0.1,\n    0.2\n  ]\n}",
			want:  "{\n  \"embedding\": [\n    0.1,\n    0.2\n  ]\n}",
		},
		{
			name:  "trailing truncated object is skipped",
			input: `{"words":[]}` + "\n" + `{"words":[`,
			want:  `{"words":[]}`,
		},
		{
			name:  "unbalanced brace in progress line",
			input: "Transcribing {chunk 3/10: 30%\n{\"words\":[{\"text\":\"a\",\"start\":0,\"end\":1}]}\n",
			want:  `{"words":[{"text":"a","start":0,"end":1}]}`,
		},
		{
			name:  "unbalanced brace with quote before result",
			input: "{\"loading model\n  {\"turns\":[]}",
			want:  `{"turns":[]}`,
		},
		{
			name:  "truncated result does not surface its inner objects",
			input: `{"words":[]}` + "\n" + `{"words":[{"text":"a"}`,
			want:  `{"words":[]}`,
		},
		{
			name:    "no json",
			input:   "Traceback (most recent call last):\n  RuntimeError: CUDA error",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestParseWords(t *testing.T) {
	stdout := `loading model...
{"language":"ru","words":[
  {"word":" привет","start":0.0,"end":0.4,"score":0.91},
  {"text":"мир","start":0.5,"end":0.9,"confidence":0.8}
]}`

	out, err := ParseWords("transcribe", []byte(stdout))
	require.NoError(t, err)

	assert.Equal(t, "ru", out.Language)
	assert.Equal(t, []transcript.Word{
		{Text: "привет", Start: 0, End: 0.4, Confidence: 0.91},
		{Text: "мир", Start: 0.5, End: 0.9, Confidence: 0.8},
	}, out.Words)
	assert.Contains(t, string(out.Raw), `"language":"ru"`)
}

func TestParseWords_InheritsMissingTimings(t *testing.T) {
	stdout := `{"words":[
  {"text":"в","start":1.0,"end":1.2},
  {"text":"2024"},
  {"text":"году","start":2.0,"end":2.5},
  {"text":"100%"}
]}`

	out, err := ParseWords("align", []byte(stdout))
	require.NoError(t, err)
	require.Len(t, out.Words, 4)

	assert.Equal(t, 1.2, out.Words[1].Start, "starts where the previous word ended")
	assert.Equal(t, 2.0, out.Words[1].End, "ends where the next word starts")
	assert.Equal(t, 2.5, out.Words[3].Start)
	assert.Equal(t, 2.5, out.Words[3].End, "last word collapses to a point")
}

func TestParseWords_LeadingWordWithoutTimings(t *testing.T) {
	out, err := ParseWords("align", []byte(`{"words":[{"text":"1."},{"text":"пункт","start":0.7,"end":1.1}]}`))
	require.NoError(t, err)

	assert.Equal(t, 0.7, out.Words[0].Start)
	assert.Equal(t, 0.7, out.Words[0].End)
}

func TestParseWords_Malformed(t *testing.T) {
	for name, stdout := range map[string]string{
		"no json":       "Killed",
		"missing words": `{"segments":[]}`,
		"wrong type":    `{"words":"oops"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWords("transcribe", []byte(stdout))
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
			assert.Contains(t, err.Error(), "transcribe")
		})
	}
}

func TestParseTurns(t *testing.T) {
	out, err := ParseTurns("diarize", []byte(`{"turns":[
  {"speaker_label":"SPEAKER_00","start":0.0,"end":3.5},
  {"speaker":"SPEAKER_01","start":3.5,"end":6.0}
]}`))
	require.NoError(t, err)
	assert.Equal(t, []transcript.Turn{
		{ClusterID: "SPEAKER_00", Start: 0, End: 3.5},
		{ClusterID: "SPEAKER_01", Start: 3.5, End: 6},
	}, out.Turns)

	_, err = ParseTurns("diarize", []byte(`{"turns":[{"start":0,"end":1}]}`))
	assert.True(t, IsMalformed(err))

	empty, err := ParseTurns("diarize", []byte(`{"turns":[]}`))
	require.NoError(t, err)
	assert.Empty(t, empty.Turns)
}

func TestParseEmbedding(t *testing.T) {
	vec, err := ParseEmbedding("embed", []byte("warn\n{\"embedding\":[0.25,-0.5,1]}"))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, -0.5, 1}, vec)

	_, err = ParseEmbedding("embed", []byte(`{"embedding":[]}`))
	assert.True(t, IsMalformed(err))
}
