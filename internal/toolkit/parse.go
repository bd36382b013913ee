package toolkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hurrican1/diarization-bot/internal/transcript"
)

// ExtractJSON returns the last well-formed top-level JSON object in out.
// Model scripts print warnings and progress bars before their result, so
// stdout is scanned instead of decoded as a whole.
func ExtractJSON(out []byte) ([]byte, error) {
	objects := splitTopLevelObjects(out)
	for i := len(objects) - 1; i >= 0; i-- {
		if json.Valid(objects[i]) {
			return objects[i], nil
		}
	}
	return nil, errors.New("no JSON object found")
}

// splitTopLevelObjects scans b and extracts consecutive top-level JSON objects.
// Braces inside strings are ignored. An object left open at the end, such as
// a stray brace in a progress line, is abandoned and the scan resumes at the
// next line that starts with a brace.
func splitTopLevelObjects(b []byte) [][]byte {
	var out [][]byte
	depth := 0
	inString := false
	escaped := false
	start := -1
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			// quotes outside an object are log noise
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, b[start:i+1])
					start = -1
				}
			}
		}
	}
	if depth > 0 && start >= 0 {
		if next := nextLineObject(b, start+1); next >= 0 {
			out = append(out, splitTopLevelObjects(b[next:])...)
		}
	}
	return out
}

// nextLineObject returns the index of the first '{' at or after from that is
// the first non-blank byte of its line, or -1.
func nextLineObject(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		j := i + 1
		for j < len(b) && (b[j] == ' ' || b[j] == '\t' || b[j] == '\r') {
			j++
		}
		if j < len(b) && b[j] == '{' {
			return j
		}
	}
	return -1
}

// rawWord accepts both the WhisperX field names (word, score) and ours.
type rawWord struct {
	Text       string   `json:"text"`
	Word       string   `json:"word"`
	Start      *float64 `json:"start"`
	End        *float64 `json:"end"`
	Confidence *float64 `json:"confidence"`
	Score      *float64 `json:"score"`
}

type wordsPayload struct {
	Language string    `json:"language"`
	Words    []rawWord `json:"words"`
}

type rawTurn struct {
	SpeakerLabel string  `json:"speaker_label"`
	Speaker      string  `json:"speaker"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
}

type turnsPayload struct {
	Turns []rawTurn `json:"turns"`
}

type embeddingPayload struct {
	Embedding []float64 `json:"embedding"`
}

// ParseWords parses transcribe or align stdout.
func ParseWords(op string, stdout []byte) (*WordsOutput, error) {
	raw, err := ExtractJSON(stdout)
	if err != nil {
		return nil, &MalformedOutputError{Op: op, Err: err}
	}
	var payload wordsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &MalformedOutputError{Op: op, Err: err}
	}
	if payload.Words == nil {
		return nil, &MalformedOutputError{Op: op, Err: errors.New(`missing "words"`)}
	}
	return &WordsOutput{
		Words:    fillTimings(payload.Words),
		Language: payload.Language,
		Raw:      raw,
	}, nil
}

// ParseTurns parses diarize stdout.
func ParseTurns(op string, stdout []byte) (*TurnsOutput, error) {
	raw, err := ExtractJSON(stdout)
	if err != nil {
		return nil, &MalformedOutputError{Op: op, Err: err}
	}
	var payload turnsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &MalformedOutputError{Op: op, Err: err}
	}
	if payload.Turns == nil {
		return nil, &MalformedOutputError{Op: op, Err: errors.New(`missing "turns"`)}
	}

	turns := make([]transcript.Turn, 0, len(payload.Turns))
	for i, rt := range payload.Turns {
		label := rt.SpeakerLabel
		if label == "" {
			label = rt.Speaker
		}
		if label == "" {
			return nil, &MalformedOutputError{Op: op, Err: fmt.Errorf("turn %d has no speaker label", i)}
		}
		turns = append(turns, transcript.Turn{ClusterID: label, Start: rt.Start, End: rt.End})
	}
	return &TurnsOutput{Turns: turns, Raw: raw}, nil
}

// ParseEmbedding parses embed stdout.
func ParseEmbedding(op string, stdout []byte) ([]float64, error) {
	raw, err := ExtractJSON(stdout)
	if err != nil {
		return nil, &MalformedOutputError{Op: op, Err: err}
	}
	var payload embeddingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &MalformedOutputError{Op: op, Err: err}
	}
	if len(payload.Embedding) == 0 {
		return nil, &MalformedOutputError{Op: op, Err: errors.New("empty embedding")}
	}
	return payload.Embedding, nil
}

// fillTimings converts raw words, inheriting missing timings from neighbours.
// Alignment leaves numerals and symbols without timestamps; such a word
// starts where the previous word ended and ends where the next word starts.
func fillTimings(raw []rawWord) []transcript.Word {
	words := make([]transcript.Word, 0, len(raw))
	for i, rw := range raw {
		text := rw.Text
		if text == "" {
			text = rw.Word
		}
		w := transcript.Word{Text: strings.TrimSpace(text)}
		switch {
		case rw.Confidence != nil:
			w.Confidence = *rw.Confidence
		case rw.Score != nil:
			w.Confidence = *rw.Score
		}

		next, hasNext := nextKnownStart(raw, i+1)
		switch {
		case rw.Start != nil:
			w.Start = *rw.Start
		case len(words) > 0:
			w.Start = words[len(words)-1].End
		case rw.End != nil:
			w.Start = *rw.End
		case hasNext:
			w.Start = next
		}
		if rw.End != nil && rw.Start == nil && w.Start > *rw.End {
			w.Start = *rw.End
		}

		switch {
		case rw.End != nil:
			w.End = *rw.End
		case hasNext && next >= w.Start:
			w.End = next
		default:
			w.End = w.Start
		}
		words = append(words, w)
	}
	return words
}

func nextKnownStart(raw []rawWord, from int) (float64, bool) {
	for j := from; j < len(raw); j++ {
		if raw[j].Start != nil {
			return *raw[j].Start, true
		}
	}
	return 0, false
}
