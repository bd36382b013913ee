// Package output renders resolved transcripts as job artifacts.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/hurrican1/diarization-bot/internal/transcript"
)

// Artifact file names inside a run directory.
const (
	TextFileName = "meeting_diarized.txt"
	JSONFileName = "transcript.json"
)

// FormatTimestamp renders seconds as HH:MM:SS, truncating fractions.
func FormatTimestamp(seconds float64) string {
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	total := int64(math.Floor(seconds))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatLine renders one utterance as `[HH:MM:SS–HH:MM:SS] Speaker: text`.
func FormatLine(u transcript.Utterance) string {
	return fmt.Sprintf("[%s–%s] %s: %s",
		FormatTimestamp(u.Start), FormatTimestamp(u.End), u.SpeakerLabel(), u.Text())
}

// WriteText writes one line per utterance. Utterances without text are skipped.
func WriteText(w io.Writer, utts []transcript.Utterance) error {
	bw := bufio.NewWriter(w)
	first := true
	for _, u := range utts {
		if u.Text() == "" {
			continue
		}
		if !first {
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
		}
		first = false
		if _, err := bw.WriteString(FormatLine(u)); err != nil {
			return err
		}
	}
	if !first {
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Speaker summarizes one speaker in the JSON document.
type Speaker struct {
	ClusterID  string  `json:"cluster_id"`
	Label      string  `json:"label"`
	Source     string  `json:"source,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Document is the machine-readable transcript.
type Document struct {
	JobID      string                 `json:"job_id"`
	Source     string                 `json:"source"`
	Language   string                 `json:"language,omitempty"`
	Degraded   bool                   `json:"degraded"`
	CreatedAt  time.Time              `json:"created_at"`
	Speakers   []Speaker              `json:"speakers"`
	Utterances []transcript.Utterance `json:"utterances"`
}

// NewDocument builds a Document and its speaker summary.
func NewDocument(jobID, source, language string, degraded bool, utts []transcript.Utterance) *Document {
	doc := &Document{
		JobID:      jobID,
		Source:     source,
		Language:   language,
		Degraded:   degraded,
		CreatedAt:  time.Now().UTC(),
		Speakers:   []Speaker{},
		Utterances: utts,
	}
	if doc.Utterances == nil {
		doc.Utterances = []transcript.Utterance{}
	}

	seen := map[string]bool{}
	for _, u := range utts {
		if seen[u.ClusterID] {
			continue
		}
		seen[u.ClusterID] = true
		s := Speaker{ClusterID: u.ClusterID, Label: u.SpeakerLabel()}
		if r, ok := u.Speaker.(transcript.Resolved); ok {
			s.Source = string(r.Source)
			s.Similarity = r.Similarity
		}
		doc.Speakers = append(doc.Speakers, s)
	}
	return doc
}

// WriteTextFile writes the text artifact atomically.
func WriteTextFile(path string, utts []transcript.Utterance) error {
	return writeAtomic(path, func(w io.Writer) error { return WriteText(w, utts) })
}

// WriteJSONFile writes the JSON document atomically.
func WriteJSONFile(path string, doc *Document) error {
	return writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(doc)
	})
}

// ReadJSONFile loads a document written by WriteJSONFile.
func ReadJSONFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &doc, nil
}

// RunDir returns <root>/<YYYYmmdd_HHMMSS>_<first 8 chars of id>.
func RunDir(root, jobID string, now time.Time) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(root, now.Format("20060102_150405")+"_"+short)
}

func writeAtomic(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
