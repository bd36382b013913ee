// Package transcript holds the time-aligned data model shared by the pipeline
// (words, diarization turns, utterances and speaker resolutions) together with
// the merger that combines ASR and diarization output.
package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Word is a single recognized token. Times are seconds from the start of the audio.
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Midpoint returns the centre of the word interval.
func (w Word) Midpoint() float64 {
	return (w.Start + w.End) / 2
}

// Turn is one diarization interval. ClusterID is only meaningful inside one job.
type Turn struct {
	ClusterID string  `json:"speaker_label"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// Contains reports whether t lies inside the turn, bounds included.
func (tr Turn) Contains(t float64) bool {
	return t >= tr.Start && t <= tr.End
}

// distance is zero inside the turn and the gap to the nearest edge outside it.
func (tr Turn) distance(t float64) float64 {
	switch {
	case t < tr.Start:
		return tr.Start - t
	case t > tr.End:
		return t - tr.End
	default:
		return 0
	}
}

// Span is a closed time interval in seconds.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End-Start, never negative.
func (s Span) Duration() float64 {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

// ResolutionSource tells how an identity was obtained.
type ResolutionSource string

const (
	SourceEmbedding  ResolutionSource = "embedding"
	SourceSpeakerMap ResolutionSource = "speaker_map"
)

// Resolution is the outcome of mapping a cluster to a person.
// It is either Resolved or Unresolved; callers type-switch on it.
type Resolution interface {
	Label() string
	isResolution()
}

// Resolved carries the identity chosen for a cluster.
type Resolved struct {
	Identity   string
	Similarity float64
	Source     ResolutionSource
}

func (r Resolved) Label() string { return r.Identity }
func (Resolved) isResolution()   {}

// Unresolved marks a cluster without an acceptable enrollment match.
// Ordinal numbers unresolved clusters from 1 in order of first appearance.
type Unresolved struct {
	Ordinal int
}

func (u Unresolved) Label() string { return fmt.Sprintf("unknown speaker %d", u.Ordinal) }
func (Unresolved) isResolution()   {}

// Utterance is a maximal run of words attributed to one cluster.
// Speaker stays nil until the resolver runs.
type Utterance struct {
	ClusterID string
	Speaker   Resolution
	Words     []Word
	Start     float64
	End       float64
}

// Text joins the word texts with single spaces.
func (u Utterance) Text() string {
	parts := make([]string, 0, len(u.Words))
	for _, w := range u.Words {
		if t := strings.TrimSpace(w.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Span returns the utterance interval.
func (u Utterance) Span() Span {
	return Span{Start: u.Start, End: u.End}
}

// SpeakerLabel renders the speaker for presentation. Before resolution it
// falls back to the raw cluster id.
func (u Utterance) SpeakerLabel() string {
	if u.Speaker != nil {
		return u.Speaker.Label()
	}
	if u.ClusterID != "" {
		return u.ClusterID
	}
	return "unknown speaker"
}

type utteranceJSON struct {
	ClusterID      string  `json:"cluster_id,omitempty"`
	Speaker        string  `json:"speaker"`
	Identity       string  `json:"identity,omitempty"`
	Similarity     float64 `json:"similarity,omitempty"`
	Source         string  `json:"source,omitempty"`
	UnknownOrdinal int     `json:"unknown_ordinal,omitempty"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Text           string  `json:"text"`
	Words          []Word  `json:"words"`
}

// MarshalJSON flattens the resolution variant into explicit fields.
func (u Utterance) MarshalJSON() ([]byte, error) {
	out := utteranceJSON{
		ClusterID: u.ClusterID,
		Speaker:   u.SpeakerLabel(),
		Start:     u.Start,
		End:       u.End,
		Text:      u.Text(),
		Words:     u.Words,
	}
	switch r := u.Speaker.(type) {
	case Resolved:
		out.Identity = r.Identity
		out.Similarity = r.Similarity
		out.Source = string(r.Source)
	case Unresolved:
		out.UnknownOrdinal = r.Ordinal
	}
	if out.Words == nil {
		out.Words = []Word{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the resolution variant written by MarshalJSON.
func (u *Utterance) UnmarshalJSON(data []byte) error {
	var in utteranceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*u = Utterance{
		ClusterID: in.ClusterID,
		Words:     in.Words,
		Start:     in.Start,
		End:       in.End,
	}
	switch {
	case in.Identity != "":
		u.Speaker = Resolved{Identity: in.Identity, Similarity: in.Similarity, Source: ResolutionSource(in.Source)}
	case in.UnknownOrdinal > 0:
		u.Speaker = Unresolved{Ordinal: in.UnknownOrdinal}
	}
	return nil
}
