package orchestrator

import (
	"context"
	"maps"
	"slices"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Phase is the step a running job is in.
type Phase string

const (
	PhaseFetching     Phase = "fetching"
	PhaseTranscribing Phase = "transcribing"
	PhaseAligning     Phase = "aligning"
	PhaseDiarizing    Phase = "diarizing"
	PhaseMerging      Phase = "merging"
	PhaseResolving    Phase = "resolving"
	PhaseWriting      Phase = "writing"
)

// Options control how one job is processed. Empty fields take the
// orchestrator defaults.
type Options struct {
	Model       string            `json:"model,omitempty"`
	Language    string            `json:"language,omitempty"`
	AlignModel  string            `json:"align_model,omitempty"`
	Diarize     bool              `json:"diarize"`
	Align       bool              `json:"align"`
	NumSpeakers int               `json:"num_speakers,omitempty" validate:"gte=0,lte=32"`
	SpeakerMap  map[string]string `json:"speaker_map,omitempty"`
}

// DefaultOptions enables every stage.
func DefaultOptions() Options {
	return Options{Diarize: true, Align: true}
}

// Job is a point-in-time view of a job.
type Job struct {
	ID             string        `json:"id"`
	SourceRef      string        `json:"source_ref"`
	Options        Options       `json:"options"`
	State          State         `json:"status"`
	Phase          Phase         `json:"phase,omitempty"`
	Reason         FailureReason `json:"reason,omitempty"`
	Error          string        `json:"error,omitempty"`
	InputAudioPath string        `json:"input_audio_path,omitempty"`
	AudioPath      string        `json:"audio_path,omitempty"`
	OutputDir      string        `json:"output_dir,omitempty"`
	OutputPath     string        `json:"output_path,omitempty"`
	JSONPath       string        `json:"json_path,omitempty"`
	PublishedKeys  []string      `json:"published_keys,omitempty"`
	Degraded       bool          `json:"degraded"`
	Utterances     int           `json:"utterances,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      time.Time     `json:"started_at,omitzero"`
	FinishedAt     time.Time     `json:"finished_at,omitzero"`
}

// Duration is the time from start of work (or submission, if the job never
// ran) to the terminal state.
func (j Job) Duration() time.Duration {
	if j.FinishedAt.IsZero() {
		return 0
	}
	if j.StartedAt.IsZero() {
		return j.FinishedAt.Sub(j.CreatedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// record is the orchestrator's mutable job entry. All fields are guarded by
// the orchestrator lock.
type record struct {
	Job
	err    *JobError
	cancel context.CancelFunc
	done   chan struct{}
}

func newRecord(id, source string, opts Options, now time.Time) *record {
	return &record{
		Job: Job{
			ID:        id,
			SourceRef: source,
			Options:   opts,
			State:     StatePending,
			CreatedAt: now,
		},
		done: make(chan struct{}),
	}
}

// snapshot copies the job so callers can't race with the worker.
func (r *record) snapshot() Job {
	j := r.Job
	j.Options.SpeakerMap = maps.Clone(r.Options.SpeakerMap)
	j.PublishedKeys = slices.Clone(r.PublishedKeys)
	return j
}
