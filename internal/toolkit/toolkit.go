// Package toolkit provides an abstraction layer over the external speech-model
// toolkit (WhisperX for ASR and alignment, pyannote for diarization and voice
// embeddings, ffmpeg for audio preparation).
//
// Every model call is a subprocess that prints JSON on stdout. Implementations
// run those subprocesses through a dependency.DependencyExecutor, so the
// toolkit may live on the host or behind the remote toolkit service.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hurrican1/diarization-bot/internal/transcript"
)

// ErrInvalidCommand marks a command rejected by validation before it ran.
var ErrInvalidCommand = errors.New("invalid toolkit command")

// MalformedOutputError reports stdout that did not contain the expected JSON.
// The same input produces the same output, so callers must not retry it.
type MalformedOutputError struct {
	Op  string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("%s: malformed output: %v", e.Op, e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedOutputError.
func IsMalformed(err error) bool {
	var m *MalformedOutputError
	return errors.As(err, &m)
}

// TranscribeRequest holds the inputs of the ASR stage.
type TranscribeRequest struct {
	AudioPath string
	Model     string // e.g. "medium", "large-v3"
	Language  string // ISO 639-1; empty means auto-detect
}

// AlignRequest holds the inputs of the alignment stage. TranscriptPath points
// at the raw transcribe output written by the previous stage.
type AlignRequest struct {
	AudioPath      string
	TranscriptPath string
	Language       string
	AlignModel     string
}

// DiarizeRequest holds the inputs of the diarization stage.
type DiarizeRequest struct {
	AudioPath   string
	NumSpeakers int // 0 means auto-detect
}

// WordsOutput is the parsed result of the transcribe and align stages.
type WordsOutput struct {
	Words    []transcript.Word
	Language string
	// Raw is the JSON object extracted from stdout, kept for the job directory.
	Raw json.RawMessage
}

// TurnsOutput is the parsed result of the diarize stage.
type TurnsOutput struct {
	Turns []transcript.Turn
	Raw   json.RawMessage
}

// Toolkit defines the operations the pipeline needs from the speech toolkit.
// Implementations must respect context cancellation; a cancelled context
// kills the underlying subprocess.
type Toolkit interface {
	// Transcribe runs ASR and returns words with raw timings.
	Transcribe(ctx context.Context, req TranscribeRequest) (*WordsOutput, error)

	// Align refines word timings against the audio signal.
	Align(ctx context.Context, req AlignRequest) (*WordsOutput, error)

	// Diarize splits the audio into anonymous speaker turns.
	Diarize(ctx context.Context, req DiarizeRequest) (*TurnsOutput, error)

	// Embed returns the voice embedding of a short clip.
	Embed(ctx context.Context, clipPath string) ([]float64, error)

	// ConvertAudio writes a 16 kHz mono WAV copy of inputPath to outputPath.
	ConvertAudio(ctx context.Context, inputPath, outputPath string) error

	// ExtractClip cuts span out of audioPath into a 16 kHz mono WAV at dest.
	ExtractClip(ctx context.Context, audioPath string, span transcript.Span, dest string) error

	// HealthCheck verifies that the toolkit is operational.
	HealthCheck(ctx context.Context) (bool, error)

	// Name identifies the implementation in logs and health reports.
	Name() string
}

// Provider hands out the toolkit that should serve the next call.
type Provider interface {
	GetToolkit() Toolkit
}

// Follow returns a Toolkit that forwards every call to the provider's current
// toolkit, so long-lived users pick up degradation and recovery switches.
func Follow(p Provider) Toolkit {
	return &following{provider: p}
}

type following struct {
	provider Provider
}

func (f *following) Transcribe(ctx context.Context, req TranscribeRequest) (*WordsOutput, error) {
	return f.provider.GetToolkit().Transcribe(ctx, req)
}

func (f *following) Align(ctx context.Context, req AlignRequest) (*WordsOutput, error) {
	return f.provider.GetToolkit().Align(ctx, req)
}

func (f *following) Diarize(ctx context.Context, req DiarizeRequest) (*TurnsOutput, error) {
	return f.provider.GetToolkit().Diarize(ctx, req)
}

func (f *following) Embed(ctx context.Context, clipPath string) ([]float64, error) {
	return f.provider.GetToolkit().Embed(ctx, clipPath)
}

func (f *following) ConvertAudio(ctx context.Context, inputPath, outputPath string) error {
	return f.provider.GetToolkit().ConvertAudio(ctx, inputPath, outputPath)
}

func (f *following) ExtractClip(ctx context.Context, audioPath string, span transcript.Span, dest string) error {
	return f.provider.GetToolkit().ExtractClip(ctx, audioPath, span, dest)
}

func (f *following) HealthCheck(ctx context.Context) (bool, error) {
	return f.provider.GetToolkit().HealthCheck(ctx)
}

func (f *following) Name() string {
	return f.provider.GetToolkit().Name()
}
