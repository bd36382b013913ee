package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hurrican1/diarization-bot/internal/transcript"
)

// MockToolkit implements Toolkit without running any model. It returns the
// preset words and turns, which makes it the degraded fallback of last resort
// and the toolkit used by pipeline tests.
//
// Behavior:
//   - Transcribe/Align return Words (empty by default, never an error)
//   - Diarize returns Turns
//   - Embed calls EmbedFunc, or fails when it is nil
//   - HealthCheck returns Healthy (false by default)
//
// Hook, when set, runs before every call with the operation name; a non-nil
// result is returned as the call's error. Tests use it to block or fail calls.
type MockToolkit struct {
	mu sync.Mutex

	Words     []transcript.Word
	Turns     []transcript.Turn
	Language  string
	EmbedFunc func(clipPath string) ([]float64, error)
	Healthy   bool
	Hook      func(ctx context.Context, op string) error

	calls map[string]int
}

// NewMockToolkit creates an empty MockToolkit.
func NewMockToolkit() *MockToolkit {
	return &MockToolkit{}
}

// Calls returns how many times op was invoked.
func (m *MockToolkit) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SetHook replaces Hook. Use it once calls may already be in flight.
func (m *MockToolkit) SetHook(hook func(ctx context.Context, op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hook = hook
}

func (m *MockToolkit) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[op]++
	hook := m.Hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (m *MockToolkit) words(op string) (*WordsOutput, error) {
	m.mu.Lock()
	words := append([]transcript.Word(nil), m.Words...)
	lang := m.Language
	m.mu.Unlock()

	if len(words) == 0 {
		slog.Warn("mock toolkit returning empty transcript (degraded mode)", "op", op)
	}
	raw, err := json.Marshal(struct {
		Language string            `json:"language"`
		Words    []transcript.Word `json:"words"`
	}{lang, words})
	if err != nil {
		return nil, err
	}
	return &WordsOutput{Words: words, Language: lang, Raw: raw}, nil
}

func (m *MockToolkit) Transcribe(ctx context.Context, req TranscribeRequest) (*WordsOutput, error) {
	if err := m.enter(ctx, "transcribe"); err != nil {
		return nil, err
	}
	return m.words("transcribe")
}

func (m *MockToolkit) Align(ctx context.Context, req AlignRequest) (*WordsOutput, error) {
	if err := m.enter(ctx, "align"); err != nil {
		return nil, err
	}
	return m.words("align")
}

func (m *MockToolkit) Diarize(ctx context.Context, req DiarizeRequest) (*TurnsOutput, error) {
	if err := m.enter(ctx, "diarize"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	turns := append([]transcript.Turn(nil), m.Turns...)
	m.mu.Unlock()

	raw, err := json.Marshal(struct {
		Turns []transcript.Turn `json:"turns"`
	}{turns})
	if err != nil {
		return nil, err
	}
	return &TurnsOutput{Turns: turns, Raw: raw}, nil
}

func (m *MockToolkit) Embed(ctx context.Context, clipPath string) ([]float64, error) {
	if err := m.enter(ctx, "embed"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	fn := m.EmbedFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("embed: not available in %s", m.Name())
	}
	return fn(clipPath)
}

// ConvertAudio copies the input unchanged.
func (m *MockToolkit) ConvertAudio(ctx context.Context, inputPath, outputPath string) error {
	if err := m.enter(ctx, "convert"); err != nil {
		return err
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	return os.WriteFile(outputPath, data, 0644)
}

// ExtractClip writes the span bounds into dest so EmbedFunc can tell clips apart.
func (m *MockToolkit) ExtractClip(ctx context.Context, audioPath string, span transcript.Span, dest string) error {
	if err := m.enter(ctx, "extract_clip"); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(fmt.Sprintf("%.3f %.3f", span.Start, span.End)), 0644)
}

// SetHealthy changes the HealthCheck answer.
func (m *MockToolkit) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Healthy = healthy
}

func (m *MockToolkit) HealthCheck(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Healthy, nil
}

// Name returns "mock-degraded".
func (m *MockToolkit) Name() string {
	return "mock-degraded"
}
