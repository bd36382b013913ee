package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/transcript"
)

// Config describes how WhisperX commands are built.
type Config struct {
	Python      string // interpreter, e.g. "python"
	Script      string // stage entry point, e.g. "/app/scripts/whisperx_stage.py"
	FFmpeg      string // e.g. "ffmpeg"
	Device      string // "cuda" or "cpu"
	ComputeType string // empty picks float16 on cuda, int8 otherwise
	BatchSize   int
	HFToken     string

	// DefaultTimeout applies when the context carries no deadline.
	DefaultTimeout time.Duration
}

// WhisperX implements Toolkit by running the WhisperX stage script and ffmpeg
// through a dependency executor.
type WhisperX struct {
	executor   dependency.DependencyExecutor
	execConfig dependency.ExecutorConfig
	cfg        Config
	logger     *slog.Logger
}

// NewWhisperX creates a WhisperX toolkit. execConfig supplies the command
// whitelist and shared volume used to validate every command before it runs.
func NewWhisperX(executor dependency.DependencyExecutor, execConfig dependency.ExecutorConfig, cfg Config, logger *slog.Logger) *WhisperX {
	if cfg.Python == "" {
		cfg.Python = "python"
	}
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	if cfg.ComputeType == "" {
		cfg.ComputeType = "int8"
		if cfg.Device == "cuda" {
			cfg.ComputeType = "float16"
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperX{
		executor:   executor,
		execConfig: execConfig,
		cfg:        cfg,
		logger:     logger.With("component", "toolkit", "device", cfg.Device),
	}
}

// Transcribe runs `<script> transcribe`.
func (w *WhisperX) Transcribe(ctx context.Context, req TranscribeRequest) (*WordsOutput, error) {
	args := []string{w.cfg.Script, "transcribe",
		"--audio", req.AudioPath,
		"--device", w.cfg.Device,
		"--model", req.Model,
		"--batch_size", strconv.Itoa(w.cfg.BatchSize),
		"--compute_type", w.cfg.ComputeType,
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}

	resp, err := w.run(ctx, "transcribe", w.python(ctx, args))
	if err != nil {
		return nil, err
	}
	out, err := ParseWords("transcribe", []byte(resp.Stdout))
	if err != nil {
		return nil, err
	}
	w.logger.Info("transcription completed", "audio_path", req.AudioPath, "words", len(out.Words), "language", out.Language)
	return out, nil
}

// Align runs `<script> align` over the raw transcribe output.
func (w *WhisperX) Align(ctx context.Context, req AlignRequest) (*WordsOutput, error) {
	args := []string{w.cfg.Script, "align",
		"--audio", req.AudioPath,
		"--transcript", req.TranscriptPath,
		"--device", w.cfg.Device,
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	if req.AlignModel != "" {
		args = append(args, "--align_model", req.AlignModel)
	}

	resp, err := w.run(ctx, "align", w.python(ctx, args))
	if err != nil {
		return nil, err
	}
	return ParseWords("align", []byte(resp.Stdout))
}

// Diarize runs `<script> diarize`.
func (w *WhisperX) Diarize(ctx context.Context, req DiarizeRequest) (*TurnsOutput, error) {
	args := []string{w.cfg.Script, "diarize",
		"--audio", req.AudioPath,
		"--device", w.cfg.Device,
	}
	if req.NumSpeakers > 0 {
		args = append(args, "--num_speakers", strconv.Itoa(req.NumSpeakers))
	}

	resp, err := w.run(ctx, "diarize", w.python(ctx, args))
	if err != nil {
		return nil, err
	}
	out, err := ParseTurns("diarize", []byte(resp.Stdout))
	if err != nil {
		return nil, err
	}
	w.logger.Info("diarization completed", "audio_path", req.AudioPath, "turns", len(out.Turns))
	return out, nil
}

// Embed runs `<script> embed` on a single clip.
func (w *WhisperX) Embed(ctx context.Context, clipPath string) ([]float64, error) {
	args := []string{w.cfg.Script, "embed",
		"--audio", clipPath,
		"--device", w.cfg.Device,
	}
	resp, err := w.run(ctx, "embed", w.python(ctx, args))
	if err != nil {
		return nil, err
	}
	return ParseEmbedding("embed", []byte(resp.Stdout))
}

// ConvertAudio converts inputPath to a 16 kHz mono WAV using FFmpeg.
func (w *WhisperX) ConvertAudio(ctx context.Context, inputPath, outputPath string) error {
	req := dependency.CommandRequest{
		Command: w.cfg.FFmpeg,
		Args: []string{
			"-y", "-loglevel", "error",
			"-i", inputPath,
			"-ar", "16000", // Sample rate 16kHz
			"-ac", "1", // Mono channel
			outputPath,
		},
		Timeout: w.timeout(ctx),
	}
	_, err := w.run(ctx, "convert", req)
	return err
}

// ExtractClip cuts span out of audioPath with FFmpeg.
func (w *WhisperX) ExtractClip(ctx context.Context, audioPath string, span transcript.Span, dest string) error {
	if span.Duration() <= 0 {
		return fmt.Errorf("extract clip: empty span [%.3f, %.3f]", span.Start, span.End)
	}
	req := dependency.CommandRequest{
		Command: w.cfg.FFmpeg,
		Args: []string{
			"-y", "-loglevel", "error",
			"-ss", strconv.FormatFloat(span.Start, 'f', 3, 64),
			"-t", strconv.FormatFloat(span.Duration(), 'f', 3, 64),
			"-i", audioPath,
			"-ar", "16000",
			"-ac", "1",
			dest,
		},
		Timeout: w.timeout(ctx),
	}
	_, err := w.run(ctx, "extract_clip", req)
	return err
}

// HealthCheck asks the executor whether the toolkit binaries are reachable.
func (w *WhisperX) HealthCheck(ctx context.Context) (bool, error) {
	if err := w.executor.HealthCheck(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Name returns "whisperx-<device>".
func (w *WhisperX) Name() string {
	return "whisperx-" + w.cfg.Device
}

// python builds a python command request. The HF token is passed through
// the environment so it never shows up in process listings or audit logs.
func (w *WhisperX) python(ctx context.Context, args []string) dependency.CommandRequest {
	env := map[string]string{}
	if w.cfg.HFToken != "" {
		env["HUGGINGFACE_TOKEN"] = w.cfg.HFToken
		env["HF_TOKEN"] = w.cfg.HFToken
	}
	return dependency.CommandRequest{
		Command: w.cfg.Python,
		Args:    args,
		Env:     env,
		Timeout: w.timeout(ctx),
	}
}

// timeout derives the command timeout from the context deadline so the remote
// service enforces the same budget as the caller.
func (w *WhisperX) timeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return w.cfg.DefaultTimeout
}

// run validates and executes a command.
func (w *WhisperX) run(ctx context.Context, op string, req dependency.CommandRequest) (dependency.CommandResponse, error) {
	if err := dependency.ValidateCommandRequest(req, w.execConfig); err != nil {
		w.logger.Error("command validation failed", "op", op, "error", err.Error())
		return dependency.CommandResponse{}, fmt.Errorf("%s: %w: %v", op, ErrInvalidCommand, err)
	}

	w.logger.Debug("executing toolkit command", "op", op, "command", req.Command, "args", req.Args)
	start := time.Now()
	resp, err := w.executor.ExecuteCommand(ctx, req)
	if err != nil {
		w.logger.Warn("toolkit command failed",
			"op", op,
			"exit_code", resp.ExitCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err.Error(),
		)
		return resp, fmt.Errorf("%s failed: %w", op, err)
	}
	return resp, nil
}
