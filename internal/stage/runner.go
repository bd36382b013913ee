// Package stage runs the speech toolkit stages of one job: transcribe, then
// align, then diarize. Every stage call is bounded by a timeout, retried with
// exponential backoff and limited by a per-stage semaphore.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/toolkit"
	"github.com/hurrican1/diarization-bot/internal/transcript"
	"github.com/hurrican1/diarization-bot/pkg/metrics"
)

// Stage names a toolkit stage.
type Stage string

const (
	Transcribe Stage = "transcribe"
	Align      Stage = "align"
	Diarize    Stage = "diarize"
)

// Policy bounds a stage.
type Policy struct {
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// BackoffConfig shapes the delay between retries.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Config holds the policies of all stages.
type Config struct {
	Policies map[Stage]Policy
	Backoff  BackoffConfig
}

// DefaultConfig returns the production defaults. GPU stages run one at a time.
func DefaultConfig() Config {
	return Config{
		Policies: map[Stage]Policy{
			Transcribe: {Timeout: 30 * time.Minute, MaxRetries: 2, MaxConcurrent: 1},
			Align:      {Timeout: 15 * time.Minute, MaxRetries: 2, MaxConcurrent: 1},
			Diarize:    {Timeout: 30 * time.Minute, MaxRetries: 2, MaxConcurrent: 1},
		},
		Backoff: BackoffConfig{
			InitialInterval: 2 * time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
		},
	}
}

// Budget returns the worst-case time the given stages may take, counting
// every retry.
func (c Config) Budget(stages []Stage) time.Duration {
	var total time.Duration
	for _, st := range stages {
		p := c.Policies[st]
		total += p.Timeout * time.Duration(p.MaxRetries+1)
	}
	return total
}

// StageError reports a stage that failed after all attempts, or whose output
// could not be used.
type StageError struct {
	Stage    Stage
	Attempts int
	Cause    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// Request describes one pipeline run.
type Request struct {
	JobID       string
	AudioPath   string
	WorkDir     string // job-scoped directory for raw <stage>.json files
	Model       string
	Language    string
	AlignModel  string
	Align       bool
	Diarize     bool
	NumSpeakers int
}

// Stages lists the enabled stages in execution order.
func (r Request) Stages() []Stage {
	stages := []Stage{Transcribe}
	if r.Align {
		stages = append(stages, Align)
	}
	if r.Diarize {
		stages = append(stages, Diarize)
	}
	return stages
}

// RawResult is the toolkit output of one run, ready for the merger.
type RawResult struct {
	Words    []transcript.Word
	Turns    []transcript.Turn
	Language string
	Files    map[Stage]string
}

// Observer is called before each stage. A non-nil error aborts the run and
// is returned unchanged.
type Observer func(Stage) error

// Runner executes stages against a toolkit.
type Runner struct {
	tk     toolkit.Toolkit
	cfg    Config
	sems   map[Stage]*semaphore.Weighted
	logger *slog.Logger
}

// NewRunner creates a Runner. Stages missing from cfg get the defaults.
func NewRunner(tk toolkit.Toolkit, cfg Config, logger *slog.Logger) *Runner {
	defaults := DefaultConfig()
	policies := make(map[Stage]Policy, len(defaults.Policies))
	for st, p := range cfg.Policies {
		policies[st] = p
	}
	cfg.Policies = policies
	for st, def := range defaults.Policies {
		p, ok := cfg.Policies[st]
		if !ok {
			p = def
		}
		if p.Timeout <= 0 {
			p.Timeout = def.Timeout
		}
		cfg.Policies[st] = p
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	sems := make(map[Stage]*semaphore.Weighted, len(cfg.Policies))
	for st, p := range cfg.Policies {
		n := p.MaxConcurrent
		if n < 1 {
			n = 1
		}
		sems[st] = semaphore.NewWeighted(int64(n))
	}

	return &Runner{tk: tk, cfg: cfg, sems: sems, logger: logger.With("component", "stage")}
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Run executes the enabled stages in order. Cancellation of ctx stops the run
// and is returned as ctx.Err(), never as a StageError.
func (r *Runner) Run(ctx context.Context, req Request, observe Observer) (*RawResult, error) {
	if err := os.MkdirAll(req.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	result := &RawResult{Files: map[Stage]string{}}
	var rawWords []transcript.Word

	for _, st := range req.Stages() {
		if observe != nil {
			if err := observe(st); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var raw []byte
		err := r.runStage(ctx, req.JobID, st, func(ctx context.Context) error {
			switch st {
			case Transcribe:
				out, err := r.tk.Transcribe(ctx, toolkit.TranscribeRequest{
					AudioPath: req.AudioPath,
					Model:     req.Model,
					Language:  req.Language,
				})
				if err != nil {
					return err
				}
				rawWords, result.Words, result.Language, raw = out.Words, out.Words, out.Language, out.Raw
			case Align:
				language := req.Language
				if language == "" {
					language = result.Language
				}
				out, err := r.tk.Align(ctx, toolkit.AlignRequest{
					AudioPath:      req.AudioPath,
					TranscriptPath: result.Files[Transcribe],
					Language:       language,
					AlignModel:     req.AlignModel,
				})
				if err != nil {
					return err
				}
				result.Words, raw = transcript.ApplyAlignment(rawWords, out.Words), out.Raw
			case Diarize:
				out, err := r.tk.Diarize(ctx, toolkit.DiarizeRequest{
					AudioPath:   req.AudioPath,
					NumSpeakers: req.NumSpeakers,
				})
				if err != nil {
					return err
				}
				result.Turns, raw = out.Turns, out.Raw
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		path := filepath.Join(req.WorkDir, string(st)+".json")
		if err := writeRaw(path, raw); err != nil {
			return nil, err
		}
		result.Files[st] = path
	}

	return result, nil
}

// runStage calls fn until it succeeds, fails permanently or runs out of retries.
func (r *Runner) runStage(ctx context.Context, jobID string, st Stage, fn func(context.Context) error) error {
	policy := r.cfg.Policies[st]
	sem := r.sems[st]

	if err := r.acquireSlot(ctx, jobID, st, sem); err != nil {
		return err
	}
	defer sem.Release(1)

	start := time.Now()
	defer func() { metrics.RecordStageDuration(string(st), time.Since(start).Seconds()) }()

	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			metrics.RecordStageAttempt(string(st), "success")
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !dependency.IsTimeout(err) {
			err = fmt.Errorf("%w after %v: %v", dependency.ErrTimeout, policy.Timeout, err)
		}
		if !retryable(err) {
			metrics.RecordStageAttempt(string(st), "failed")
			return backoff.Permanent(err)
		}
		if attempts > policy.MaxRetries {
			metrics.RecordStageAttempt(string(st), "failed")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.RecordStageAttempt(string(st), "retry")
		r.logger.Warn("stage attempt failed, retrying",
			"job_id", jobID,
			"stage", st,
			"attempt", attempts,
			"max_retries", policy.MaxRetries,
			"retry_in", wait.String(),
			"error", err.Error())
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(r.newBackOff(policy.MaxRetries), ctx), notify)
	if err == nil {
		r.logger.Info("stage completed", "job_id", jobID, "stage", st, "attempts", attempts,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	r.logger.Error("stage failed", "job_id", jobID, "stage", st, "attempts", attempts, "error", err.Error())
	return &StageError{Stage: st, Attempts: attempts, Cause: err}
}

func (r *Runner) newBackOff(maxRetries int) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.Backoff.InitialInterval
	if r.cfg.Backoff.MaxInterval > 0 {
		bo.MaxInterval = r.cfg.Backoff.MaxInterval
	}
	if r.cfg.Backoff.Multiplier > 1 {
		bo.Multiplier = r.cfg.Backoff.Multiplier
	}
	// attempts are bounded by count; per-attempt time by the stage timeout
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithMaxRetries(bo, uint64(max(maxRetries, 0)))
}

// retryable reports whether another attempt may succeed. Malformed output and
// rejected commands repeat deterministically.
func retryable(err error) bool {
	if toolkit.IsMalformed(err) || errors.Is(err, toolkit.ErrInvalidCommand) {
		return false
	}
	var remote *dependency.RemoteError
	if errors.As(err, &remote) {
		return remote.StatusCode >= 500 || remote.StatusCode == 429
	}
	return true
}

// writeRaw atomically writes a stage's raw JSON.
func writeRaw(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
