package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/hurrican1/diarization-bot/internal/fetch"
	"github.com/hurrican1/diarization-bot/internal/stage"
	"github.com/hurrican1/diarization-bot/internal/transcript"
)

var (
	// ErrBusy is returned by Submit when the queue is full.
	ErrBusy = errors.New("orchestrator is busy")
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyFinished is returned when cancelling a terminal job.
	ErrAlreadyFinished = errors.New("job already finished")
	// ErrShuttingDown is returned by Submit after Shutdown started.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrInvalidRequest is returned by Submit for a malformed submission.
	ErrInvalidRequest = errors.New("invalid job request")

	errCancelled = errors.New("job cancelled")
)

// FailureReason classifies why a job failed.
type FailureReason string

const (
	ReasonFetchFailed        FailureReason = "fetch_failed"
	ReasonInvalidAudio       FailureReason = "invalid_audio"
	ReasonModelFailed        FailureReason = "model_failed"
	ReasonTimeout            FailureReason = "timeout"
	ReasonMergeInconsistency FailureReason = "merge_inconsistency"
	ReasonInternal           FailureReason = "internal"
)

// Message returns a short human-readable description for front ends.
func (r FailureReason) Message() string {
	switch r {
	case ReasonFetchFailed:
		return "could not fetch the audio"
	case ReasonInvalidAudio:
		return "audio could not be decoded"
	case ReasonModelFailed:
		return "speech model failed"
	case ReasonTimeout:
		return "processing timed out"
	case ReasonMergeInconsistency:
		return "transcript was inconsistent"
	default:
		return "internal error"
	}
}

// JobError wraps any failure that ends a job.
type JobError struct {
	JobID  string
	Phase  Phase
	Reason FailureReason
	Cause  error
}

func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("job %s failed in %s [%s]: %v", e.JobID, e.Phase, e.Reason, e.Cause)
	}
	return fmt.Sprintf("job %s failed in %s [%s]", e.JobID, e.Phase, e.Reason)
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// classify maps a phase error to a failure reason. A job whose own deadline
// expired is a timeout regardless of where the error surfaced.
func classify(jobCtx context.Context, err error) FailureReason {
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}

	var fetchErr *fetch.Error
	var stageErr *stage.StageError
	var mergeErr *transcript.MergeInconsistency
	switch {
	case errors.As(err, &fetchErr):
		return ReasonFetchFailed
	case errors.As(err, &stageErr):
		return ReasonModelFailed
	case errors.As(err, &mergeErr):
		return ReasonMergeInconsistency
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}
	return ReasonInternal
}
