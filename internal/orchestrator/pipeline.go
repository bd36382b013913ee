package orchestrator

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/hurrican1/diarization-bot/internal/output"
	"github.com/hurrican1/diarization-bot/internal/stage"
	"github.com/hurrican1/diarization-bot/internal/transcript"
)

var stagePhases = map[stage.Stage]Phase{
	stage.Transcribe: PhaseTranscribing,
	stage.Align:      PhaseAligning,
	stage.Diarize:    PhaseDiarizing,
}

// process runs one job to completion. It is called by exactly one worker and
// returns nil on success.
func (o *Orchestrator) process(ctx context.Context, rec *record) *JobError {
	id, source, opts := rec.ID, rec.SourceRef, rec.Options

	fail := func(phase Phase, reason FailureReason, err error) *JobError {
		if reason == "" || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = classify(ctx, err)
		}
		return &JobError{JobID: id, Phase: phase, Reason: reason, Cause: err}
	}

	// Fetch and normalize.
	if err := o.checkpoint(ctx, rec, PhaseFetching); err != nil {
		return fail(PhaseFetching, ReasonInternal, err)
	}
	dir, err := o.deps.Paths.EnsureJobDir(id)
	if err != nil {
		return fail(PhaseFetching, ReasonInternal, err)
	}
	input, err := o.deps.Fetcher.Fetch(ctx, source, dir)
	if err != nil {
		return fail(PhaseFetching, "", err)
	}
	audio := o.deps.Paths.GetNormalizedAudioPath(id)
	if err := o.deps.Converter.ConvertAudio(ctx, input, audio); err != nil {
		return fail(PhaseFetching, ReasonInvalidAudio, err)
	}
	o.update(rec, func(j *Job) {
		j.InputAudioPath = input
		j.AudioPath = audio
	})

	// Toolkit stages.
	raw, err := o.deps.Runner.Run(ctx, stage.Request{
		JobID:       id,
		AudioPath:   audio,
		WorkDir:     dir,
		Model:       opts.Model,
		Language:    opts.Language,
		AlignModel:  opts.AlignModel,
		Align:       opts.Align,
		Diarize:     opts.Diarize,
		NumSpeakers: opts.NumSpeakers,
	}, func(st stage.Stage) error {
		return o.checkpoint(ctx, rec, stagePhases[st])
	})
	if err != nil {
		return fail(o.phase(rec), "", err)
	}

	// Merge.
	if err := o.checkpoint(ctx, rec, PhaseMerging); err != nil {
		return fail(PhaseMerging, ReasonInternal, err)
	}
	utts, err := transcript.Merge(raw.Words, raw.Turns)
	if err != nil {
		return fail(PhaseMerging, "", err)
	}

	// Resolve.
	if err := o.checkpoint(ctx, rec, PhaseResolving); err != nil {
		return fail(PhaseResolving, ReasonInternal, err)
	}
	res := o.deps.Resolver.Resolve(ctx, utts, audio, o.deps.Profiles.Snapshot(), opts.SpeakerMap)
	if err := ctx.Err(); err != nil {
		return fail(PhaseResolving, "", err)
	}
	if res.Degraded {
		o.logger.Info("speaker resolution degraded", "job_id", id)
	}

	// Write artifacts.
	if err := o.checkpoint(ctx, rec, PhaseWriting); err != nil {
		return fail(PhaseWriting, ReasonInternal, err)
	}
	language := raw.Language
	if language == "" {
		language = opts.Language
	}
	runDir := output.RunDir(o.cfg.OutputRoot, id, o.now())
	textPath := filepath.Join(runDir, output.TextFileName)
	jsonPath := filepath.Join(runDir, output.JSONFileName)
	if err := output.WriteTextFile(textPath, res.Utterances); err != nil {
		return fail(PhaseWriting, ReasonInternal, err)
	}
	doc := output.NewDocument(id, source, language, res.Degraded, res.Utterances)
	if err := output.WriteJSONFile(jsonPath, doc); err != nil {
		return fail(PhaseWriting, ReasonInternal, err)
	}

	var keys []string
	if o.deps.Publisher != nil {
		keys, err = o.deps.Publisher.Publish(ctx, id, []string{textPath, jsonPath})
		if err != nil {
			o.logger.Warn("failed to publish artifacts", "job_id", id, "error", err)
		}
	}

	o.update(rec, func(j *Job) {
		j.OutputDir = runDir
		j.OutputPath = textPath
		j.JSONPath = jsonPath
		j.PublishedKeys = keys
		j.Degraded = res.Degraded
		j.Utterances = len(res.Utterances)
	})

	if o.deps.Enroller != nil && len(opts.SpeakerMap) > 0 {
		result, err := o.deps.Enroller.Enroll(ctx, audio, res.Utterances, opts.SpeakerMap)
		if err != nil {
			o.logger.Warn("automatic enrollment failed", "job_id", id, "error", err)
		} else {
			o.logger.Info("speakers enrolled", "job_id", id, "enrolled", len(result.Enrolled), "skipped", result.Skipped)
		}
	}
	return nil
}

// checkpoint is the stage boundary: it records the phase and refuses to
// continue once the job has been cancelled or its context has ended.
func (o *Orchestrator) checkpoint(ctx context.Context, rec *record, phase Phase) error {
	o.mu.Lock()
	if rec.State != StateRunning {
		o.mu.Unlock()
		return errCancelled
	}
	rec.Phase = phase
	o.mu.Unlock()

	o.logger.Debug("job phase", "job_id", rec.ID, "phase", phase)
	return ctx.Err()
}

// update applies fn unless the job already reached a terminal state.
func (o *Orchestrator) update(rec *record, fn func(*Job)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !rec.State.Terminal() {
		fn(&rec.Job)
	}
}

func (o *Orchestrator) phase(rec *record) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return rec.Phase
}
