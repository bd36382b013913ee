package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/fetch"
	"github.com/hurrican1/diarization-bot/internal/output"
	"github.com/hurrican1/diarization-bot/internal/speaker"
	"github.com/hurrican1/diarization-bot/internal/stage"
	"github.com/hurrican1/diarization-bot/internal/toolkit"
	"github.com/hurrican1/diarization-bot/internal/transcript"
)

// syncBuffer is a goroutine-safe bytes.Buffer for the audit log.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeEnroller struct {
	mu    sync.Mutex
	calls []map[string]string
	err   error
}

func (f *fakeEnroller) Enroll(ctx context.Context, audioPath string, utts []transcript.Utterance, speakerMap map[string]string) (*speaker.EnrollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, speakerMap)
	if f.err != nil {
		return nil, f.err
	}
	return &speaker.EnrollResult{Enrolled: []speaker.EnrolledSpeaker{{Name: "Анна", NewSamples: 1, TotalSamples: 1}}}, nil
}

type fakePublisher struct {
	err error
}

func (f *fakePublisher) Publish(ctx context.Context, jobID string, files []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	keys := make([]string, len(files))
	for i, file := range files {
		keys[i] = "transcripts/" + jobID + "/" + filepath.Base(file)
	}
	return keys, nil
}

type harness struct {
	t       *testing.T
	orch    *Orchestrator
	tk      *toolkit.MockToolkit
	dir     string
	source  string
	audit   *syncBuffer
	release chan struct{}
	once    sync.Once
}

func testStageConfig() stage.Config {
	p := stage.Policy{Timeout: 5 * time.Second, MaxRetries: 0, MaxConcurrent: 8}
	return stage.Config{
		Policies: map[stage.Stage]stage.Policy{stage.Transcribe: p, stage.Align: p, stage.Diarize: p},
		Backoff:  stage.BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2},
	}
}

// newHarness wires a real fetcher, stage runner and resolver over a mock
// toolkit that returns the words "hi there" spoken by SPEAKER_00.
func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	return newLoggedHarness(t, cfg, mutate, nil)
}

func newLoggedHarness(t *testing.T, cfg Config, mutate func(*Deps), log *slog.Logger) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), audit: &syncBuffer{}, release: make(chan struct{})}

	h.tk = toolkit.NewMockToolkit()
	h.tk.Words = []transcript.Word{
		{Text: "hi", Start: 0, End: 0.5, Confidence: 0.9},
		{Text: "there", Start: 0.5, End: 1, Confidence: 0.9},
	}
	h.tk.Turns = []transcript.Turn{{ClusterID: "SPEAKER_00", Start: 0, End: 1}}

	h.source = filepath.Join(h.dir, "meeting.mp3")
	require.NoError(t, os.WriteFile(h.source, []byte("ID3 audio"), 0644))

	fetcher, err := fetch.New(fetch.DefaultConfig(), nil)
	require.NoError(t, err)

	deps := Deps{
		Fetcher:   fetcher,
		Converter: h.tk,
		Runner:    stage.NewRunner(h.tk, testStageConfig(), nil),
		Resolver:  speaker.NewResolver(nil, speaker.DefaultOptions(), nil),
		Paths:     dependency.NewPathManager(filepath.Join(h.dir, "work")),
		Audit:     newWriterAuditLogger(h.audit),
	}
	if mutate != nil {
		mutate(&deps)
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = filepath.Join(h.dir, "outputs")
	}

	h.orch, err = New(cfg, deps, log)
	require.NoError(t, err)
	h.orch.Start()
	t.Cleanup(func() {
		h.unblock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.orch.Shutdown(ctx)
	})
	return h
}

// blockTranscribe makes every transcribe call wait for unblock or its context.
func (h *harness) blockTranscribe() {
	h.tk.SetHook(func(ctx context.Context, op string) error {
		if op != "transcribe" {
			return nil
		}
		select {
		case <-h.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (h *harness) unblock() {
	h.once.Do(func() { close(h.release) })
}

func (h *harness) submit(opts Options) string {
	h.t.Helper()
	id, err := h.orch.Submit(context.Background(), h.source, opts)
	require.NoError(h.t, err)
	return id
}

func (h *harness) wait(id string) Job {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := h.orch.Wait(ctx, id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) waitState(id string, state State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		job, err := h.orch.Status(id)
		return err == nil && job.State == state
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
}

func countStates(jobs []Job) map[State]int {
	counts := map[State]int{}
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts
}

func TestJobSucceeds(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, KeepRaw: true}, nil)

	id := h.submit(DefaultOptions())
	job := h.wait(id)

	require.Equal(t, StateSucceeded, job.State, "error: %s", job.Error)
	assert.Empty(t, job.Phase)
	assert.Empty(t, job.Reason)
	assert.True(t, job.Degraded, "empty store resolves nobody")
	assert.Equal(t, 1, job.Utterances)
	assert.Equal(t, "medium", job.Options.Model, "defaults applied")
	assert.Equal(t, "ru", job.Options.Language)
	assert.False(t, job.StartedAt.IsZero())
	assert.False(t, job.FinishedAt.Before(job.StartedAt))

	text, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "[00:00:00–00:00:01] unknown speaker 1: hi there\n", string(text))

	doc, err := output.ReadJSONFile(job.JSONPath)
	require.NoError(t, err)
	assert.Equal(t, id, doc.JobID)
	assert.True(t, doc.Degraded)

	for _, st := range []string{"transcribe", "align", "diarize"} {
		assert.FileExists(t, filepath.Join(h.dir, "work", "jobs", id, st+".json"))
	}
	assert.Equal(t, 1, h.tk.Calls("convert"))
	assert.Contains(t, h.audit.String(), `"status":"succeeded"`)
	assert.Contains(t, h.audit.String(), id)
}

func TestDiarizationDisabledYieldsOneUtterance(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)
	h.tk.Turns = []transcript.Turn{
		{ClusterID: "SPEAKER_00", Start: 0, End: 0.5},
		{ClusterID: "SPEAKER_01", Start: 0.5, End: 1},
	}

	job := h.wait(h.submit(Options{Diarize: false, Align: false}))

	require.Equal(t, StateSucceeded, job.State, "error: %s", job.Error)
	assert.Equal(t, 1, job.Utterances)
	assert.Zero(t, h.tk.Calls("diarize"))
	assert.Zero(t, h.tk.Calls("align"))

	doc, err := output.ReadJSONFile(job.JSONPath)
	require.NoError(t, err)
	require.Len(t, doc.Utterances, 1)
	assert.Len(t, doc.Utterances[0].Words, 2)
	assert.Equal(t, transcript.Unresolved{Ordinal: 1}, doc.Utterances[0].Speaker)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.dir, "work", "jobs", job.ID))
		return os.IsNotExist(err)
	}, 5*time.Second, 5*time.Millisecond, "work dir removed when nothing is retained")
}

func TestWorkerPoolBound(t *testing.T) {
	const workers, jobs = 2, 5
	h := newHarness(t, Config{Workers: workers}, nil)
	h.blockTranscribe()

	ids := make([]string, jobs)
	for i := range ids {
		ids[i] = h.submit(DefaultOptions())
	}

	require.Eventually(t, func() bool {
		return countStates(h.orch.List())[StateRunning] == workers
	}, 5*time.Second, 5*time.Millisecond)

	// Give extra workers, if any, a chance to show up.
	time.Sleep(50 * time.Millisecond)
	counts := countStates(h.orch.List())
	assert.Equal(t, workers, counts[StateRunning])
	assert.Equal(t, jobs-workers, counts[StatePending])

	for i, id := range ids {
		job, err := h.orch.Status(id)
		require.NoError(t, err)
		if i < workers {
			assert.Equal(t, StateRunning, job.State, "FIFO: oldest jobs run first")
		} else {
			assert.Equal(t, StatePending, job.State)
		}
	}

	h.unblock()
	for _, id := range ids {
		assert.Equal(t, StateSucceeded, h.wait(id).State)
	}
}

func TestSubmitBusy(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, MaxQueueDepth: 2}, nil)
	h.blockTranscribe()

	first := h.submit(DefaultOptions())
	h.waitState(first, StateRunning)
	h.submit(DefaultOptions())
	h.submit(DefaultOptions())

	_, err := h.orch.Submit(context.Background(), h.source, DefaultOptions())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Len(t, h.orch.List(), 3, "rejected submissions leave no job behind")
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.orch.Submit(context.Background(), "   ", DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidRequest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.orch.Submit(ctx, h.source, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCancelPending(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)
	h.blockTranscribe()

	running := h.submit(DefaultOptions())
	h.waitState(running, StateRunning)
	pending := h.submit(DefaultOptions())

	require.NoError(t, h.orch.Cancel(pending))
	job, err := h.orch.Status(pending)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State)
	assert.True(t, job.StartedAt.IsZero())

	h.unblock()
	assert.Equal(t, StateSucceeded, h.wait(running).State)

	job = h.wait(pending)
	assert.Equal(t, StateCancelled, job.State)
	assert.Empty(t, job.InputAudioPath, "cancelled pending job never ran")
	assert.Equal(t, 1, h.tk.Calls("convert"))

	assert.ErrorIs(t, h.orch.Cancel(pending), ErrAlreadyFinished)
	assert.ErrorIs(t, h.orch.Cancel(running), ErrAlreadyFinished)
	assert.ErrorIs(t, h.orch.Cancel("missing"), ErrNotFound)
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)
	h.blockTranscribe()

	id := h.submit(DefaultOptions())
	require.Eventually(t, func() bool { return h.tk.Calls("transcribe") == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Cancel(id))
	job, err := h.orch.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State, "marked cancelled at once")

	// The worker unwinds and frees itself; the job stays cancelled.
	require.Eventually(t, func() bool {
		h.orch.mu.Lock()
		defer h.orch.mu.Unlock()
		return h.orch.running == 0
	}, 5*time.Second, 5*time.Millisecond)

	job = h.wait(id)
	assert.Equal(t, StateCancelled, job.State)
	assert.Empty(t, job.OutputPath)
	assert.Zero(t, h.tk.Calls("diarize"), "no stage starts after cancellation")
	assert.Contains(t, h.audit.String(), `"status":"cancelled"`)

	// The pool keeps serving.
	h.tk.SetHook(nil)
	assert.Equal(t, StateSucceeded, h.wait(h.submit(DefaultOptions())).State)
}

func TestJobTimeout(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, JobTimeout: 100 * time.Millisecond}, nil)
	h.blockTranscribe()

	id := h.submit(DefaultOptions())
	job := h.wait(id)

	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, ReasonTimeout, job.Reason)
	assert.Equal(t, PhaseTranscribing, job.Phase)

	var jerr *JobError
	require.ErrorAs(t, h.orch.Err(id), &jerr)
	assert.Equal(t, ReasonTimeout, jerr.Reason)
	assert.Equal(t, id, jerr.JobID)
}

func TestSlotWaitIsNotChargedToJobBudget(t *testing.T) {
	policy := stage.Policy{Timeout: 400 * time.Millisecond, MaxRetries: 0, MaxConcurrent: 1}
	h := newHarness(t, Config{Workers: 2, ResolveBudget: 50 * time.Millisecond}, func(d *Deps) {
		cfg := testStageConfig()
		cfg.Policies[stage.Transcribe] = policy
		d.Runner = stage.NewRunner(d.Converter.(*toolkit.MockToolkit), cfg, nil)
	})
	h.tk.SetHook(func(ctx context.Context, op string) error {
		if op != "transcribe" {
			return nil
		}
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	opts := Options{}
	first, second := h.submit(opts), h.submit(opts)

	for _, id := range []string{first, second} {
		job := h.wait(id)
		assert.Equal(t, StateSucceeded, job.State, "job %s: %s %s", id, job.Reason, job.Error)
	}
	assert.Equal(t, 2, h.tk.Calls("transcribe"))
}

func TestJobEventsLogComponentOnce(t *testing.T) {
	buf := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(buf, nil))
	h := newLoggedHarness(t, Config{Workers: 1}, nil, log)

	require.Equal(t, StateSucceeded, h.wait(h.submit(DefaultOptions())).State)

	eventLines := func() []string {
		var lines []string
		for _, line := range strings.Split(buf.String(), "\n") {
			if strings.Contains(line, "job processing event") {
				lines = append(lines, line)
			}
		}
		return lines
	}
	require.Eventually(t, func() bool { return len(eventLines()) == 2 }, 2*time.Second, 5*time.Millisecond,
		"start and success events")
	for _, line := range eventLines() {
		assert.Equal(t, 1, strings.Count(line, "component="), line)
	}
}

func TestJobFailures(t *testing.T) {
	tests := []struct {
		name   string
		source func(h *harness) string
		setup  func(h *harness)
		reason FailureReason
		phase  Phase
	}{
		{
			name:   "missing source",
			source: func(h *harness) string { return filepath.Join(h.dir, "nope.mp3") },
			reason: ReasonFetchFailed,
			phase:  PhaseFetching,
		},
		{
			name: "undecodable audio",
			setup: func(h *harness) {
				h.tk.Hook = func(ctx context.Context, op string) error {
					if op == "convert" {
						return errors.New("ffmpeg: invalid data found")
					}
					return nil
				}
			},
			reason: ReasonInvalidAudio,
			phase:  PhaseFetching,
		},
		{
			name: "diarization crashes",
			setup: func(h *harness) {
				h.tk.Hook = func(ctx context.Context, op string) error {
					if op == "diarize" {
						return &toolkit.MalformedOutputError{Op: op, Err: errors.New("no JSON object found")}
					}
					return nil
				}
			},
			reason: ReasonModelFailed,
			phase:  PhaseDiarizing,
		},
		{
			name:   "no words",
			setup:  func(h *harness) { h.tk.Words = nil },
			reason: ReasonMergeInconsistency,
			phase:  PhaseMerging,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{Workers: 1}, nil)
			if tt.setup != nil {
				tt.setup(h)
			}
			source := h.source
			if tt.source != nil {
				source = tt.source(h)
			}

			id, err := h.orch.Submit(context.Background(), source, DefaultOptions())
			require.NoError(t, err)
			job := h.wait(id)

			assert.Equal(t, StateFailed, job.State)
			assert.Equal(t, tt.reason, job.Reason)
			assert.Equal(t, tt.phase, job.Phase)
			assert.NotEmpty(t, job.Error)
			assert.Contains(t, h.audit.String(), string(tt.reason))
		})
	}
}

func TestSpeakerMapPublishAndEnroll(t *testing.T) {
	enroller := &fakeEnroller{}
	h := newHarness(t, Config{Workers: 1}, func(d *Deps) {
		d.Enroller = enroller
		d.Publisher = &fakePublisher{}
	})

	opts := DefaultOptions()
	opts.SpeakerMap = map[string]string{"SPEAKER_00": "Анна"}
	job := h.wait(h.submit(opts))

	require.Equal(t, StateSucceeded, job.State, "error: %s", job.Error)
	assert.False(t, job.Degraded, "mapped clusters need no enrollment")
	assert.Equal(t, []string{
		"transcripts/" + job.ID + "/" + output.TextFileName,
		"transcripts/" + job.ID + "/" + output.JSONFileName,
	}, job.PublishedKeys)

	text, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "[00:00:00–00:00:01] Анна: hi there\n", string(text))

	require.Len(t, enroller.calls, 1)
	assert.Equal(t, opts.SpeakerMap, enroller.calls[0])
}

func TestEnrollAndPublishFailuresAreWarnings(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, func(d *Deps) {
		d.Enroller = &fakeEnroller{err: errors.New("no usable audio")}
		d.Publisher = &fakePublisher{err: errors.New("bucket unreachable")}
	})

	opts := DefaultOptions()
	opts.SpeakerMap = map[string]string{"SPEAKER_00": "Анна"}
	job := h.wait(h.submit(opts))

	assert.Equal(t, StateSucceeded, job.State)
	assert.Empty(t, job.PublishedKeys)
}

func TestShutdownDrains(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)
	h.blockTranscribe()

	running := h.submit(DefaultOptions())
	h.waitState(running, StateRunning)
	pending := h.submit(DefaultOptions())

	done := make(chan error, 1)
	go func() { done <- h.orch.Shutdown(context.Background()) }()

	h.waitState(pending, StateCancelled)
	_, err := h.orch.Submit(context.Background(), h.source, DefaultOptions())
	assert.ErrorIs(t, err, ErrShuttingDown)

	h.unblock()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, StateSucceeded, h.wait(running).State)
}

func TestShutdownDeadlineCancelsRunning(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)
	h.blockTranscribe()

	id := h.submit(DefaultOptions())
	h.waitState(id, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.orch.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateCancelled, h.wait(id).State)
}

func TestPurgeExpiredJobs(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, RetainFor: time.Hour}, nil)

	id := h.submit(DefaultOptions())
	require.Equal(t, StateSucceeded, h.wait(id).State)
	assert.DirExists(t, filepath.Join(h.dir, "work", "jobs", id), "retained jobs keep their audio")

	assert.Zero(t, h.orch.purge(time.Now()))
	assert.Equal(t, 1, h.orch.purge(time.Now().Add(2*time.Hour)))

	_, err := h.orch.Status(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, filepath.Join(h.dir, "work", "jobs", id))
}

func TestJobTimeoutBudget(t *testing.T) {
	h := newHarness(t, Config{ResolveBudget: time.Second}, nil)

	assert.Equal(t, 16*time.Second, h.orch.JobTimeout(Options{Align: true, Diarize: true}))
	assert.Equal(t, 11*time.Second, h.orch.JobTimeout(Options{Diarize: true}))
	assert.Equal(t, 6*time.Second, h.orch.JobTimeout(Options{}))

	h.orch.cfg.JobTimeout = time.Minute
	assert.Equal(t, time.Minute, h.orch.JobTimeout(Options{Align: true, Diarize: true}))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
	for _, name := range []string{"fetcher", "converter", "runner", "resolver", "path manager"} {
		assert.True(t, strings.Contains(err.Error(), name), "missing %s", name)
	}
}

func TestStatusIsACopy(t *testing.T) {
	h := newHarness(t, Config{Workers: 1}, nil)
	opts := DefaultOptions()
	opts.SpeakerMap = map[string]string{"SPEAKER_00": "Анна"}
	id := h.submit(opts)

	job, err := h.orch.Status(id)
	require.NoError(t, err)
	job.Options.SpeakerMap["SPEAKER_00"] = "Борис"

	again, err := h.orch.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "Анна", again.Options.SpeakerMap["SPEAKER_00"])
}
