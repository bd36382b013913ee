// Package orchestrator owns the job lifecycle: a FIFO queue served by a fixed
// pool of workers, each running one job through fetch, the toolkit stages,
// merge, speaker resolution and artifact writing.
package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/fetch"
	"github.com/hurrican1/diarization-bot/internal/output"
	"github.com/hurrican1/diarization-bot/internal/speaker"
	"github.com/hurrican1/diarization-bot/internal/stage"
	"github.com/hurrican1/diarization-bot/internal/transcript"
	"github.com/hurrican1/diarization-bot/pkg/logger"
	"github.com/hurrican1/diarization-bot/pkg/metrics"
)

// AudioConverter normalizes fetched audio for the toolkit.
type AudioConverter interface {
	ConvertAudio(ctx context.Context, inputPath, outputPath string) error
}

// StageRunner runs the toolkit stages of one job.
type StageRunner interface {
	Run(ctx context.Context, req stage.Request, observe stage.Observer) (*stage.RawResult, error)
	Config() stage.Config
}

// SpeakerResolver labels merged utterances.
type SpeakerResolver interface {
	Resolve(ctx context.Context, utts []transcript.Utterance, audioPath string, snap *speaker.Snapshot, speakerMap map[string]string) speaker.Result
}

// ProfileSource hands out immutable enrollment snapshots.
type ProfileSource interface {
	Snapshot() *speaker.Snapshot
}

// SpeakerEnroller learns profiles from a finished transcript.
type SpeakerEnroller interface {
	Enroll(ctx context.Context, audioPath string, utts []transcript.Utterance, speakerMap map[string]string) (*speaker.EnrollResult, error)
}

// Config holds orchestrator settings.
type Config struct {
	Workers       int
	MaxQueueDepth int
	// JobTimeout overrides the computed per-job budget when positive.
	JobTimeout    time.Duration
	ResolveBudget time.Duration
	// RetainFor is how long terminal jobs stay queryable. Zero keeps them
	// forever.
	RetainFor  time.Duration
	OutputRoot string
	// KeepRaw keeps job work directories (raw stage JSON, normalized audio)
	// after the job is purged.
	KeepRaw bool

	DefaultModel      string
	DefaultLanguage   string
	DefaultAlignModel string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           1,
		MaxQueueDepth:     16,
		ResolveBudget:     10 * time.Minute,
		RetainFor:         24 * time.Hour,
		OutputRoot:        "outputs",
		DefaultModel:      "medium",
		DefaultLanguage:   "ru",
		DefaultAlignModel: "jonatasgrosman/wav2vec2-large-xlsr-53-russian",
	}
}

// Deps are the collaborators of the orchestrator. Profiles, Enroller,
// Publisher and Audit are optional.
type Deps struct {
	Fetcher   fetch.Fetcher
	Converter AudioConverter
	Runner    StageRunner
	Resolver  SpeakerResolver
	Profiles  ProfileSource
	Enroller  SpeakerEnroller
	Publisher output.Publisher
	Paths     *dependency.PathManager
	Audit     *AuditLogger
}

// Orchestrator schedules and runs jobs.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	// events has no component attribute; LogJobEvent adds its own.
	events *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    map[string]*record
	queue   []*record
	running int
	closing bool

	wake       chan struct{}
	quit       chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

type emptyProfiles struct{}

func (emptyProfiles) Snapshot() *speaker.Snapshot { return speaker.EmptySnapshot() }

// New creates an orchestrator. Call Start to launch the workers.
func New(cfg Config, deps Deps, log *slog.Logger) (*Orchestrator, error) {
	var missing []string
	if deps.Fetcher == nil {
		missing = append(missing, "fetcher")
	}
	if deps.Converter == nil {
		missing = append(missing, "converter")
	}
	if deps.Runner == nil {
		missing = append(missing, "runner")
	}
	if deps.Resolver == nil {
		missing = append(missing, "resolver")
	}
	if deps.Paths == nil {
		missing = append(missing, "path manager")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies: %s", strings.Join(missing, ", "))
	}
	if deps.Profiles == nil {
		deps.Profiles = emptyProfiles{}
	}

	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = def.OutputRoot
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	log = logger.OrDefault(log)
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		logger:     log.With("component", "orchestrator"),
		events:     log,
		now:        time.Now,
		jobs:       make(map[string]*record),
		wake:       make(chan struct{}, cfg.Workers),
		quit:       make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Start launches the worker pool and, when retention is enabled, the janitor.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		for i := 0; i < o.cfg.Workers; i++ {
			o.wg.Add(1)
			go o.worker()
		}
		if o.cfg.RetainFor > 0 {
			o.wg.Add(1)
			go o.janitor()
		}
		o.logger.Info("orchestrator started", "workers", o.cfg.Workers, "max_queue_depth", o.cfg.MaxQueueDepth)
	})
}

// Submit enqueues a job and returns its id. It never blocks: a full queue
// yields ErrBusy.
func (o *Orchestrator) Submit(ctx context.Context, sourceRef string, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		metrics.RecordSubmission("rejected")
		return "", fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	opts = o.withDefaults(opts)

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		metrics.RecordSubmission("rejected")
		return "", ErrShuttingDown
	}
	if len(o.queue) >= o.cfg.MaxQueueDepth {
		o.mu.Unlock()
		metrics.RecordSubmission("busy")
		return "", ErrBusy
	}
	rec := newRecord(uuid.NewString(), sourceRef, opts, o.now())
	o.jobs[rec.ID] = rec
	o.queue = append(o.queue, rec)
	depth := len(o.queue)
	o.publishQueueStateLocked()
	o.mu.Unlock()

	o.signal()
	metrics.RecordSubmission("accepted")
	o.logger.Info("job submitted", "job_id", rec.ID, "source", sourceRef, "queue_depth", depth)
	return rec.ID, nil
}

// Status returns the current view of a job.
func (o *Orchestrator) Status(id string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

// List returns all retained jobs, oldest first.
func (o *Orchestrator) List() []Job {
	o.mu.Lock()
	jobs := make([]Job, 0, len(o.jobs))
	for _, rec := range o.jobs {
		jobs = append(jobs, rec.snapshot())
	}
	o.mu.Unlock()

	slices.SortFunc(jobs, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs
}

// Cancel stops a job. A pending job is removed from the queue and never
// runs. A running job is marked cancelled at once and its context is
// cancelled, which kills the running toolkit process.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return ErrNotFound
	}
	if rec.State.Terminal() {
		o.mu.Unlock()
		return ErrAlreadyFinished
	}

	wasRunning := rec.State == StateRunning
	if !wasRunning {
		o.removeQueuedLocked(rec)
	}
	o.terminateLocked(rec, StateCancelled)
	if wasRunning && rec.cancel != nil {
		rec.cancel()
	}
	snap := rec.snapshot()
	o.publishQueueStateLocked()
	o.mu.Unlock()

	o.recordTerminal(snap)
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return Job{}, ErrNotFound
	}

	select {
	case <-rec.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return rec.snapshot(), nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Err returns the failure of a failed job, or nil.
func (o *Orchestrator) Err(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.err == nil {
		return nil
	}
	return rec.err
}

// Shutdown stops accepting jobs, cancels the pending ones and waits for the
// running ones to finish. When ctx ends first, running jobs are cancelled and
// ctx.Err() is returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.closing = true
		pending := o.queue
		o.queue = nil
		snaps := make([]Job, 0, len(pending))
		for _, rec := range pending {
			o.terminateLocked(rec, StateCancelled)
			snaps = append(snaps, rec.snapshot())
		}
		o.publishQueueStateLocked()
		o.mu.Unlock()

		for _, snap := range snaps {
			o.recordTerminal(snap)
		}
		close(o.quit)
		o.logger.Info("orchestrator draining", "cancelled_pending", len(snaps))
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		o.cancelRunning()
	}
	o.baseCancel()
	if cerr := o.deps.Audit.Close(); cerr != nil {
		o.logger.Warn("failed to close audit log", "error", cerr)
	}
	o.logger.Info("orchestrator stopped", "error", err)
	return err
}

func (o *Orchestrator) cancelRunning() {
	o.mu.Lock()
	var snaps []Job
	for _, rec := range o.jobs {
		if rec.State != StateRunning {
			continue
		}
		o.terminateLocked(rec, StateCancelled)
		rec.cancel()
		snaps = append(snaps, rec.snapshot())
	}
	o.mu.Unlock()

	for _, snap := range snaps {
		o.recordTerminal(snap)
	}
}

func (o *Orchestrator) withDefaults(opts Options) Options {
	if opts.Model == "" {
		opts.Model = o.cfg.DefaultModel
	}
	if opts.Language == "" {
		opts.Language = o.cfg.DefaultLanguage
	}
	if opts.AlignModel == "" {
		opts.AlignModel = o.cfg.DefaultAlignModel
	}
	return opts
}

// JobTimeout returns the deadline budget for a job with the given options.
// Zero means no deadline.
func (o *Orchestrator) JobTimeout(opts Options) time.Duration {
	if o.cfg.JobTimeout > 0 {
		return o.cfg.JobTimeout
	}
	stages := stage.Request{Align: opts.Align, Diarize: opts.Diarize}.Stages()
	budget := o.deps.Runner.Config().Budget(stages)
	if budget <= 0 {
		return 0
	}
	return budget + o.cfg.ResolveBudget
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		rec, ctx := o.next()
		if rec == nil {
			select {
			case <-o.wake:
				continue
			case <-o.quit:
				return
			}
		}
		o.execute(ctx, rec)
	}
}

// next pops the queue head and marks it running in the same critical section.
func (o *Orchestrator) next() (*record, context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, nil
	}
	rec := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]

	ctx, cancel := context.WithCancel(o.baseCtx)
	rec.cancel = cancel
	if timeout := o.JobTimeout(rec.Options); timeout > 0 {
		budget := withBudget(ctx, timeout)
		rec.cancel = func() {
			cancel()
			budget.release()
		}
		ctx = stage.WithSlotWaiter(budget, budget)
	}
	rec.State = StateRunning
	rec.Phase = PhaseFetching
	rec.StartedAt = o.now()
	o.running++
	o.publishQueueStateLocked()

	if len(o.queue) > 0 {
		o.signal()
	}
	return rec, ctx
}

func (o *Orchestrator) execute(ctx context.Context, rec *record) {
	defer rec.cancel()
	logger.LogJobEvent(o.events, "orchestrator", "start", rec.ID, 0, "")

	jerr := o.process(ctx, rec)

	o.mu.Lock()
	o.running--
	if rec.State.Terminal() {
		o.publishQueueStateLocked()
		o.mu.Unlock()
		o.cleanupIfUnretained(rec.ID)
		return
	}
	if jerr != nil {
		rec.Reason = jerr.Reason
		rec.Error = jerr.Error()
		rec.err = jerr
		o.terminateLocked(rec, StateFailed)
	} else {
		rec.Phase = ""
		o.terminateLocked(rec, StateSucceeded)
	}
	snap := rec.snapshot()
	o.publishQueueStateLocked()
	o.mu.Unlock()

	o.recordTerminal(snap)
	o.cleanupIfUnretained(rec.ID)
}

func (o *Orchestrator) cleanupIfUnretained(id string) {
	if o.cfg.RetainFor > 0 || o.cfg.KeepRaw {
		return
	}
	if err := o.deps.Paths.RemoveJobDir(id); err != nil {
		o.logger.Warn("failed to remove job directory", "job_id", id, "error", err)
	}
}

func (o *Orchestrator) terminateLocked(rec *record, state State) {
	rec.State = state
	rec.FinishedAt = o.now()
	close(rec.done)
}

func (o *Orchestrator) removeQueuedLocked(rec *record) {
	o.queue = slices.DeleteFunc(o.queue, func(r *record) bool { return r == rec })
}

func (o *Orchestrator) publishQueueStateLocked() {
	metrics.SetQueueState(len(o.queue), o.running)
}

func (o *Orchestrator) recordTerminal(j Job) {
	metrics.RecordJobFinished(string(j.State), string(j.Reason), j.Duration().Seconds())
	o.deps.Audit.LogJob(j)

	action := "success"
	switch j.State {
	case StateCancelled:
		action = "cancel"
	case StateFailed:
		action = "error"
	}
	logger.LogJobEvent(o.events, "orchestrator", action, j.ID, j.Duration().Milliseconds(), string(j.Reason))
}

// janitor drops terminal jobs older than RetainFor.
func (o *Orchestrator) janitor() {
	defer o.wg.Done()
	interval := min(o.cfg.RetainFor/2, 10*time.Minute)
	ticker := time.NewTicker(max(interval, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.purge(o.now())
		case <-o.quit:
			return
		}
	}
}

func (o *Orchestrator) purge(now time.Time) int {
	o.mu.Lock()
	var purged []string
	for id, rec := range o.jobs {
		if rec.State.Terminal() && now.Sub(rec.FinishedAt) >= o.cfg.RetainFor {
			delete(o.jobs, id)
			purged = append(purged, id)
		}
	}
	o.mu.Unlock()

	if !o.cfg.KeepRaw {
		for _, id := range purged {
			if err := o.deps.Paths.RemoveJobDir(id); err != nil {
				o.logger.Warn("failed to remove job directory", "job_id", id, "error", err)
			}
		}
	}
	if len(purged) > 0 {
		o.logger.Info("expired jobs purged", "count", len(purged))
	}
	return len(purged)
}
