// Package app assembles the pipeline components from configuration. The
// server and the CLI share it so both run jobs through the same stack.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/hurrican1/diarization-bot/internal/config"
	"github.com/hurrican1/diarization-bot/internal/degradation"
	"github.com/hurrican1/diarization-bot/internal/dependency"
	"github.com/hurrican1/diarization-bot/internal/fetch"
	"github.com/hurrican1/diarization-bot/internal/health"
	"github.com/hurrican1/diarization-bot/internal/orchestrator"
	"github.com/hurrican1/diarization-bot/internal/output"
	"github.com/hurrican1/diarization-bot/internal/speaker"
	"github.com/hurrican1/diarization-bot/internal/stage"
	"github.com/hurrican1/diarization-bot/internal/toolkit"
	"github.com/hurrican1/diarization-bot/pkg/logger"
	"github.com/hurrican1/diarization-bot/pkg/similarity"
)

const embeddingCacheSize = 256

// App owns the long-lived pipeline components.
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Speakers     *speaker.Store
	Enroller     *speaker.Enroller
	Toolkit      *degradation.Controller
	Publisher    *output.MinioPublisher

	checker *health.Checker
	logger  *slog.Logger

	stopHealth context.CancelFunc
	healthDone chan struct{}
	startOnce  sync.Once
}

// Option customizes New.
type Option func(*options)

type options struct {
	primary  toolkit.Toolkit
	fallback toolkit.Toolkit
}

// WithToolkits replaces the WhisperX toolkits built from configuration.
// fallback may be nil, in which case primary also serves as fallback.
func WithToolkits(primary, fallback toolkit.Toolkit) Option {
	return func(o *options) {
		o.primary, o.fallback = primary, fallback
	}
}

// New builds every component. Nothing runs until Start.
func New(cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	log = logger.OrDefault(log)
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.primary == nil {
		primary, fallback, err := buildToolkits(cfg, log)
		if err != nil {
			return nil, err
		}
		o.primary, o.fallback = primary, fallback
	}
	if o.fallback == nil {
		o.fallback = o.primary
	}

	checker := health.NewChecker(o.primary, cfg.Toolkit.HealthInterval, cfg.Toolkit.FailThreshold, log)
	ctrl := degradation.NewController(o.primary, o.fallback, checker, log)
	tk := toolkit.Follow(ctrl)

	store, err := speaker.OpenStore(cfg.Speakers.StoreDir, log)
	if err != nil {
		return nil, err
	}

	embedder := speaker.NewClipEmbedder(tk, filepath.Join(cfg.Orchestrator.WorkDir, "clips"),
		cfg.Stages.Embed.MaxConcurrent, similarity.NewEmbeddingCache(embeddingCacheSize), log)
	embedder.SetClipTimeout(cfg.Stages.Embed.Timeout)
	resolver := speaker.NewResolver(embedder, cfg.SpeakerOptions(), log)
	enroller := speaker.NewEnroller(store, embedder, cfg.SpeakerOptions(), log)

	fetcher, err := fetch.New(cfg.FetchConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	a := &App{
		Config:   cfg,
		Speakers: store,
		Enroller: enroller,
		Toolkit:  ctrl,
		checker:  checker,
		logger:   log.With("component", "app"),
	}

	deps := orchestrator.Deps{
		Fetcher:   fetcher,
		Converter: tk,
		Runner:    stage.NewRunner(tk, cfg.StageConfig(), log),
		Resolver:  resolver,
		Profiles:  store,
		Enroller:  enroller,
		Paths:     dependency.NewPathManager(cfg.Orchestrator.WorkDir),
		Audit:     orchestrator.NewAuditLogger(cfg.Orchestrator.AuditLogPath),
	}
	if cfg.Publish.Enabled {
		pub, err := output.NewMinioPublisher(cfg.PublishConfig(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create publisher: %w", err)
		}
		a.Publisher = pub
		deps.Publisher = pub
	}

	orch, err := orchestrator.New(cfg.OrchestratorConfig(), deps, log)
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orch
	return a, nil
}

// buildToolkits creates the primary and fallback WhisperX toolkits over the
// configured executor. Without a distinct fallback device both are the same.
func buildToolkits(cfg *config.Config, log *slog.Logger) (toolkit.Toolkit, toolkit.Toolkit, error) {
	execCfg := cfg.ExecutorConfig()
	executor, err := dependency.NewExecutor(execCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create executor: %w", err)
	}

	primary := toolkit.NewWhisperX(executor, execCfg, cfg.WhisperXConfig(cfg.Toolkit.Device), log)
	if cfg.Toolkit.FallbackDevice == "" || cfg.Toolkit.FallbackDevice == cfg.Toolkit.Device {
		return primary, primary, nil
	}
	fallback := toolkit.NewWhisperX(executor, execCfg, cfg.WhisperXConfig(cfg.Toolkit.FallbackDevice), log)
	return primary, fallback, nil
}

// Start launches the health checker (when an interval is configured) and the
// orchestrator workers.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		if a.Publisher != nil {
			if err := a.Publisher.EnsureBucket(ctx); err != nil {
				a.logger.Warn("publish bucket not ready", "error", err)
			}
		}

		if a.Config.Toolkit.HealthInterval > 0 {
			hctx, cancel := context.WithCancel(ctx)
			a.stopHealth = cancel
			a.healthDone = make(chan struct{})
			go func() {
				defer close(a.healthDone)
				a.checker.Start(hctx)
			}()
		}

		a.Orchestrator.Start()
		a.logger.Info("pipeline started",
			"workers", a.Config.Orchestrator.Workers,
			"toolkit", a.Toolkit.Status().Current,
			"speakers", a.Speakers.Snapshot().Len(),
		)
	})
}

// Shutdown drains the orchestrator and stops the health checker.
func (a *App) Shutdown(ctx context.Context) error {
	start := time.Now()
	err := a.Orchestrator.Shutdown(ctx)

	a.checker.Stop()
	if a.stopHealth != nil {
		a.stopHealth()
		<-a.healthDone
	}

	a.logger.Info("pipeline stopped", "duration_ms", time.Since(start).Milliseconds(), "error", err)
	return err
}
