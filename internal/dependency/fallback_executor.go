package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hurrican1/diarization-bot/pkg/metrics"
)

// FallbackExecutor tries remote execution first, then falls back to local on failure.
// Once local execution succeeds after a network failure it stays local.
type FallbackExecutor struct {
	config         ExecutorConfig
	remoteExecutor DependencyExecutor
	localExecutor  DependencyExecutor
	primaryMode    ExecutionMode // Current active mode ("remote" or "local")
	mu             sync.RWMutex  // Protects primaryMode
}

// NewFallbackExecutor creates a new FallbackExecutor with remote as the initial primary mode.
func NewFallbackExecutor(config ExecutorConfig) *FallbackExecutor {
	return newFallbackExecutor(config, NewRemoteExecutor(config), NewLocalExecutor(config))
}

func newFallbackExecutor(config ExecutorConfig, remote, local DependencyExecutor) *FallbackExecutor {
	return &FallbackExecutor{
		config:         config,
		remoteExecutor: remote,
		localExecutor:  local,
		primaryMode:    ModeRemote,
	}
}

// Mode returns the mode currently used for new commands.
func (e *FallbackExecutor) Mode() ExecutionMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.primaryMode
}

// ExecuteCommand executes a command using the current primary mode, with automatic fallback.
func (e *FallbackExecutor) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	start := time.Now()
	mode := e.Mode()

	var resp CommandResponse
	var err error

	if mode == ModeRemote {
		resp, err = e.remoteExecutor.ExecuteCommand(ctx, req)
		if err != nil && IsNetworkError(err) && ctx.Err() == nil {
			slog.Warn("remote execution failed, attempting local fallback",
				"command", req.Command,
				"error", err.Error())

			metrics.RecordCommandExecution(req.Command, string(ModeRemote), "failed")
			metrics.RecordCommandDuration(req.Command, string(ModeRemote), time.Since(start).Seconds())

			return e.fallbackToLocal(ctx, req)
		}
	} else {
		resp, err = e.localExecutor.ExecuteCommand(ctx, req)
	}

	status := determineExecutionStatus(resp, err)
	metrics.RecordCommandExecution(req.Command, string(mode), status)
	metrics.RecordCommandDuration(req.Command, string(mode), time.Since(start).Seconds())

	return resp, err
}

// determineExecutionStatus categorizes execution result as "success", "timeout", or "failed".
func determineExecutionStatus(resp CommandResponse, err error) string {
	if err == nil && resp.Success {
		return "success"
	}
	if IsTimeout(err) {
		return "timeout"
	}
	return "failed"
}

// HealthCheck probes both remote and local executors to determine availability.
// Prioritizes remote service, falls back to local if remote is unavailable.
func (e *FallbackExecutor) HealthCheck(ctx context.Context) error {
	remoteErr := e.remoteExecutor.HealthCheck(ctx)
	if remoteErr == nil {
		e.setPrimaryMode(ModeRemote)
		return nil
	}
	slog.Warn("toolkit service unavailable, trying local fallback", "error", remoteErr.Error())

	localErr := e.localExecutor.HealthCheck(ctx)
	if localErr == nil {
		if e.Mode() != ModeLocal {
			metrics.RecordDegradationEvent(string(ModeRemote), string(ModeLocal))
		}
		e.setPrimaryMode(ModeLocal)
		slog.Info("local toolkit available, using local mode (degraded)")
		return nil
	}

	return fmt.Errorf("both remote and local toolkit unavailable [tried modes: remote → local]: %w",
		errors.Join(remoteErr, localErr))
}

// fallbackToLocal attempts to execute the command locally after remote failure.
func (e *FallbackExecutor) fallbackToLocal(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	start := time.Now()

	resp, err := e.localExecutor.ExecuteCommand(ctx, req)

	status := determineExecutionStatus(resp, err)
	metrics.RecordCommandExecution(req.Command, string(ModeLocal), status)
	metrics.RecordCommandDuration(req.Command, string(ModeLocal), time.Since(start).Seconds())

	if err == nil && resp.Success {
		e.setPrimaryMode(ModeLocal)
		slog.Info("local fallback succeeded, updated primary mode to local",
			"command", req.Command)

		metrics.RecordDegradationEvent(string(ModeRemote), string(ModeLocal))
	}

	return resp, err
}

// setPrimaryMode atomically updates the primary execution mode.
func (e *FallbackExecutor) setPrimaryMode(mode ExecutionMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.primaryMode = mode
}
