package dependency

import (
	"context"
	"fmt"
)

// DependencyExecutor defines the interface for executing external commands
// (python toolkit scripts, ffmpeg) in different modes (local, remote, fallback).
//
// Implementations:
//   - LocalExecutor: Executes commands directly using exec.Command
//   - RemoteExecutor: Executes commands via the toolkit service HTTP API
//   - FallbackExecutor: Tries remote first, falls back to local on network failure
//
// A command that exits non-zero yields an *ExitError, one that exceeds its
// timeout an error matching ErrTimeout. The response is returned alongside
// the error whenever the command produced output.
type DependencyExecutor interface {
	// ExecuteCommand executes a command with the given request.
	// If the context is cancelled, the command is terminated promptly.
	ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResponse, error)

	// HealthCheck verifies that the executor is ready to handle requests.
	// Returns nil if healthy, otherwise an error describing the issue.
	HealthCheck(ctx context.Context) error
}

// NewExecutor selects the executor for config.Mode.
func NewExecutor(config ExecutorConfig) (DependencyExecutor, error) {
	switch config.Mode {
	case ModeLocal:
		return NewLocalExecutor(config), nil
	case ModeRemote:
		if config.ServiceURL == "" {
			return nil, fmt.Errorf("service_url is required for %s mode", config.Mode)
		}
		return NewRemoteExecutor(config), nil
	case ModeFallback:
		if config.ServiceURL == "" {
			return nil, fmt.Errorf("service_url is required for %s mode", config.Mode)
		}
		return NewFallbackExecutor(config), nil
	default:
		return nil, fmt.Errorf("invalid execution mode: %s (must be 'local', 'remote', or 'fallback')", config.Mode)
	}
}
