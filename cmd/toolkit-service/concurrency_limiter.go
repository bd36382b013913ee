package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// errUnknownCommand is returned by Acquire for commands without a semaphore.
var errUnknownCommand = errors.New("no semaphore configured for command")

// ConcurrencyLimiter controls the maximum number of concurrent executions per command.
// Each command has its own semaphore configured by max_concurrent in the config.
// The map is built once and never written afterwards.
type ConcurrencyLimiter struct {
	semaphores     map[string]*semaphore.Weighted
	acquireTimeout time.Duration
}

// NewConcurrencyLimiter creates a new limiter based on the provided configuration.
func NewConcurrencyLimiter(config *Config) *ConcurrencyLimiter {
	limiter := &ConcurrencyLimiter{
		semaphores:     make(map[string]*semaphore.Weighted, len(config.Commands)),
		acquireTimeout: config.Security.AcquireTimeout,
	}
	if limiter.acquireTimeout <= 0 {
		limiter.acquireTimeout = defaultAcquireTimeout
	}

	for _, cmd := range config.Commands {
		limiter.semaphores[cmd.Name] = semaphore.NewWeighted(int64(cmd.MaxConcurrent))
	}

	return limiter
}

// Acquire blocks until a slot for the command is free, ctx ends, or the
// acquire timeout passes.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context, commandName string) error {
	sem, exists := l.semaphores[commandName]
	if !exists {
		return fmt.Errorf("%w: %s", errUnknownCommand, commandName)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	if err := sem.Acquire(timeoutCtx, 1); err != nil {
		return fmt.Errorf("failed to acquire semaphore for command %s: %w", commandName, err)
	}

	return nil
}

// Release releases a slot for the given command.
func (l *ConcurrencyLimiter) Release(commandName string) {
	if sem, exists := l.semaphores[commandName]; exists {
		sem.Release(1)
	}
}
