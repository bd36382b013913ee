package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyLimiter(t *testing.T) {
	config := testConfig(t)
	config.Security.AcquireTimeout = 50 * time.Millisecond
	limiter := NewConcurrencyLimiter(config)
	ctx := context.Background()

	// python allows a single execution at a time
	require.NoError(t, limiter.Acquire(ctx, "python"))

	start := time.Now()
	err := limiter.Acquire(ctx, "python")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	// other commands have their own slots
	require.NoError(t, limiter.Acquire(ctx, "ffmpeg"))
	limiter.Release("ffmpeg")

	limiter.Release("python")
	require.NoError(t, limiter.Acquire(ctx, "python"))
	limiter.Release("python")
}

func TestConcurrencyLimiterUnknownCommand(t *testing.T) {
	limiter := NewConcurrencyLimiter(testConfig(t))
	err := limiter.Acquire(context.Background(), "bash")
	assert.ErrorIs(t, err, errUnknownCommand)

	// Releasing an unknown command is a no-op.
	limiter.Release("bash")
}

func TestConcurrencyLimiterHonoursCallerContext(t *testing.T) {
	limiter := NewConcurrencyLimiter(testConfig(t))
	require.NoError(t, limiter.Acquire(context.Background(), "python"))
	defer limiter.Release("python")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := limiter.Acquire(ctx, "python")
	assert.ErrorIs(t, err, context.Canceled)
}
