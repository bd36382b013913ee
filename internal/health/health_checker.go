// Package health provides health checking for the speech toolkit.
// It implements periodic health probes with configurable intervals and failure thresholds.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hurrican1/diarization-bot/internal/toolkit"
)

// probeTimeout bounds a single health probe.
const probeTimeout = 10 * time.Second

// ServiceStatus represents the current health state of a toolkit.
// All fields are safe for JSON serialization and can be exposed via API endpoints.
type ServiceStatus struct {
	Toolkit string `json:"toolkit"`

	// IsHealthy indicates whether the toolkit passed recent health checks
	IsHealthy bool `json:"is_healthy"`

	LastCheckTime time.Time `json:"last_check_time"`

	// ConsecutiveFails counts how many health checks have failed in a row.
	// Reset to 0 when a check succeeds.
	ConsecutiveFails int `json:"consecutive_fails"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Checker performs periodic health checks on a toolkit and tracks
// consecutive failures to trigger degradation.
//
// Thread-safety: All public methods are thread-safe via sync.RWMutex.
type Checker struct {
	tk            toolkit.Toolkit
	status        ServiceStatus // protected by mu
	mu            sync.RWMutex
	checkInterval time.Duration
	failThreshold int
	stopOnce      sync.Once
	stopChan      chan struct{}
	logger        *slog.Logger
}

// NewChecker creates a Checker. It starts in a healthy state (optimistic
// assumption); call Start to begin periodic checks.
func NewChecker(tk toolkit.Toolkit, checkInterval time.Duration, failThreshold int, logger *slog.Logger) *Checker {
	if failThreshold < 1 {
		failThreshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		tk:            tk,
		checkInterval: checkInterval,
		failThreshold: failThreshold,
		stopChan:      make(chan struct{}),
		logger:        logger.With("component", "health", "toolkit", tk.Name()),
		status: ServiceStatus{
			Toolkit:       tk.Name(),
			IsHealthy:     true,
			LastCheckTime: time.Now(),
		},
	}
}

// Start performs an immediate check, then checks at regular intervals until
// Stop is called or ctx is cancelled. It blocks; run it in a goroutine.
func (hc *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.CheckNow(ctx)

	for {
		select {
		case <-ticker.C:
			hc.CheckNow(ctx)
		case <-hc.stopChan:
			hc.logger.Info("health checker stopped")
			return
		case <-ctx.Done():
			hc.logger.Info("health checker context cancelled")
			return
		}
	}
}

// CheckNow executes a single health check and updates the status.
func (hc *Checker) CheckNow(ctx context.Context) ServiceStatus {
	checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	isHealthy, err := hc.tk.HealthCheck(checkCtx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.LastCheckTime = time.Now()

	if isHealthy {
		if !hc.status.IsHealthy {
			hc.logger.Info("toolkit recovered", "after_fails", hc.status.ConsecutiveFails)
		}
		hc.status.IsHealthy = true
		hc.status.ConsecutiveFails = 0
		hc.status.ErrorMessage = ""
		return hc.status
	}

	hc.status.ConsecutiveFails++
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	hc.status.ErrorMessage = fmt.Sprintf("health check failed: %s", errMsg)

	if hc.status.ConsecutiveFails >= hc.failThreshold {
		if hc.status.IsHealthy {
			hc.logger.Error("toolkit marked unhealthy", "consecutive_fails", hc.status.ConsecutiveFails, "error", errMsg)
		}
		hc.status.IsHealthy = false
	} else {
		hc.logger.Warn("health check failed",
			"consecutive_fails", hc.status.ConsecutiveFails,
			"threshold", hc.failThreshold,
			"error", errMsg)
	}
	return hc.status
}

// GetStatus returns a copy of the current health status.
func (hc *Checker) GetStatus() ServiceStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.status
}

// Stop terminates the checking loop. It is safe to call Stop multiple times.
func (hc *Checker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}
