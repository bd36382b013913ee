// Package degradation provides automatic service degradation and recovery for the speech toolkit.
// It monitors health status and switches between the primary and fallback toolkits.
package degradation

import (
	"log/slog"
	"sync"

	"github.com/hurrican1/diarization-bot/internal/health"
	"github.com/hurrican1/diarization-bot/internal/toolkit"
	"github.com/hurrican1/diarization-bot/pkg/metrics"
)

// StatusReporter exposes the primary toolkit's health.
type StatusReporter interface {
	GetStatus() health.ServiceStatus
}

// Status is the controller state reported by the toolkit health endpoint.
type Status struct {
	Current  string               `json:"current"`
	Primary  string               `json:"primary"`
	Fallback string               `json:"fallback"`
	Degraded bool                 `json:"degraded"`
	Health   health.ServiceStatus `json:"health"`
}

// Controller switches between a primary toolkit (e.g. WhisperX on cuda) and a
// fallback toolkit (e.g. WhisperX on cpu/int8) based on the primary's health.
//
// Thread-safety: All public methods are thread-safe via sync.Mutex.
type Controller struct {
	primary  toolkit.Toolkit
	fallback toolkit.Toolkit
	checker  StatusReporter

	mu         sync.Mutex
	current    toolkit.Toolkit // protected by mu
	isDegraded bool            // protected by mu
	logger     *slog.Logger
}

// NewController creates a Controller. It starts on the primary toolkit.
func NewController(primary, fallback toolkit.Toolkit, checker StatusReporter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		primary:  primary,
		fallback: fallback,
		checker:  checker,
		current:  primary,
		logger:   logger.With("component", "degradation"),
	}
}

// GetToolkit returns the active toolkit, switching to the fallback while the
// primary is unhealthy and back once it recovers.
func (dc *Controller) GetToolkit() toolkit.Toolkit {
	status := dc.checker.GetStatus()

	dc.mu.Lock()
	defer dc.mu.Unlock()

	if !status.IsHealthy && !dc.isDegraded {
		dc.logger.Warn("degrading to fallback toolkit",
			"fallback", dc.fallback.Name(),
			"primary", dc.primary.Name(),
			"reason", status.ErrorMessage)
		dc.current = dc.fallback
		dc.isDegraded = true
		metrics.RecordDegradationEvent(dc.primary.Name(), dc.fallback.Name())
	}

	if status.IsHealthy && dc.isDegraded {
		dc.logger.Info("recovering to primary toolkit", "primary", dc.primary.Name())
		dc.current = dc.primary
		dc.isDegraded = false
	}

	return dc.current
}

// IsDegraded returns whether the fallback toolkit is in use.
func (dc *Controller) IsDegraded() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.isDegraded
}

// Status refreshes the selection and reports it.
func (dc *Controller) Status() Status {
	current := dc.GetToolkit()
	return Status{
		Current:  current.Name(),
		Primary:  dc.primary.Name(),
		Fallback: dc.fallback.Name(),
		Degraded: dc.IsDegraded(),
		Health:   dc.checker.GetStatus(),
	}
}
