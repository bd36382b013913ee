// Package metrics provides Prometheus metrics for the diarization pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Dependency execution metrics
var (
	// commandExecutionTotal records the total number of toolkit command executions.
	// Labels:
	//   - command: Command name (e.g., "python", "ffmpeg")
	//   - mode: Execution mode ("local", "remote")
	//   - status: Execution status ("success", "failed", "timeout")
	commandExecutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diarize_dependency_command_executions_total",
			Help: "Total number of toolkit command executions",
		},
		[]string{"command", "mode", "status"},
	)

	// commandExecutionDuration records the duration of toolkit command executions.
	// Buckets: 0.1s .. 30 minutes; transcription of long recordings on CPU is slow.
	commandExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diarize_dependency_command_duration_seconds",
			Help:    "Duration of toolkit command executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"command", "mode"},
	)

	// degradationEventsTotal records execution mode switches.
	// Labels:
	//   - from_mode: Source execution mode (e.g., "remote", "cuda")
	//   - to_mode: Target execution mode (e.g., "local", "cpu")
	degradationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diarize_dependency_degradation_events_total",
			Help: "Total number of execution mode degradation events (e.g., remote -> local)",
		},
		[]string{"from_mode", "to_mode"},
	)
)

func init() {
	prometheus.MustRegister(commandExecutionTotal)
	prometheus.MustRegister(commandExecutionDuration)
	prometheus.MustRegister(degradationEventsTotal)
}

// RecordCommandExecution records a command execution event.
func RecordCommandExecution(command, mode, status string) {
	commandExecutionTotal.WithLabelValues(command, mode, status).Inc()
}

// RecordCommandDuration records the duration of a command execution in seconds.
func RecordCommandDuration(command, mode string, durationSeconds float64) {
	commandExecutionDuration.WithLabelValues(command, mode).Observe(durationSeconds)
}

// RecordDegradationEvent records a switch from one execution mode to another.
func RecordDegradationEvent(fromMode, toMode string) {
	degradationEventsTotal.WithLabelValues(fromMode, toMode).Inc()
}
