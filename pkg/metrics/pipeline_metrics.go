package metrics

import "github.com/prometheus/client_golang/prometheus"

// Job and stage metrics
var (
	// jobSubmissionsTotal counts submissions by result (accepted/busy/rejected).
	jobSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diarize_job_submissions_total",
			Help: "Total number of job submissions by result",
		},
		[]string{"result"},
	)

	// jobsFinishedTotal counts terminal transitions.
	// Labels: status (succeeded/failed/cancelled), reason (empty unless failed)
	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diarize_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"status", "reason"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diarize_job_duration_seconds",
			Help:    "Wall-clock job duration from start of work to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diarize_queue_depth",
			Help: "Number of pending jobs waiting for a worker",
		},
	)

	runningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diarize_running_jobs",
			Help: "Number of jobs currently owned by a worker",
		},
	)

	// stageAttemptsTotal counts toolkit stage attempts.
	// Labels: stage (transcribe/align/diarize/embed), status (success/retry/failed)
	stageAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diarize_stage_attempts_total",
			Help: "Total number of stage attempts by stage and status",
		},
		[]string{"stage", "status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diarize_stage_duration_seconds",
			Help:    "Stage duration in seconds, including retries",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"stage"},
	)

	// resolutionsTotal counts per-cluster outcomes (resolved/mapped/unresolved).
	resolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diarize_speaker_resolutions_total",
			Help: "Total number of speaker cluster resolutions by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(jobSubmissionsTotal)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(runningJobs)
	prometheus.MustRegister(stageAttemptsTotal)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(resolutionsTotal)
}

// RecordSubmission records a submission outcome.
func RecordSubmission(result string) {
	jobSubmissionsTotal.WithLabelValues(result).Inc()
}

// RecordJobFinished records a terminal transition and its duration.
func RecordJobFinished(status, reason string, durationSeconds float64) {
	jobsFinishedTotal.WithLabelValues(status, reason).Inc()
	jobDuration.WithLabelValues(status).Observe(durationSeconds)
}

// SetQueueState publishes the current pending and running counts.
func SetQueueState(pending, running int) {
	queueDepth.Set(float64(pending))
	runningJobs.Set(float64(running))
}

// RecordStageAttempt records one attempt of a stage.
func RecordStageAttempt(stage, status string) {
	stageAttemptsTotal.WithLabelValues(stage, status).Inc()
}

// RecordStageDuration records total time spent in a stage.
func RecordStageDuration(stage string, durationSeconds float64) {
	stageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordResolution records the outcome for one speaker cluster.
func RecordResolution(outcome string) {
	resolutionsTotal.WithLabelValues(outcome).Inc()
}
