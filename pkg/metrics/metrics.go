package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth is the number of timeline records buffered in the
	// Execution Context's upload queue, sampled per job.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetagent_queue_depth",
			Help: "Number of timeline records buffered in the active job's upload queue",
		},
	)

	PollLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetagent_poll_latency_seconds",
			Help:    "Time spent in each GetNext long-poll round trip",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetagent_poll_errors_total",
			Help: "Total GetNext poll failures by classification",
		},
		[]string{"reason"},
	)

	ThrottleDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetagent_timeline_throttle_delay_seconds",
			Help:    "Duration of each timeline record upload call",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetagent_active_workers",
			Help: "Number of Worker child processes currently supervised (0 or 1)",
		},
	)

	JobResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetagent_job_results_total",
			Help: "Total completed jobs by terminal result",
		},
		[]string{"result"},
	)

	WorkerCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetagent_worker_crashes_total",
			Help: "Total worker exits that occurred without a JobCompleted message",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetagent_step_duration_seconds",
			Help:    "Step execution duration in seconds by target and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target", "result"},
	)

	KeepAliveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetagent_keepalive_failures_total",
			Help: "Total session keep-alive calls that returned an error",
		},
	)

	SelfUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetagent_self_updates_total",
			Help: "Total agent-refresh messages that triggered a self-update hold",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		PollLatency,
		PollErrorsTotal,
		ThrottleDelaySeconds,
		ActiveWorkers,
		JobResultsTotal,
		WorkerCrashesTotal,
		StepDuration,
		KeepAliveFailuresTotal,
		SelfUpdatesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording it to a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
