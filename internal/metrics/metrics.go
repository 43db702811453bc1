// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AttemptsTotal counts downstream attempts by classified outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_attempts_total",
			Help: "Total number of downstream refresh attempts.",
		},
		[]string{"outcome"},
	)

	// BatchJobsTotal counts jobs reaching a terminal state, by status.
	BatchJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refresh_batch_jobs_total",
			Help: "Total number of jobs that reached a terminal state.",
		},
		[]string{"status"},
	)

	// InFlight tracks downstream calls currently executing. Never exceeds the
	// configured concurrency limit.
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "refresh_inflight_requests",
			Help: "Number of downstream refresh calls currently in flight.",
		},
	)

	// AttemptLatency observes per-attempt downstream latency by outcome.
	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refresh_attempt_duration_seconds",
			Help:    "Latency of individual downstream refresh attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Register adds the dispatcher collectors to the default registry. Call once
// at startup; a second call panics on duplicate registration.
func Register() {
	prometheus.MustRegister(
		AttemptsTotal,
		BatchJobsTotal,
		InFlight,
		AttemptLatency,
	)
}
