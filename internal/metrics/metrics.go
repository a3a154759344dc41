package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookforge_provider_request_duration_seconds",
			Help:    "Provider request duration in seconds by provider",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"provider", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by provider",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"provider"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bookforge_tick_duration_seconds",
			Help:    "Duration of one job tick",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	phaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookforge_phase_outcomes_total",
			Help: "Phase instance outcomes by phase and result",
		},
		[]string{"phase", "result"}, // result: "success"/"retriable"/"fatal"/"cache_hit"
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookforge_queue_depth",
			Help: "Current depth of the work queue",
		},
		[]string{"queue"},
	)

	jobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookforge_jobs_by_status",
			Help: "Jobs observed transitioning into each status",
		},
		[]string{"status"},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct{}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{}
}

// RecordProviderRequest records a provider request duration
func (c *Collector) RecordProviderRequest(provider string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	providerRequestDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(provider string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTick records the duration of one job tick
func (c *Collector) RecordTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

// RecordPhaseOutcome increments the phase outcome counter
func (c *Collector) RecordPhaseOutcome(phase, result string) {
	phaseOutcomes.WithLabelValues(phase, result).Inc()
}

// SetQueueDepth sets the current queue depth gauge
func (c *Collector) SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncJobStatus counts a job transitioning into a status
func (c *Collector) IncJobStatus(status string) {
	jobsByStatus.WithLabelValues(status).Inc()
}
