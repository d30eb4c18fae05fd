// Package metrics defines the Prometheus metrics exported by mahid
// (SPEC_FULL.md §A3), following the teacher's pkg/metrics pattern:
// package-level collectors registered once in init(), plus a Timer
// helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Auth Manager metrics
	TokensActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mahi_tokens_active",
			Help: "Total number of tokens currently known to the Auth Manager",
		},
	)

	AuthRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mahi_auth_rate_limited_total",
			Help: "Total number of requests rejected for exceeding a token's rate limit",
		},
	)

	// Multi-Transport Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mahi_gateway_requests_total",
			Help: "Total number of gateway requests by transport and operation",
		},
		[]string{"transport", "op"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mahi_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds by transport and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "op"},
	)

	// Worker Pool metrics
	PoolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mahi_pool_workers",
			Help: "Number of workers by state",
		},
		[]string{"state"},
	)

	PoolRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mahi_pool_restarts_total",
			Help: "Total number of worker restarts performed by the pool",
		},
	)

	// Sandbox Harness metrics
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mahi_sandbox_executions_total",
			Help: "Total number of sandboxed executions by outcome",
		},
		[]string{"outcome"},
	)

	SandboxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mahi_sandbox_duration_seconds",
			Help:    "Sandboxed execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Process Supervisor metrics
	SupervisorRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mahi_supervisor_restarts_total",
			Help: "Total number of times the supervisor restarted its child process",
		},
	)
)

func init() {
	prometheus.MustRegister(TokensActive)
	prometheus.MustRegister(AuthRateLimitedTotal)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(PoolWorkers)
	prometheus.MustRegister(PoolRestartsTotal)
	prometheus.MustRegister(SandboxExecutionsTotal)
	prometheus.MustRegister(SandboxDuration)
	prometheus.MustRegister(SupervisorRestartsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
