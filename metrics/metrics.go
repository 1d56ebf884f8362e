// Package metrics wraps Prometheus instrumentation for the dispatch path.
// The collector owns its registry so tests and embedders never fight over
// the global default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the metric vectors recorded by the dispatcher and the
// backends. All record methods are nil-safe so callers can run unmetered.
type Collector struct {
	registry *prometheus.Registry

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DispatchInFlight prometheus.Gauge
	RetryTotal       *prometheus.CounterVec
	LockWait         *prometheus.HistogramVec
	BackendCalls     *prometheus.CounterVec
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sapops",
			Name:      "dispatch_total",
			Help:      "Total dispatched operations by terminal status",
		}, []string{"operation", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sapops",
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300, 600},
		}, []string{"operation"}),
		DispatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sapops",
			Name:      "dispatch_in_flight",
			Help:      "Dispatches currently between received and terminal state",
		}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sapops",
			Name:      "dispatch_retries_total",
			Help:      "Backend attempts beyond the first, by operation and plane",
		}, []string{"operation", "plane"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sapops",
			Name:      "target_lock_wait_seconds",
			Help:      "Time spent queued for a target's serialization lock",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"plane"}),
		BackendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sapops",
			Name:      "backend_calls_total",
			Help:      "Backend executions by plane and outcome kind",
		}, []string{"plane", "kind"}),
	}

	reg.MustRegister(
		c.DispatchTotal,
		c.DispatchDuration,
		c.DispatchInFlight,
		c.RetryTotal,
		c.LockWait,
		c.BackendCalls,
	)
	return c
}

// Handler returns an HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// DispatchStarted marks a dispatch entering the pipeline.
func (c *Collector) DispatchStarted() {
	if c == nil || c.DispatchInFlight == nil {
		return
	}
	c.DispatchInFlight.Inc()
}

// DispatchFinished records the terminal status and duration of a dispatch.
func (c *Collector) DispatchFinished(operation, status string, duration time.Duration) {
	if c == nil {
		return
	}
	if c.DispatchInFlight != nil {
		c.DispatchInFlight.Dec()
	}
	if c.DispatchTotal != nil {
		c.DispatchTotal.WithLabelValues(operation, status).Inc()
	}
	if c.DispatchDuration != nil {
		c.DispatchDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordRetries counts attempts beyond the first for one plane execution.
func (c *Collector) RecordRetries(operation, plane string, retries int) {
	if c == nil || c.RetryTotal == nil || retries <= 0 {
		return
	}
	c.RetryTotal.WithLabelValues(operation, plane).Add(float64(retries))
}

// ObserveLockWait records how long a dispatch queued for its target lock.
func (c *Collector) ObserveLockWait(plane string, wait time.Duration) {
	if c == nil || c.LockWait == nil {
		return
	}
	c.LockWait.WithLabelValues(plane).Observe(wait.Seconds())
}

// RecordBackendCall counts one finished backend execution.
func (c *Collector) RecordBackendCall(plane, kind string) {
	if c == nil || c.BackendCalls == nil {
		return
	}
	c.BackendCalls.WithLabelValues(plane, kind).Inc()
}
