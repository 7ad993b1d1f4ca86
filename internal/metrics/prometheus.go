// Package metrics provides Prometheus metrics for the xsknet service.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. The
// datapath itself is not instrumented; only the control-plane HTTP
// surface and the runtime are.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge

	// System metrics
	GoRoutines prometheus.Gauge
	HeapAlloc  prometheus.Gauge
	HeapSys    prometheus.Gauge
	GCPauseNS  prometheus.Gauge
}

// NewMetrics creates and registers all metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "xsknet"
	}

	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPActiveRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
		),

		GoRoutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of goroutines",
			},
		),

		HeapAlloc: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "heap_alloc_bytes",
				Help:      "Heap allocation in bytes",
			},
		),

		HeapSys: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "heap_sys_bytes",
				Help:      "Heap system memory in bytes",
			},
		),

		GCPauseNS: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_pause_ns",
				Help:      "Last GC pause duration in nanoseconds",
			},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// UpdateSystemStats refreshes the runtime gauges.
func (m *Metrics) UpdateSystemStats() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.GoRoutines.Set(float64(runtime.NumGoroutine()))
	m.HeapAlloc.Set(float64(ms.HeapAlloc))
	m.HeapSys.Set(float64(ms.HeapSys))
	if ms.NumGC > 0 {
		m.GCPauseNS.Set(float64(ms.PauseNs[(ms.NumGC+255)%256]))
	}
}
