// Package metrics exposes Prometheus instrumentation for the Fig server.
//
// All recording methods are safe on a nil *Metrics so services can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fig"

type Metrics struct {
	registry *prometheus.Registry

	heartbeats           *prometheus.CounterVec
	registrations        *prometheus.CounterVec
	verificationRuns     *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	memoryLeaks          prometheus.Counter
	eventsPublished      *prometheus.CounterVec
	retentionPruned      *prometheus.CounterVec
}

// New creates a registry with process/Go collectors and the Fig metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "heartbeats_total",
			Help:      "Client heartbeats processed by result (ok, unauthorized, error).",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Client registrations by outcome.",
		}, []string{"outcome"}),
		verificationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "runs_total",
			Help:      "Verification runs by kind and result (success, failure).",
		}, []string{"kind", "result"}),
		verificationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "duration_seconds",
			Help:      "Verification execution time in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms .. ~3.8s
		}, []string{"kind"}),
		memoryLeaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "memory_leaks_detected_total",
			Help:      "Run sessions flagged with a possible memory leak.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "recorded_total",
			Help:      "Audit events recorded by type.",
		}, []string{"type"}),
		retentionPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "pruned_total",
			Help:      "Records removed by the retention janitor by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.heartbeats,
		m.registrations,
		m.verificationRuns,
		m.verificationDuration,
		m.memoryLeaks,
		m.eventsPublished,
		m.retentionPruned,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) Registration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) VerificationRun(kind string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.verificationRuns.WithLabelValues(kind, result).Inc()
	m.verificationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) MemoryLeakDetected() {
	if m == nil {
		return
	}
	m.memoryLeaks.Inc()
}

func (m *Metrics) EventRecorded(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Pruned(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionPruned.WithLabelValues(kind).Add(float64(n))
}
