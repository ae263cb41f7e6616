// Package metrics exports job engine counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rexec"

// Metrics implements engine.Recorder on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	submitted   prometheus.Counter
	spawnFailed prometheus.Counter
	running     prometheus.Gauge
	finished    *prometheus.CounterVec
	duration    prometheus.Histogram
	outputBytes prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs whose process was spawned.",
		}),
		spawnFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Submissions rejected because no process could be created.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs whose process has not terminated yet.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from spawn to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes of job output captured.",
		}),
	}

	m.registry.MustRegister(
		m.submitted, m.spawnFailed, m.running, m.finished, m.duration, m.outputBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobStarted() {
	m.submitted.Inc()
	m.running.Inc()
}

func (m *Metrics) JobFinished(state string, elapsed time.Duration) {
	m.running.Dec()
	m.finished.WithLabelValues(state).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) SpawnFailed() {
	m.spawnFailed.Inc()
}

func (m *Metrics) OutputAppended(n int) {
	m.outputBytes.Add(float64(n))
}
