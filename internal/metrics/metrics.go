// Package metrics exposes Prometheus collectors for marker discovery jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "markers"

// Metrics holds the collectors of one process. A nil *Metrics records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	jobs         *prometheus.CounterVec
	running      prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
	replicates   prometheus.Counter
	exportedRows *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Marker jobs by terminal status.",
		}, []string{"status"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Marker jobs currently executing.",
		}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_phase_seconds",
			Help:      "Time spent per job phase.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"phase"}),
		replicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replicates_total",
			Help:      "Bootstrap replicates computed.",
		}),
		exportedRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exported_rows_total",
			Help:      "Rows written to export sinks by file.",
		}, []string{"file"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

// JobFinished records the terminal status of a running job.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.jobs.WithLabelValues(status).Inc()
}

// ObservePhase records how long a job phase took.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ReplicateDone counts one finished replicate.
func (m *Metrics) ReplicateDone() {
	if m == nil {
		return
	}
	m.replicates.Inc()
}

// RowsExported counts rows written for an export file.
func (m *Metrics) RowsExported(file string, n int) {
	if m == nil {
		return
	}
	m.exportedRows.WithLabelValues(file).Add(float64(n))
}
