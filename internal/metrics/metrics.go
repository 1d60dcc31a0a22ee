// Package metrics holds the Prometheus collectors for the transfer pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeAbandoned = "abandoned"
)

// Metrics is a set of collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal      *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	jobsInProgress prometheus.Gauge
	transferBytes  *prometheus.CounterVec
	transferSize   prometheus.Histogram
	ledgerReverts  prometheus.Counter
	redeliveries   prometheus.Counter
	submissions    *prometheus.CounterVec
	janitorDeletes prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morphile_jobs_total",
			Help: "Finished job attempts by outcome.",
		}, []string{"outcome", "reason"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "morphile_job_duration_seconds",
			Help:    "Wall-clock time of one job attempt.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		jobsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "morphile_jobs_in_progress",
			Help: "Jobs currently held by a worker.",
		}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morphile_transfer_bytes_total",
			Help: "Bytes of successfully published transfers by fetch strategy.",
		}, []string{"strategy"}),
		transferSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "morphile_transfer_size_bytes",
			Help:    "Size of published transfers.",
			Buckets: prometheus.ExponentialBuckets(1<<16, 4, 10),
		}),
		ledgerReverts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "morphile_ledger_reverts_total",
			Help: "Charges undone after a failed capacity check or publish.",
		}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "morphile_queue_redeliveries_total",
			Help: "Deliveries of a job beyond its first.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "morphile_submissions_total",
			Help: "Submitted jobs by intake result.",
		}, []string{"result"}),
		janitorDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "morphile_janitor_deleted_objects_total",
			Help: "Expired public objects removed by the janitor.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsTotal,
		m.jobDuration,
		m.jobsInProgress,
		m.transferBytes,
		m.transferSize,
		m.ledgerReverts,
		m.redeliveries,
		m.submissions,
		m.janitorDeletes,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobStarted marks a job as held and returns a func recording its end.
func (m *Metrics) JobStarted() func(outcome, reason string) {
	m.jobsInProgress.Inc()
	start := time.Now()
	return func(outcome, reason string) {
		m.jobsInProgress.Dec()
		m.jobDuration.Observe(time.Since(start).Seconds())
		m.jobsTotal.WithLabelValues(outcome, reason).Inc()
	}
}

func (m *Metrics) Transferred(strategy string, bytes int64) {
	m.transferBytes.WithLabelValues(strategy).Add(float64(bytes))
	m.transferSize.Observe(float64(bytes))
}

func (m *Metrics) LedgerReverted() {
	m.ledgerReverts.Inc()
}

func (m *Metrics) Redelivered() {
	m.redeliveries.Inc()
}

func (m *Metrics) Submitted(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObjectsExpired(n int) {
	m.janitorDeletes.Add(float64(n))
}
