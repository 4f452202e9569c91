package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsRecordedTotal = "audit_events_recorded_total"
	MetricDuplicatesTotal     = "audit_duplicate_submissions_total"
	MetricConflictsTotal      = "audit_admission_conflicts_total"
	MetricCommitDuration      = "audit_commit_duration_seconds"
	MetricVerifyFailuresTotal = "audit_verify_failures_total"
)

// Metrics contains Prometheus metrics for the audit engine.
// All operations are thread-safe.
type Metrics struct {
	eventsRecorded *prometheus.CounterVec
	duplicates     prometheus.Counter
	conflicts      *prometheus.CounterVec
	commitDuration prometheus.Histogram
	verifyFailures *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register
// them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsRecordedTotal,
				Help: "Total number of audit events committed by partition",
			},
			[]string{"partition"},
		),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDuplicatesTotal,
			Help: "Total number of idempotent re-submissions returning an existing event",
		}),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricConflictsTotal,
				Help: "Total number of admission attempts retried after a concurrency conflict",
			},
			[]string{"partition"},
		),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricCommitDuration,
			Help:    "Histogram of audit event admission duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		verifyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerifyFailuresTotal,
				Help: "Total number of chain verification failures by partition and reason",
			},
			[]string{"partition", "reason"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRecorded increments the committed-events counter for a partition.
func (m *Metrics) IncRecorded(partition string) {
	m.eventsRecorded.WithLabelValues(partition).Inc()
}

// IncDuplicates increments the idempotent re-submission counter.
func (m *Metrics) IncDuplicates() {
	m.duplicates.Inc()
}

// IncConflicts increments the admission conflict counter for a partition.
func (m *Metrics) IncConflicts(partition string) {
	m.conflicts.WithLabelValues(partition).Inc()
}

// ObserveCommitDuration records an admission duration sample.
func (m *Metrics) ObserveCommitDuration(seconds float64) {
	m.commitDuration.Observe(seconds)
}

// IncVerifyFailures increments the verification failure counter.
func (m *Metrics) IncVerifyFailures(partition, reason string) {
	m.verifyFailures.WithLabelValues(partition, reason).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsRecorded,
		m.duplicates,
		m.conflicts,
		m.commitDuration,
		m.verifyFailures,
	}
}
