package audit

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}

	collectors := m.Collectors()
	if len(collectors) != 5 {
		t.Errorf("expected 5 collectors, got %d", len(collectors))
	}
}

func TestMetrics_Register(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		m := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m.Register(reg); err != nil {
			t.Errorf("Register() returned error: %v", err)
		}

		// Record some metrics to ensure they appear in Gather()
		m.IncRecorded(DefaultPartition)
		m.IncDuplicates()
		m.IncConflicts(DefaultPartition)
		m.ObserveCommitDuration(0.01)
		m.IncVerifyFailures(DefaultPartition, ReasonHashMismatch)

		families, err := reg.Gather()
		if err != nil {
			t.Errorf("Gather() returned error: %v", err)
		}

		expectedNames := map[string]bool{
			MetricEventsRecordedTotal: false,
			MetricDuplicatesTotal:     false,
			MetricConflictsTotal:      false,
			MetricCommitDuration:      false,
			MetricVerifyFailuresTotal: false,
		}

		for _, family := range families {
			if _, ok := expectedNames[family.GetName()]; ok {
				expectedNames[family.GetName()] = true
			}
		}

		for name, found := range expectedNames {
			if !found {
				t.Errorf("metric %s not found in gathered metrics", name)
			}
		}
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		m1 := NewMetrics()
		m2 := NewMetrics()
		reg := prometheus.NewRegistry()

		if err := m1.Register(reg); err != nil {
			t.Fatalf("first Register() returned error: %v", err)
		}

		if err := m2.Register(reg); err == nil {
			t.Error("second Register() should have returned an error")
		}
	})
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	metric, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() error = %v", err)
	}
	var m dto.Metric
	if err := metric.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.IncRecorded("appeals")
	m.IncRecorded("appeals")
	m.IncConflicts("appeals")
	m.IncVerifyFailures("appeals", ReasonFork)

	if got := counterVecValue(t, m.eventsRecorded, "appeals"); got != 2 {
		t.Errorf("events recorded = %v, want 2", got)
	}
	if got := counterVecValue(t, m.conflicts, "appeals"); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := counterVecValue(t, m.verifyFailures, "appeals", ReasonFork); got != 1 {
		t.Errorf("verify failures = %v, want 1", got)
	}
	// Partitions never touched stay at zero.
	if got := counterVecValue(t, m.eventsRecorded, "meetings"); got != 0 {
		t.Errorf("untouched partition = %v, want 0", got)
	}
}

func TestMetrics_EngineIntegration(t *testing.T) {
	m := NewMetrics()
	engine := NewEngine(NewInMemoryEventLog(), NewInMemoryHeadStore(), newTestLogger(), m)
	ctx := context.Background()

	if _, err := engine.RecordEvent(ctx, RecordInput{
		Action:        "doc.create",
		Actor:         "alice",
		CorrelationID: "corr-1",
	}); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	if _, err := engine.RecordEvent(ctx, RecordInput{
		Action:        "doc.create",
		Actor:         "alice",
		CorrelationID: "corr-1",
	}); err != nil {
		t.Fatalf("RecordEvent() replay error = %v", err)
	}

	if got := counterVecValue(t, m.eventsRecorded, DefaultPartition); got != 1 {
		t.Errorf("events recorded = %v, want 1", got)
	}

	var dup dto.Metric
	if err := m.duplicates.Write(&dup); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := dup.GetCounter().GetValue(); got != 1 {
		t.Errorf("duplicates = %v, want 1", got)
	}
}
