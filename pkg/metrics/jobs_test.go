package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestJobMetricsRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetrics(reg)

	m.ObserveJob("pickup-expiry", OutcomeApplied, 10*time.Millisecond)
	m.ObserveJob("pickup-expiry", OutcomeSkipped, 5*time.Millisecond)
	m.ObserveJob("pickup-expiry", OutcomeSkipped, 5*time.Millisecond)
	m.AddClaimed(3)
	m.AddClaimed(0)
	m.AddRequeued(2)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got := counterWithLabels(mfs, "library_jobs_processed_total", map[string]string{"kind": "pickup-expiry", "outcome": OutcomeSkipped}); got != 2 {
		t.Fatalf("expected skipped=2, got %f", got)
	}
	if got := counterWithLabels(mfs, "library_jobs_processed_total", map[string]string{"kind": "pickup-expiry", "outcome": OutcomeApplied}); got != 1 {
		t.Fatalf("expected applied=1, got %f", got)
	}
	if got := counterWithLabels(mfs, "library_jobs_claimed_total", nil); got != 3 {
		t.Fatalf("expected claimed=3, got %f", got)
	}
	if got := counterWithLabels(mfs, "library_jobs_requeued_total", nil); got != 2 {
		t.Fatalf("expected requeued=2, got %f", got)
	}
	if got, err := fetchHistogramSum(mfs, "library_job_duration_seconds", "kind", "pickup-expiry"); err != nil || got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f err=%v", got, err)
	}
}

func TestJobMetricsNilSafe(t *testing.T) {
	var m *JobMetrics
	m.ObserveJob("due-reminder", OutcomeDead, time.Second)
	m.AddClaimed(1)
	m.AddRequeued(1)

	NewJobMetrics(nil).ObserveJob("due-reminder", OutcomeDead, time.Second)
}

func counterWithLabels(mfs []*dto.MetricFamily, name string, labels map[string]string) float64 {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return -1
	}
	for _, metric := range mf.GetMetric() {
		matched := true
		for k, v := range labels {
			if !matchesLabel(metric.GetLabel(), k, v) {
				matched = false
				break
			}
		}
		if matched {
			return metric.GetCounter().GetValue()
		}
	}
	return -1
}
