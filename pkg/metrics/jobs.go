package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job outcomes recorded by the worker.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeRetried = "retried"
	OutcomeDead    = "dead"
	OutcomeDropped = "dropped"
)

// JobMetrics records delayed job processing.
type JobMetrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	claimed   prometheus.Counter
	requeued  prometheus.Counter
}

// NewJobMetrics registers the job metrics on the provided registerer.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "library_jobs_processed_total",
		Help: "Delayed jobs handled, by kind and outcome.",
	}, []string{"kind", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "library_job_duration_seconds",
		Help:    "Handler duration of delayed jobs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	claimed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "library_jobs_claimed_total",
		Help: "Delayed jobs claimed from the queue.",
	})
	requeued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "library_jobs_requeued_total",
		Help: "Stalled jobs returned to the queue.",
	})
	reg.MustRegister(processed, duration, claimed, requeued)
	return &JobMetrics{
		processed: processed,
		duration:  duration,
		claimed:   claimed,
		requeued:  requeued,
	}
}

// ObserveJob records one handled job.
func (m *JobMetrics) ObserveJob(kind, outcome string, duration time.Duration) {
	if m == nil || m.processed == nil {
		return
	}
	kind = normalizeLabel(kind)
	m.processed.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddClaimed counts jobs claimed in a batch.
func (m *JobMetrics) AddClaimed(n int) {
	if m == nil || m.claimed == nil || n <= 0 {
		return
	}
	m.claimed.Add(float64(n))
}

// AddRequeued counts stalled jobs put back in the queue.
func (m *JobMetrics) AddRequeued(n int64) {
	if m == nil || m.requeued == nil || n <= 0 {
		return
	}
	m.requeued.Add(float64(n))
}

// Processed returns the counter for one kind and outcome.
func (m *JobMetrics) Processed(kind, outcome string) prometheus.Counter {
	return m.processed.WithLabelValues(normalizeLabel(kind), outcome)
}

// Requeued returns the stalled-job requeue counter.
func (m *JobMetrics) Requeued() prometheus.Counter {
	return m.requeued
}
