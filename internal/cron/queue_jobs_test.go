package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angelmondragon/libraryloans-backend/pkg/metrics"
)

type fakeQueue struct {
	requeued    int64
	purged      int64
	err         error
	lastCutoff  time.Time
	purgeCalls  int
	requeueCall int
}

func (f *fakeQueue) RequeueStalled(context.Context) (int64, error) {
	f.requeueCall++
	if f.err != nil {
		return 0, f.err
	}
	return f.requeued, nil
}

func (f *fakeQueue) PurgeFinished(_ context.Context, cutoff time.Time) (int64, error) {
	f.purgeCalls++
	f.lastCutoff = cutoff
	if f.err != nil {
		return 0, f.err
	}
	return f.purged, nil
}

func TestStalledJobsJobRecordsRequeued(t *testing.T) {
	queue := &fakeQueue{requeued: 3}
	m := metrics.NewJobMetrics(prometheus.NewRegistry())
	job, err := NewStalledJobsJob(StalledJobsJobParams{Logger: testLogger(), Queue: queue, Metrics: m})
	if err != nil {
		t.Fatalf("NewStalledJobsJob: %v", err)
	}
	if job.Name() != "stalled-jobs" {
		t.Fatalf("unexpected name %q", job.Name())
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := testutil.ToFloat64(m.Requeued()); got != 3 {
		t.Fatalf("expected 3 requeued, got %v", got)
	}
}

func TestStalledJobsJobWithoutMetrics(t *testing.T) {
	queue := &fakeQueue{requeued: 1}
	job, err := NewStalledJobsJob(StalledJobsJobParams{Logger: testLogger(), Queue: queue})
	if err != nil {
		t.Fatalf("NewStalledJobsJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if queue.requeueCall != 1 {
		t.Fatalf("expected one requeue call, got %d", queue.requeueCall)
	}
}

func TestStalledJobsJobPropagatesError(t *testing.T) {
	job, err := NewStalledJobsJob(StalledJobsJobParams{Logger: testLogger(), Queue: &fakeQueue{err: errors.New("down")}})
	if err != nil {
		t.Fatalf("NewStalledJobsJob: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestJobRetentionJobUsesCutoff(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	queue := &fakeQueue{purged: 12}
	jobIface, err := NewJobRetentionJob(JobRetentionJobParams{Logger: testLogger(), Queue: queue})
	if err != nil {
		t.Fatalf("NewJobRetentionJob: %v", err)
	}
	job := jobIface.(*jobRetentionJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expected := now.Add(-finishedJobRetentionDays * 24 * time.Hour)
	if !queue.lastCutoff.Equal(expected) {
		t.Fatalf("expected cutoff %s, got %s", expected, queue.lastCutoff)
	}
	if queue.purgeCalls != 1 {
		t.Fatalf("expected purge called once, got %d", queue.purgeCalls)
	}
}

func TestJobRetentionJobPropagatesError(t *testing.T) {
	job, err := NewJobRetentionJob(JobRetentionJobParams{Logger: testLogger(), Queue: &fakeQueue{err: errors.New("boom")}})
	if err != nil {
		t.Fatalf("NewJobRetentionJob: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestQueueJobsRequireDependencies(t *testing.T) {
	if _, err := NewStalledJobsJob(StalledJobsJobParams{Logger: testLogger()}); err == nil {
		t.Fatal("expected error without queue")
	}
	if _, err := NewJobRetentionJob(JobRetentionJobParams{Queue: &fakeQueue{}}); err == nil {
		t.Fatal("expected error without logger")
	}
}
