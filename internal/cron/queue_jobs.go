package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/metrics"
)

const finishedJobRetentionDays = 7

type stalledRequeuer interface {
	RequeueStalled(ctx context.Context) (int64, error)
}

type StalledJobsJobParams struct {
	Logger  *logger.Logger
	Queue   stalledRequeuer
	Metrics *metrics.JobMetrics
}

// NewStalledJobsJob returns running jobs whose visibility timeout lapsed to the queue.
func NewStalledJobsJob(params StalledJobsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	return &stalledJobsJob{logg: params.Logger, queue: params.Queue, metrics: params.Metrics}, nil
}

type stalledJobsJob struct {
	logg    *logger.Logger
	queue   stalledRequeuer
	metrics *metrics.JobMetrics
}

func (j *stalledJobsJob) Name() string { return "stalled-jobs" }

func (j *stalledJobsJob) Run(ctx context.Context) error {
	requeued, err := j.queue.RequeueStalled(ctx)
	if err != nil {
		return fmt.Errorf("requeue stalled jobs: %w", err)
	}
	j.metrics.AddRequeued(requeued)
	if requeued > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "requeued", requeued), "stalled jobs requeued")
	}
	return nil
}

type finishedJobPurger interface {
	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

type JobRetentionJobParams struct {
	Logger    *logger.Logger
	Queue     finishedJobPurger
	Retention int
}

// NewJobRetentionJob deletes completed and canceled queue rows past retention.
func NewJobRetentionJob(params JobRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = finishedJobRetentionDays
	}
	return &jobRetentionJob{
		logg:      params.Logger,
		queue:     params.Queue,
		retention: retention,
		now:       time.Now,
	}, nil
}

type jobRetentionJob struct {
	logg      *logger.Logger
	queue     finishedJobPurger
	retention int
	now       func() time.Time
}

func (j *jobRetentionJob) Name() string { return "job-retention" }

func (j *jobRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.queue.PurgeFinished(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("job retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "job retention complete")
	return nil
}
