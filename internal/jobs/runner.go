package jobs

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/jobqueue"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/metrics"
)

const (
	defaultConcurrency = 4
	defaultBatchSize   = 20
	defaultPoll        = time.Second
	defaultVisibility  = 5 * time.Minute
	maxIdleBackoff     = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
var jitterMu sync.Mutex

type jobQueue interface {
	Claim(ctx context.Context, limit int, visibility time.Duration) ([]models.ScheduledJob, error)
	Complete(ctx context.Context, id uuid.UUID, note string) error
	Fail(ctx context.Context, job models.ScheduledJob, cause error) (bool, error)
	Dead(ctx context.Context, job models.ScheduledJob, cause error) error
}

type jobHandler interface {
	Process(ctx context.Context, job models.ScheduledJob) (Result, error)
}

type RunnerParams struct {
	Queue   jobQueue
	Handler jobHandler
	Config  config.WorkerConfig
	Metrics *metrics.JobMetrics
	Logger  *logger.Logger
}

// Runner polls the queue and hands claimed jobs to a fixed pool of workers.
type Runner struct {
	queue        jobQueue
	handler      jobHandler
	metrics      *metrics.JobMetrics
	logg         *logger.Logger
	concurrency  int
	batchSize    int
	pollInterval time.Duration
	visibility   time.Duration
}

func NewRunner(params RunnerParams) (*Runner, error) {
	if params.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if params.Handler == nil {
		return nil, errors.New("job handler is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}

	cfg := params.Config
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPoll
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibility
	}

	return &Runner{
		queue:        params.Queue,
		handler:      params.Handler,
		metrics:      params.Metrics,
		logg:         params.Logger,
		concurrency:  concurrency,
		batchSize:    batch,
		pollInterval: poll,
		visibility:   visibility,
	}, nil
}

// Run polls until ctx is canceled. Jobs already claimed are finished before it returns.
func (r *Runner) Run(ctx context.Context) error {
	backoff := r.pollInterval
	for {
		select {
		case <-ctx.Done():
			r.logg.Info(ctx, "job runner context canceled")
			return ctx.Err()
		default:
		}

		processed, err := r.processBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logg.Error(ctx, "job runner batch error", err)
			backoff = nextBackoff(backoff, r.pollInterval, maxIdleBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = r.pollInterval
		if processed > 0 {
			continue
		}
		if err := sleep(ctx, withJitter(r.pollInterval)); err != nil {
			return err
		}
	}
}

func (r *Runner) processBatch(ctx context.Context) (int, error) {
	batch, err := r.queue.Claim(ctx, r.batchSize, r.visibility)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	r.metrics.AddClaimed(len(batch))

	// claimed jobs run to completion even if shutdown starts mid-batch
	workCtx := context.WithoutCancel(ctx)

	work := make(chan models.ScheduledJob, r.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				r.handle(workCtx, job)
			}
		}()
	}
	for _, job := range batch {
		work <- job
	}
	close(work)
	wg.Wait()
	return len(batch), nil
}

func (r *Runner) handle(ctx context.Context, job models.ScheduledJob) {
	ctx = r.logg.WithJobID(ctx, job.ID.String())
	ctx = r.logg.WithFields(ctx, map[string]any{
		"kind":      job.Kind,
		"borrow_id": job.BorrowID.String(),
		"attempt":   job.AttemptsMade,
	})

	start := time.Now()
	result, err := r.safeProcess(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		outcome := r.fail(ctx, job, err)
		r.metrics.ObserveJob(string(job.Kind), outcome, elapsed)
		return
	}

	if err := r.queue.Complete(ctx, job.ID, result.Reason); err != nil {
		// the job stays running until its visibility lapses and it is redelivered
		r.logg.Error(ctx, "complete job", err)
	}
	if result.Outcome != metrics.OutcomeApplied && result.Reason != "" {
		r.logg.Info(r.logg.WithField(ctx, "reason", result.Reason), "job "+result.Outcome)
	}
	r.metrics.ObserveJob(string(job.Kind), result.Outcome, elapsed)
}

// fail retries transient errors and dead-letters the rest.
func (r *Runner) fail(ctx context.Context, job models.ScheduledJob, cause error) string {
	if !pkgerrors.Retryable(cause) {
		if err := r.queue.Dead(ctx, job, cause); err != nil {
			if errors.Is(err, jobqueue.ErrNotHeld) {
				r.logg.Warn(r.logg.WithField(ctx, "error", cause.Error()), "job failed after its claim lapsed")
				return metrics.OutcomeRetried
			}
			r.logg.Error(ctx, "dead-letter job", err)
		}
		r.logg.Error(ctx, "job failed permanently", cause)
		return metrics.OutcomeDead
	}

	dead, err := r.queue.Fail(ctx, job, cause)
	if errors.Is(err, jobqueue.ErrNotHeld) {
		r.logg.Warn(r.logg.WithField(ctx, "error", cause.Error()), "job failed after its claim lapsed")
		return metrics.OutcomeRetried
	}
	if err != nil {
		r.logg.Error(ctx, "record job failure", err)
		return metrics.OutcomeRetried
	}
	if dead {
		r.logg.Error(ctx, "job exhausted retries", cause)
		return metrics.OutcomeDead
	}
	r.logg.Warn(r.logg.WithField(ctx, "error", cause.Error()), "job failed, will retry")
	return metrics.OutcomeRetried
}

func (r *Runner) safeProcess(ctx context.Context, job models.ScheduledJob) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = pkgerrors.New(pkgerrors.CodeInternal, "job handler panicked").WithDetails(map[string]any{"panic": rec})
		}
	}()
	return r.handler.Process(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitterMu.Lock()
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	jitterMu.Unlock()
	return d + jitter
}
