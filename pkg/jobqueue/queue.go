// Package jobqueue is a Postgres-backed delayed job queue with at-least-once
// delivery, cancel-by-key, retry with exponential backoff and a dead set.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/libraryloans-backend/pkg/db"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 5 * time.Second
	maxErrorLen        = 1024
)

// ErrNotHeld is returned when a job changed hands since it was claimed, for
// example after its visibility lapsed and another worker claimed it again.
var ErrNotHeld = errors.New("job no longer held by this claim")

var queuedKeyIndex = db.UniqueIndex{
	Name:    "ux_scheduled_jobs_queued_key",
	Columns: []string{"scheduled_jobs.kind", "scheduled_jobs.borrow_id"},
}

type store interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// JobSpec describes a job to enqueue. (Kind, BorrowID) is the cancellation key.
type JobSpec struct {
	Kind        enums.JobKind
	BorrowID    uuid.UUID
	Payload     json.RawMessage
	FireAt      time.Time
	MaxAttempts int
	Backoff     time.Duration
}

// Queue stores jobs in the scheduled_jobs table.
type Queue struct {
	store store
	now   func() time.Time
}

// New builds a queue over the provided store.
func New(store store, now func() time.Time) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, now: now}, nil
}

// Enqueue stores a queued job. An existing queued job with the same key is
// replaced so rescheduling never produces duplicates.
func (q *Queue) Enqueue(ctx context.Context, spec JobSpec) (*models.ScheduledJob, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	job, err := q.enqueueOnce(ctx, spec)
	if err != nil && queuedKeyIndex.Violated(err) {
		// a concurrent enqueue inserted the key first; the second pass updates it.
		job, err = q.enqueueOnce(ctx, spec)
	}
	return job, err
}

func (q *Queue) enqueueOnce(ctx context.Context, spec JobSpec) (*models.ScheduledJob, error) {
	now := q.now().UTC()
	var out models.ScheduledJob
	err := q.store.WithTx(ctx, func(tx *gorm.DB) error {
		var existing models.ScheduledJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("kind = ? AND borrow_id = ? AND status = ?", spec.Kind, spec.BorrowID, enums.JobStatusQueued).
			First(&existing).Error
		switch {
		case err == nil:
			updates := map[string]any{
				"payload":       spec.Payload,
				"fire_at":       spec.FireAt.UTC(),
				"max_attempts":  spec.maxAttempts(),
				"backoff_ms":    spec.backoff().Milliseconds(),
				"attempts_made": 0,
				"last_error":    nil,
				"updated_at":    now,
			}
			if err := tx.Model(&models.ScheduledJob{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update queued job: %w", err)
			}
			return tx.Where("id = ?", existing.ID).First(&out).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = models.ScheduledJob{
				ID:          uuid.New(),
				Kind:        spec.Kind,
				BorrowID:    spec.BorrowID,
				Payload:     spec.Payload,
				Status:      enums.JobStatusQueued,
				FireAt:      spec.FireAt.UTC(),
				MaxAttempts: spec.maxAttempts(),
				BackoffMS:   spec.backoff().Milliseconds(),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			return tx.Create(&out).Error
		default:
			return fmt.Errorf("load queued job: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel removes the queued job for the key. Jobs already running or finished
// are left alone; the return value reports whether anything was canceled.
func (q *Queue) Cancel(ctx context.Context, kind enums.JobKind, borrowID uuid.UUID) (bool, error) {
	now := q.now().UTC()
	res := q.store.DB().WithContext(ctx).
		Model(&models.ScheduledJob{}).
		Where("kind = ? AND borrow_id = ? AND status = ?", kind, borrowID, enums.JobStatusQueued).
		Updates(map[string]any{
			"status":       enums.JobStatusCanceled,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("cancel %s job: %w", kind, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Claim moves up to limit due jobs to running and returns them. Claimed jobs
// stay invisible to other workers until visibility elapses.
func (q *Queue) Claim(ctx context.Context, limit int, visibility time.Duration) ([]models.ScheduledJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.now().UTC()
	lockedUntil := now.Add(visibility)

	var jobs []models.ScheduledJob
	err := q.store.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND fire_at <= ?", enums.JobStatusQueued, now).
			Order("fire_at ASC").
			Order("id ASC").
			Limit(limit).
			Find(&jobs).Error; err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(jobs))
		for _, job := range jobs {
			ids = append(ids, job.ID)
		}
		if err := tx.Model(&models.ScheduledJob{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":        enums.JobStatusRunning,
				"locked_until":  lockedUntil,
				"attempts_made": gorm.Expr("attempts_made + 1"),
				"updated_at":    now,
			}).Error; err != nil {
			return fmt.Errorf("mark jobs running: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range jobs {
		jobs[i].Status = enums.JobStatusRunning
		jobs[i].AttemptsMade++
		jobs[i].LockedUntil = &lockedUntil
	}
	return jobs, nil
}

// Complete marks a claimed job as done. note is kept for inspection when set.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, note string) error {
	now := q.now().UTC()
	updates := map[string]any{
		"status":       enums.JobStatusCompleted,
		"completed_at": now,
		"locked_until": nil,
		"updated_at":   now,
	}
	if note != "" {
		updates["last_error"] = truncate(note)
	}
	return q.store.DB().WithContext(ctx).
		Model(&models.ScheduledJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusRunning).
		Updates(updates).Error
}

// Fail records a handler failure. The job is requeued with exponential backoff
// while attempts remain and moved to the dead set otherwise. It reports whether
// the job was dead-lettered, and returns ErrNotHeld when the claim is stale.
func (q *Queue) Fail(ctx context.Context, job models.ScheduledJob, cause error) (bool, error) {
	if job.AttemptsMade >= job.MaxAttempts {
		return true, q.Dead(ctx, job, cause)
	}
	now := q.now().UTC()
	next := now.Add(Backoff(job.Backoff(), job.AttemptsMade))
	return false, q.store.WithTx(ctx, func(tx *gorm.DB) error {
		return requeueTx(tx, job, next, errorMessage(cause), now)
	})
}

// Dead moves the job into the failure set and marks it dead.
func (q *Queue) Dead(ctx context.Context, job models.ScheduledJob, cause error) error {
	now := q.now().UTC()
	return q.store.WithTx(ctx, func(tx *gorm.DB) error {
		return deadTx(tx, job, errorMessage(cause), now)
	})
}

// RequeueStalled returns running jobs whose visibility window has passed to the
// queue, or dead-letters them when they have no attempts left.
func (q *Queue) RequeueStalled(ctx context.Context) (int64, error) {
	now := q.now().UTC()
	var requeued int64
	err := q.store.WithTx(ctx, func(tx *gorm.DB) error {
		var stalled []models.ScheduledJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND locked_until < ?", enums.JobStatusRunning, now).
			Order("locked_until ASC").
			Find(&stalled).Error; err != nil {
			return fmt.Errorf("select stalled jobs: %w", err)
		}
		for _, job := range stalled {
			if job.AttemptsMade >= job.MaxAttempts {
				if err := deadTx(tx, job, "visibility timeout exceeded", now); err != nil {
					return err
				}
				continue
			}
			if err := requeueTx(tx, job, now, "visibility timeout exceeded", now); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

// PurgeFinished deletes completed and canceled jobs last touched before cutoff.
func (q *Queue) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res := q.store.DB().WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []enums.JobStatus{enums.JobStatusCompleted, enums.JobStatusCanceled}, cutoff.UTC()).
		Delete(&models.ScheduledJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// LatestByKind returns the most recent job of every kind recorded for a borrow.
func (q *Queue) LatestByKind(ctx context.Context, borrowID uuid.UUID) (map[enums.JobKind]models.ScheduledJob, error) {
	var rows []models.ScheduledJob
	if err := q.store.DB().WithContext(ctx).
		Where("borrow_id = ?", borrowID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list borrow jobs: %w", err)
	}
	out := make(map[enums.JobKind]models.ScheduledJob, len(rows))
	for _, row := range rows {
		if _, seen := out[row.Kind]; !seen {
			out[row.Kind] = row
		}
	}
	return out, nil
}

// Failures lists the dead set, newest first.
func (q *Queue) Failures(ctx context.Context, limit int) ([]models.ScheduledJobFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.ScheduledJobFailure
	err := q.store.DB().WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Backoff returns base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	if attempt <= 1 {
		return base
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}

// requeueTx puts a running job back in the queue. When a newer queued job
// already holds the key the old one is canceled instead.
func requeueTx(tx *gorm.DB, job models.ScheduledJob, fireAt time.Time, lastError string, now time.Time) error {
	var newer int64
	if err := tx.Model(&models.ScheduledJob{}).
		Where("kind = ? AND borrow_id = ? AND status = ? AND id <> ?", job.Kind, job.BorrowID, enums.JobStatusQueued, job.ID).
		Count(&newer).Error; err != nil {
		return fmt.Errorf("check superseding job: %w", err)
	}

	updates := map[string]any{
		"locked_until": nil,
		"last_error":   truncate(lastError),
		"updated_at":   now,
	}
	if newer > 0 {
		updates["status"] = enums.JobStatusCanceled
		updates["completed_at"] = now
	} else {
		updates["status"] = enums.JobStatusQueued
		updates["fire_at"] = fireAt
	}
	res := heldBy(tx, job).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotHeld
	}
	return nil
}

// heldBy scopes an update to the claim described by job: still running and
// not re-claimed since.
func heldBy(tx *gorm.DB, job models.ScheduledJob) *gorm.DB {
	return tx.Model(&models.ScheduledJob{}).
		Where("id = ? AND status = ? AND attempts_made = ?", job.ID, enums.JobStatusRunning, job.AttemptsMade)
}

func deadTx(tx *gorm.DB, job models.ScheduledJob, lastError string, now time.Time) error {
	msg := truncate(lastError)
	res := heldBy(tx, job).Updates(map[string]any{
		"status":       enums.JobStatusDead,
		"locked_until": nil,
		"last_error":   msg,
		"completed_at": now,
		"updated_at":   now,
	})
	if res.Error != nil {
		return fmt.Errorf("mark job dead %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotHeld
	}
	entry := models.ScheduledJobFailure{
		ID:           uuid.New(),
		JobID:        job.ID,
		Kind:         job.Kind,
		BorrowID:     job.BorrowID,
		Payload:      job.Payload,
		AttemptCount: job.AttemptsMade,
		ErrorMessage: &msg,
		FailedAt:     now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("insert job failure %s: %w", job.ID, err)
	}
	return nil
}

func (s JobSpec) validate() error {
	if !s.Kind.IsValid() {
		return fmt.Errorf("invalid job kind %q", s.Kind)
	}
	if s.BorrowID == uuid.Nil {
		return errors.New("borrow id is required")
	}
	if len(s.Payload) == 0 {
		return errors.New("payload is required")
	}
	if s.FireAt.IsZero() {
		return errors.New("fire time is required")
	}
	return nil
}

func (s JobSpec) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return s.MaxAttempts
}

func (s JobSpec) backoff() time.Duration {
	if s.Backoff <= 0 {
		return defaultBackoff
	}
	return s.Backoff
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// truncate caps message at maxErrorLen bytes without splitting a rune.
func truncate(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
