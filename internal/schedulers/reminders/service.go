// Package reminders turns borrow state changes into delayed jobs on the queue.
package reminders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/jobqueue"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
)

const reasonTooLate = "fire time already passed"

type jobQueue interface {
	Enqueue(ctx context.Context, spec jobqueue.JobSpec) (*models.ScheduledJob, error)
	Cancel(ctx context.Context, kind enums.JobKind, borrowID uuid.UUID) (bool, error)
	LatestByKind(ctx context.Context, borrowID uuid.UUID) (map[enums.JobKind]models.ScheduledJob, error)
	Failures(ctx context.Context, limit int) ([]models.ScheduledJobFailure, error)
}

// Result describes a scheduling attempt. Scheduled is false when the fire time
// was not in the future; no job is stored in that case.
type Result struct {
	Kind      enums.JobKind `json:"kind"`
	Scheduled bool          `json:"scheduled"`
	JobID     uuid.UUID     `json:"job_id,omitempty"`
	FireAt    time.Time     `json:"fire_at"`
	Reason    string        `json:"reason,omitempty"`
}

// JobState is the latest job known for one kind of a borrow record.
type JobState struct {
	Kind         enums.JobKind   `json:"kind"`
	JobID        uuid.UUID       `json:"job_id"`
	Status       enums.JobStatus `json:"status"`
	FireAt       time.Time       `json:"fire_at"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    *string         `json:"last_error,omitempty"`
}

// FailedJob is a dead-set entry: a job that used up its attempts.
type FailedJob struct {
	JobID    uuid.UUID     `json:"job_id"`
	Kind     enums.JobKind `json:"kind"`
	BorrowID uuid.UUID     `json:"borrow_id"`
	Attempts int           `json:"attempts"`
	Error    *string       `json:"error,omitempty"`
	FailedAt time.Time     `json:"failed_at"`
}

// Service schedules and cancels the lifecycle jobs of borrow records.
type Service struct {
	queue    jobQueue
	rules    config.BorrowConfig
	attempts int
	backoff  time.Duration
	logg     *logger.Logger
	now      func() time.Time
}

type ServiceParams struct {
	Queue    jobQueue
	Rules    config.BorrowConfig
	Attempts int
	Backoff  time.Duration
	Logger   *logger.Logger
	Now      func() time.Time
}

// NewService builds the reminder scheduler.
func NewService(params ServiceParams) (*Service, error) {
	if params.Queue == nil {
		return nil, fmt.Errorf("job queue required")
	}
	if params.Attempts <= 0 {
		return nil, fmt.Errorf("retry attempts must be positive")
	}
	if params.Backoff <= 0 {
		return nil, fmt.Errorf("backoff must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		queue:    params.Queue,
		rules:    params.Rules,
		attempts: params.Attempts,
		backoff:  params.Backoff,
		logg:     params.Logger,
		now:      now,
	}, nil
}

// SchedulePickupExpiry fires when the reservation window closes.
func (s *Service) SchedulePickupExpiry(ctx context.Context, record *models.BorrowRecord) (Result, error) {
	if err := requireRecord(record); err != nil {
		return Result{}, err
	}
	fireAt := record.ReservationExpiresAt
	return s.schedule(ctx, PickupExpiry{
		BookRef:         BookRefFor(record),
		BorrowID:        record.ID,
		UserEmail:       userEmail(record),
		PickupExpiresAt: fireAt,
	}, fireAt)
}

// SchedulePickupReminder fires one lead period before the reservation window closes.
func (s *Service) SchedulePickupReminder(ctx context.Context, record *models.BorrowRecord) (Result, error) {
	if err := requireRecord(record); err != nil {
		return Result{}, err
	}
	deadline := record.ReservationExpiresAt
	return s.schedule(ctx, PickupReminder{
		BookRef:        BookRefFor(record),
		BorrowID:       record.ID,
		UserEmail:      userEmail(record),
		PickupDeadline: deadline,
	}, deadline.Add(-s.rules.PickupReminderLead()))
}

// ScheduleDueReminder fires one lead period before the loan is due.
func (s *Service) ScheduleDueReminder(ctx context.Context, record *models.BorrowRecord) (Result, error) {
	due, err := requireDueDate(record)
	if err != nil {
		return Result{}, err
	}
	return s.schedule(ctx, DueReminder{
		BookRef:   BookRefFor(record),
		BorrowID:  record.ID,
		UserEmail: userEmail(record),
		DueDate:   due,
	}, due.Add(-s.rules.DueReminderLead()))
}

// ScheduleOverdueSetter fires at the due date.
func (s *Service) ScheduleOverdueSetter(ctx context.Context, record *models.BorrowRecord) (Result, error) {
	due, err := requireDueDate(record)
	if err != nil {
		return Result{}, err
	}
	return s.schedule(ctx, OverdueSetter{BorrowID: record.ID, DueDate: due}, due)
}

// Cancel removes the queued job for kind. A missing, running or finished job is left alone.
func (s *Service) Cancel(ctx context.Context, kind enums.JobKind, borrowID uuid.UUID) (bool, error) {
	if !kind.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid job kind %q", kind))
	}
	canceled, err := s.queue.Cancel(ctx, kind, borrowID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel scheduled job")
	}
	if canceled && s.logg != nil {
		logCtx := s.logg.WithBorrowID(ctx, borrowID.String())
		logCtx = s.logg.WithField(logCtx, "kind", kind)
		s.logg.Info(logCtx, "scheduled job canceled")
	}
	return canceled, nil
}

// Status returns the latest job per kind, in kind order. Kinds never scheduled are omitted.
func (s *Service) Status(ctx context.Context, borrowID uuid.UUID) ([]JobState, error) {
	latest, err := s.queue.LatestByKind(ctx, borrowID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load scheduled jobs")
	}
	out := make([]JobState, 0, len(latest))
	for _, kind := range enums.AllJobKinds() {
		job, ok := latest[kind]
		if !ok {
			continue
		}
		out = append(out, JobState{
			Kind:         kind,
			JobID:        job.ID,
			Status:       job.Status,
			FireAt:       job.FireAt,
			AttemptsMade: job.AttemptsMade,
			MaxAttempts:  job.MaxAttempts,
			LastError:    job.LastError,
		})
	}
	return out, nil
}

// Failures lists the most recent dead-set entries, newest first.
func (s *Service) Failures(ctx context.Context, limit int) ([]FailedJob, error) {
	rows, err := s.queue.Failures(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load failed jobs")
	}
	out := make([]FailedJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, FailedJob{
			JobID:    row.JobID,
			Kind:     row.Kind,
			BorrowID: row.BorrowID,
			Attempts: row.AttemptCount,
			Error:    row.ErrorMessage,
			FailedAt: row.FailedAt,
		})
	}
	return out, nil
}

func (s *Service) schedule(ctx context.Context, payload Payload, fireAt time.Time) (Result, error) {
	fireAt = fireAt.UTC()
	result := Result{Kind: payload.Kind(), FireAt: fireAt}

	if !fireAt.After(s.now().UTC()) {
		result.Reason = reasonTooLate
		if s.logg != nil {
			logCtx := s.logg.WithBorrowID(ctx, payload.Borrow().String())
			logCtx = s.logg.WithFields(logCtx, map[string]any{"kind": payload.Kind(), "fire_at": fireAt})
			s.logg.Info(logCtx, "scheduling skipped: fire time already passed")
		}
		return result, nil
	}

	raw, err := Encode(payload)
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode job payload")
	}
	job, err := s.queue.Enqueue(ctx, jobqueue.JobSpec{
		Kind:        payload.Kind(),
		BorrowID:    payload.Borrow(),
		Payload:     raw,
		FireAt:      fireAt,
		MaxAttempts: s.attempts,
		Backoff:     s.backoff,
	})
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("enqueue %s job", payload.Kind()))
	}

	result.Scheduled = true
	result.JobID = job.ID
	if s.logg != nil {
		logCtx := s.logg.WithBorrowID(ctx, payload.Borrow().String())
		logCtx = s.logg.WithJobID(logCtx, job.ID.String())
		logCtx = s.logg.WithFields(logCtx, map[string]any{"kind": payload.Kind(), "fire_at": fireAt})
		s.logg.Info(logCtx, "job scheduled")
	}
	return result, nil
}

func requireRecord(record *models.BorrowRecord) error {
	if record == nil || record.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "borrow record is required")
	}
	return nil
}

func requireDueDate(record *models.BorrowRecord) (time.Time, error) {
	if err := requireRecord(record); err != nil {
		return time.Time{}, err
	}
	if record.DueDate == nil {
		return time.Time{}, pkgerrors.New(pkgerrors.CodeValidation, "borrow record has no due date")
	}
	return *record.DueDate, nil
}

func userEmail(record *models.BorrowRecord) string {
	if record.User == nil {
		return ""
	}
	return record.User.Email
}

// BookRefFor copies the book details of a record loaded with its Book.
func BookRefFor(record *models.BorrowRecord) BookRef {
	if record.Book == nil {
		return BookRef{}
	}
	return BookRef{BookTitle: record.Book.Title, BookAuthor: record.Book.Author}
}
