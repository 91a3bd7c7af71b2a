package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/libraryloans-backend/internal/jobs"
	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
)

const reaperBatchSize = 200

type expiredReservationLedger interface {
	ExpiredReservations(ctx context.Context, grace time.Duration, limit int) ([]uuid.UUID, error)
	ApplyPickupExpiry(ctx context.Context, borrowID uuid.UUID) (ledger.Outcome, error)
	GetBorrowByID(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)
}

type userNotifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, content notifications.Content) (notifications.Delivery, error)
}

type pendingJobCanceler interface {
	Cancel(ctx context.Context, kind enums.JobKind, borrowID uuid.UUID) (bool, error)
}

type ReservationReaperJobParams struct {
	Logger    *logger.Logger
	Ledger    expiredReservationLedger
	Notifier  userNotifier
	Jobs      pendingJobCanceler
	Grace     time.Duration
	BatchSize int
}

// NewReservationReaperJob expires reservations still open Grace after their
// pickup window closed. The pickup-expiry job normally handles these; the
// reaper covers the ones whose job was lost, and sends the same notice.
func NewReservationReaperJob(params ReservationReaperJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.Jobs == nil {
		return nil, fmt.Errorf("job canceler required")
	}
	if params.Grace < 0 {
		return nil, fmt.Errorf("grace must not be negative")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = reaperBatchSize
	}
	return &reservationReaperJob{
		logg:     params.Logger,
		ledger:   params.Ledger,
		notifier: params.Notifier,
		jobs:     params.Jobs,
		grace:    params.Grace,
		batch:    batch,
	}, nil
}

type reservationReaperJob struct {
	logg     *logger.Logger
	ledger   expiredReservationLedger
	notifier userNotifier
	jobs     pendingJobCanceler
	grace    time.Duration
	batch    int
}

func (j *reservationReaperJob) Name() string { return "reservation-reaper" }

func (j *reservationReaperJob) Run(ctx context.Context) error {
	ids, err := j.ledger.ExpiredReservations(ctx, j.grace, j.batch)
	if err != nil {
		return fmt.Errorf("list expired reservations: %w", err)
	}

	var (
		errs    error
		expired int
		skipped int
	)
	for _, id := range ids {
		outcome, err := j.ledger.ApplyPickupExpiry(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if !outcome.Applied {
			skipped++
			continue
		}
		expired++
		errs = multierr.Append(errs, j.settle(ctx, id))
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(ids),
		"expired":    expired,
		"skipped":    skipped,
	})
	j.logg.Info(logCtx, "reservation reaper complete")
	return errs
}

// settle drops the jobs the expiry made moot and tells the member.
func (j *reservationReaperJob) settle(ctx context.Context, id uuid.UUID) error {
	var errs error
	for _, kind := range []enums.JobKind{enums.JobKindPickupExpiry, enums.JobKindPickupReminder} {
		if _, err := j.jobs.Cancel(ctx, kind, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s for %s: %w", kind, id, err))
		}
	}

	record, err := j.ledger.GetBorrowByID(ctx, id)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("load %s: %w", id, err))
	}
	content := jobs.PickupExpiredContent(reminders.BookRefFor(record), record.ReservationExpiresAt)
	if _, err := j.notifier.NotifyUser(ctx, record.UserID, content); err != nil {
		return multierr.Append(errs, fmt.Errorf("notify %s: %w", id, err))
	}
	return errs
}
