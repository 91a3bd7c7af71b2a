// Package jobs executes delayed borrow lifecycle jobs claimed from the queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/metrics"
)

const notifyStep = "notify"

type borrowLedger interface {
	ApplyPickupExpiry(ctx context.Context, borrowID uuid.UUID) (ledger.Outcome, error)
	ApplyDueSoon(ctx context.Context, borrowID uuid.UUID) (ledger.Outcome, error)
	ApplyOverdue(ctx context.Context, borrowID uuid.UUID, dueDate time.Time) (ledger.Outcome, error)
	GetBorrowByID(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)
}

type notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, content notifications.Content) (notifications.Delivery, error)
}

type markerStore interface {
	CheckAndMark(ctx context.Context, step string, jobID uuid.UUID) (bool, error)
	Release(ctx context.Context, step string, jobID uuid.UUID) error
}

// Result is how a job ended when the handler did not return an error.
type Result struct {
	Outcome string
	Reason  string
}

// Processor maps each job kind to its ledger transition and follow-up notification.
type Processor struct {
	ledger   borrowLedger
	notifier notifier
	markers  markerStore
	rules    config.BorrowConfig
	logg     *logger.Logger
	now      func() time.Time
}

type ProcessorParams struct {
	Ledger   borrowLedger
	Notifier notifier
	Markers  markerStore
	Rules    config.BorrowConfig
	Logger   *logger.Logger
	Now      func() time.Time
}

// NewProcessor wires the job handlers. Markers may be nil, in which case a
// redelivered job can notify twice.
func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Ledger == nil {
		return nil, errors.New("borrow ledger is required")
	}
	if params.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		ledger:   params.Ledger,
		notifier: params.Notifier,
		markers:  params.Markers,
		rules:    params.Rules,
		logg:     params.Logger,
		now:      now,
	}, nil
}

// Process runs one job. A returned error means the job should be retried.
func (p *Processor) Process(ctx context.Context, job models.ScheduledJob) (Result, error) {
	ctx = p.logg.WithJobID(ctx, job.ID.String())
	ctx = p.logg.WithBorrowID(ctx, job.BorrowID.String())
	ctx = p.logg.WithField(ctx, "kind", job.Kind)

	payload, err := reminders.Decode(job.Kind, job.Payload)
	if err != nil {
		p.logg.Warn(ctx, "dropping job: "+err.Error())
		return Result{Outcome: metrics.OutcomeDropped, Reason: err.Error()}, nil
	}

	switch pl := payload.(type) {
	case reminders.PickupExpiry:
		outcome, err := p.ledger.ApplyPickupExpiry(ctx, pl.BorrowID)
		if err != nil {
			return Result{}, err
		}
		return p.afterTransition(ctx, job, outcome, PickupExpiredContent(pl.BookRef, pl.PickupExpiresAt))
	case reminders.DueReminder:
		outcome, err := p.ledger.ApplyDueSoon(ctx, pl.BorrowID)
		if err != nil {
			return Result{}, err
		}
		return p.afterTransition(ctx, job, outcome, dueSoonContent(pl))
	case reminders.OverdueSetter:
		outcome, err := p.ledger.ApplyOverdue(ctx, pl.BorrowID, pl.DueDate)
		if err != nil {
			return Result{}, err
		}
		return p.afterTransition(ctx, job, outcome, overdueContent(outcome.Record))
	case reminders.PickupReminder:
		return p.remindPickup(ctx, job, pl)
	default:
		reason := fmt.Sprintf("no handler for %T", payload)
		p.logg.Warn(ctx, "dropping job: "+reason)
		return Result{Outcome: metrics.OutcomeDropped, Reason: reason}, nil
	}
}

func (p *Processor) afterTransition(ctx context.Context, job models.ScheduledJob, outcome ledger.Outcome, content notifications.Content) (Result, error) {
	if !outcome.Applied {
		return Result{Outcome: metrics.OutcomeSkipped, Reason: outcome.Reason}, nil
	}
	p.notify(ctx, job, outcome.Record.UserID, content)
	return Result{Outcome: metrics.OutcomeApplied}, nil
}

func (p *Processor) remindPickup(ctx context.Context, job models.ScheduledJob, pl reminders.PickupReminder) (Result, error) {
	record, err := p.ledger.GetBorrowByID(ctx, pl.BorrowID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return Result{Outcome: metrics.OutcomeSkipped, Reason: "borrow record not found"}, nil
		}
		return Result{}, err
	}
	if record.Status != enums.BorrowStatusReserved {
		return Result{Outcome: metrics.OutcomeSkipped, Reason: fmt.Sprintf("status is %s", record.Status)}, nil
	}

	remaining := record.ReservationExpiresAt.Sub(p.now().UTC())
	if remaining <= 0 {
		return Result{Outcome: metrics.OutcomeSkipped, Reason: "pickup window already closed"}, nil
	}
	if remaining > p.rules.PickupReminderLead() {
		return Result{Outcome: metrics.OutcomeSkipped, Reason: "pickup deadline outside reminder window"}, nil
	}

	p.notify(ctx, job, record.UserID, pickupReminderContent(pl, record.ReservationExpiresAt))
	return Result{Outcome: metrics.OutcomeApplied}, nil
}

// notify never fails the job. The marker keeps redeliveries from notifying twice.
func (p *Processor) notify(ctx context.Context, job models.ScheduledJob, userID uuid.UUID, content notifications.Content) {
	ctx = p.logg.WithUserID(ctx, userID.String())
	if p.markers != nil {
		already, err := p.markers.CheckAndMark(ctx, notifyStep, job.ID)
		switch {
		case err != nil:
			p.logg.Warn(ctx, "notification marker unavailable: "+err.Error())
		case already:
			p.logg.Info(ctx, "notification already sent for job")
			return
		}
	}

	delivery, err := p.notifier.NotifyUser(ctx, userID, content)
	if err != nil {
		p.logg.Error(ctx, "job notification failed", err)
		if p.markers != nil {
			if relErr := p.markers.Release(ctx, notifyStep, job.ID); relErr != nil {
				p.logg.Warn(ctx, "release notification marker: "+relErr.Error())
			}
		}
		return
	}
	if delivery.EmailErr != nil {
		p.logg.Warn(ctx, "job notification email failed: "+delivery.EmailErr.Error())
	}
}
