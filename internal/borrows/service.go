// Package borrows runs the borrow actions exposed over HTTP: the ledger
// transition first, then the delayed jobs, then the user notification.
package borrows

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/internal/ledger"
	"github.com/angelmondragon/libraryloans-backend/internal/notifications"
	"github.com/angelmondragon/libraryloans-backend/internal/schedulers/reminders"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
)

type borrowLedger interface {
	Reserve(ctx context.Context, bookID, userID uuid.UUID) (*models.BorrowRecord, error)
	ConfirmPickup(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)
	ConfirmReturn(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)
	GetBorrowByID(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)
	ListBorrows(ctx context.Context, filter ledger.ListFilter) (*ledger.ListResult, error)
	BorrowHistory(ctx context.Context, input ledger.HistoryRange) ([]models.BorrowRecord, error)
}

type reminderScheduler interface {
	SchedulePickupExpiry(ctx context.Context, record *models.BorrowRecord) (reminders.Result, error)
	SchedulePickupReminder(ctx context.Context, record *models.BorrowRecord) (reminders.Result, error)
	ScheduleDueReminder(ctx context.Context, record *models.BorrowRecord) (reminders.Result, error)
	ScheduleOverdueSetter(ctx context.Context, record *models.BorrowRecord) (reminders.Result, error)
	Cancel(ctx context.Context, kind enums.JobKind, borrowID uuid.UUID) (bool, error)
	Status(ctx context.Context, borrowID uuid.UUID) ([]reminders.JobState, error)
	Failures(ctx context.Context, limit int) ([]reminders.FailedJob, error)
}

type userNotifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, content notifications.Content) (notifications.Delivery, error)
}

// Requester identifies the caller of a read action.
type Requester struct {
	UserID uuid.UUID
	Role   enums.UserRole
}

func (r Requester) isLibrarian() bool {
	return r.Role == enums.UserRoleLibrarian
}

// ActionResult is the committed record plus anything that went wrong after
// the commit. Warnings never mean the transition was rolled back.
type ActionResult struct {
	Record    *models.BorrowRecord `json:"record"`
	Scheduled []reminders.Result   `json:"scheduled,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
}

func (r *ActionResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

type ServiceParams struct {
	Ledger    borrowLedger
	Scheduler reminderScheduler
	Notifier  userNotifier
	Logger    *logger.Logger
}

// Service coordinates the ledger with the reminder scheduler and notifications.
type Service struct {
	ledger    borrowLedger
	scheduler reminderScheduler
	notifier  userNotifier
	logg      *logger.Logger
}

// NewService validates the collaborators. Notifier may be nil to disable
// action notifications.
func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Scheduler == nil {
		return nil, fmt.Errorf("reminder scheduler required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Service{
		ledger:    params.Ledger,
		scheduler: params.Scheduler,
		notifier:  params.Notifier,
		logg:      params.Logger,
	}, nil
}

// Reserve holds a copy for the user and schedules the pickup jobs.
func (s *Service) Reserve(ctx context.Context, bookID, userID uuid.UUID) (*ActionResult, error) {
	record, err := s.ledger.Reserve(ctx, bookID, userID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithBorrowID(ctx, record.ID.String())
	result := &ActionResult{Record: record}

	s.schedule(ctx, result, enums.JobKindPickupExpiry, s.scheduler.SchedulePickupExpiry)
	s.schedule(ctx, result, enums.JobKindPickupReminder, s.scheduler.SchedulePickupReminder)
	s.notify(ctx, result, reservedContent(record))
	return result, nil
}

// ConfirmPickup starts the loan, drops the pickup jobs and schedules the due jobs.
func (s *Service) ConfirmPickup(ctx context.Context, borrowID uuid.UUID) (*ActionResult, error) {
	record, err := s.ledger.ConfirmPickup(ctx, borrowID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithBorrowID(ctx, record.ID.String())
	result := &ActionResult{Record: record}

	s.cancel(ctx, result, enums.JobKindPickupExpiry)
	s.cancel(ctx, result, enums.JobKindPickupReminder)
	s.schedule(ctx, result, enums.JobKindDueReminder, s.scheduler.ScheduleDueReminder)
	s.schedule(ctx, result, enums.JobKindOverdueSetter, s.scheduler.ScheduleOverdueSetter)
	s.notify(ctx, result, pickedUpContent(record))
	return result, nil
}

// ConfirmReturn closes the loan and drops any pending due jobs.
func (s *Service) ConfirmReturn(ctx context.Context, borrowID uuid.UUID) (*ActionResult, error) {
	record, err := s.ledger.ConfirmReturn(ctx, borrowID)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithBorrowID(ctx, record.ID.String())
	result := &ActionResult{Record: record}

	s.cancel(ctx, result, enums.JobKindDueReminder)
	s.cancel(ctx, result, enums.JobKindOverdueSetter)
	s.notify(ctx, result, returnedContent(record))
	return result, nil
}

// GetBorrow loads one record. Clients only see their own.
func (s *Service) GetBorrow(ctx context.Context, borrowID uuid.UUID, requester Requester) (*models.BorrowRecord, error) {
	record, err := s.ledger.GetBorrowByID(ctx, borrowID)
	if err != nil {
		return nil, err
	}
	if !requester.isLibrarian() && record.UserID != requester.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "borrow record belongs to another user")
	}
	return record, nil
}

func (s *Service) ListBorrows(ctx context.Context, filter ledger.ListFilter) (*ledger.ListResult, error) {
	return s.ledger.ListBorrows(ctx, filter)
}

// History returns records reserved in [from, to). Librarians only.
func (s *Service) History(ctx context.Context, input ledger.HistoryRange, requester Requester) ([]models.BorrowRecord, error) {
	if !requester.isLibrarian() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "librarian role required")
	}
	return s.ledger.BorrowHistory(ctx, input)
}

// ReminderStatus reports the latest job per kind for a record.
func (s *Service) ReminderStatus(ctx context.Context, borrowID uuid.UUID) ([]reminders.JobState, error) {
	if _, err := s.ledger.GetBorrowByID(ctx, borrowID); err != nil {
		return nil, err
	}
	states, err := s.scheduler.Status(ctx, borrowID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load reminder status")
	}
	return states, nil
}

// FailedJobs lists lifecycle jobs that exhausted their retries, newest first.
func (s *Service) FailedJobs(ctx context.Context, limit int) ([]reminders.FailedJob, error) {
	return s.scheduler.Failures(ctx, limit)
}

type scheduleFunc func(ctx context.Context, record *models.BorrowRecord) (reminders.Result, error)

func (s *Service) schedule(ctx context.Context, result *ActionResult, kind enums.JobKind, fn scheduleFunc) {
	res, err := fn(ctx, result.Record)
	if err != nil {
		s.logg.Error(s.logg.WithField(ctx, "kind", kind), "schedule job failed", err)
		result.warn(fmt.Sprintf("%s not scheduled: %v", kind, err))
		return
	}
	if !res.Scheduled {
		logCtx := s.logg.WithFields(ctx, map[string]any{"kind": kind, "reason": res.Reason})
		s.logg.Warn(logCtx, "job not scheduled")
	}
	result.Scheduled = append(result.Scheduled, res)
}

func (s *Service) cancel(ctx context.Context, result *ActionResult, kind enums.JobKind) {
	if _, err := s.scheduler.Cancel(ctx, kind, result.Record.ID); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "kind", kind), "cancel job failed", err)
		result.warn(fmt.Sprintf("%s not canceled: %v", kind, err))
	}
}

func (s *Service) notify(ctx context.Context, result *ActionResult, content notifications.Content) {
	if s.notifier == nil {
		return
	}
	delivery, err := s.notifier.NotifyUser(ctx, result.Record.UserID, content)
	if err != nil {
		s.logg.Error(ctx, "notify user failed", err)
		result.warn("notification not delivered")
		return
	}
	if delivery.EmailErr != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", delivery.EmailErr.Error()), "notification email not sent")
	}
}

const dateLayout = "Mon, 02 Jan 2006 15:04 MST"

func bookLabel(record *models.BorrowRecord) string {
	if record.Book == nil || record.Book.Title == "" {
		return "your book"
	}
	if record.Book.Author == "" {
		return fmt.Sprintf("%q", record.Book.Title)
	}
	return fmt.Sprintf("%q by %s", record.Book.Title, record.Book.Author)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(dateLayout)
}

func reservedContent(record *models.BorrowRecord) notifications.Content {
	deadline := record.ReservationExpiresAt
	return notifications.Content{
		Type:    enums.NotificationTypeSuccess,
		Title:   "Book reserved",
		Message: fmt.Sprintf("You reserved %s. Pick it up before %s.", bookLabel(record), formatDate(&deadline)),
		Email:   &notifications.Email{Subject: "Your book is reserved"},
	}
}

func pickedUpContent(record *models.BorrowRecord) notifications.Content {
	return notifications.Content{
		Type:    enums.NotificationTypeSuccess,
		Title:   "Book picked up",
		Message: fmt.Sprintf("You picked up %s. It is due on %s.", bookLabel(record), formatDate(record.DueDate)),
		Email:   &notifications.Email{Subject: "Enjoy your book"},
	}
}

func returnedContent(record *models.BorrowRecord) notifications.Content {
	return notifications.Content{
		Type:    enums.NotificationTypeSuccess,
		Title:   "Book returned",
		Message: fmt.Sprintf("Thanks for returning %s.", bookLabel(record)),
	}
}
