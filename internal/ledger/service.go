package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"github.com/angelmondragon/libraryloans-backend/pkg/db"
	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/libraryloans-backend/pkg/errors"
	"github.com/angelmondragon/libraryloans-backend/pkg/logger"
	"github.com/angelmondragon/libraryloans-backend/pkg/pagination"
)

var activeBorrowIndex = db.UniqueIndex{
	Name:    "ux_borrow_records_active",
	Columns: []string{"borrow_records.user_id", "borrow_records.book_id"},
}

// Service enforces the borrow lifecycle and keeps book copies and user
// allowances consistent with the set of active borrow records.
type Service interface {
	Reserve(ctx context.Context, bookID, userID uuid.UUID) (*models.BorrowRecord, error)
	ConfirmPickup(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)
	ConfirmReturn(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)

	ApplyPickupExpiry(ctx context.Context, borrowID uuid.UUID) (Outcome, error)
	ApplyDueSoon(ctx context.Context, borrowID uuid.UUID) (Outcome, error)
	ApplyOverdue(ctx context.Context, borrowID uuid.UUID, dueDate time.Time) (Outcome, error)

	GetBorrowByID(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error)
	ListBorrows(ctx context.Context, filter ListFilter) (*ListResult, error)
	BorrowHistory(ctx context.Context, input HistoryRange) ([]models.BorrowRecord, error)
	ExpiredReservations(ctx context.Context, grace time.Duration, limit int) ([]uuid.UUID, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams wires the ledger.
type ServiceParams struct {
	DB     txRunner
	Repo   Repository
	Rules  config.BorrowConfig
	Logger *logger.Logger
	Now    func() time.Time
}

// ListFilter narrows ListBorrows. UserID is forced to the requester for clients.
type ListFilter struct {
	RequesterID   uuid.UUID
	RequesterRole enums.UserRole
	UserID        *uuid.UUID
	BookID        *uuid.UUID
	Statuses      []enums.BorrowStatus
	Cursor        string
	Limit         int
}

// ListResult is one page of borrow records.
type ListResult struct {
	Records    []models.BorrowRecord `json:"records"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// HistoryRange selects records reserved in [From, To).
type HistoryRange struct {
	From   time.Time
	To     time.Time
	UserID *uuid.UUID
}

type service struct {
	db    txRunner
	repo  Repository
	rules config.BorrowConfig
	logg  *logger.Logger
	now   func() time.Time
}

// NewService wires a ledger service with the provided dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Rules.MaxBooksPerUser <= 0 {
		return nil, fmt.Errorf("max books per user must be positive")
	}
	if params.Rules.ReservationPeriod() <= 0 || params.Rules.HoldDuration() <= 0 {
		return nil, fmt.Errorf("reservation period and hold duration must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		db:    params.DB,
		repo:  params.Repo,
		rules: params.Rules,
		logg:  params.Logger,
		now:   now,
	}, nil
}

func (s *service) Reserve(ctx context.Context, bookID, userID uuid.UUID) (*models.BorrowRecord, error) {
	if bookID == uuid.Nil || userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "book id and user id are required")
	}

	now := s.now().UTC()
	var record *models.BorrowRecord
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		user, err := repo.LockUser(ctx, userID)
		if err != nil {
			return storeErr(err, "load user")
		}
		if user == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		if !user.IsActive {
			return pkgerrors.New(pkgerrors.CodeForbidden, "user account is inactive")
		}
		if user.RemainingBorrows <= 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "borrow limit reached")
		}

		book, err := repo.LockBook(ctx, bookID)
		if err != nil {
			return storeErr(err, "load book")
		}
		if book == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "book not found")
		}
		if book.AvailableCopies <= 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "no copies available")
		}

		active, err := repo.HasActiveBorrow(ctx, userID, bookID)
		if err != nil {
			return storeErr(err, "check active borrow")
		}
		if active {
			return pkgerrors.New(pkgerrors.CodeConflict, "book already reserved or borrowed by user")
		}

		ok, err := repo.TakeCopy(ctx, bookID)
		if err != nil {
			return storeErr(err, "decrement available copies")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "no copies available")
		}
		ok, err = repo.TakeAllowance(ctx, userID)
		if err != nil {
			return storeErr(err, "decrement remaining borrows")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "borrow limit reached")
		}

		record = &models.BorrowRecord{
			ID:                   uuid.New(),
			BookID:               bookID,
			UserID:               userID,
			Status:               enums.BorrowStatusReserved,
			ReservedAt:           now,
			ReservationExpiresAt: now.Add(s.rules.ReservationPeriod()),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := repo.CreateBorrow(ctx, record); err != nil {
			if activeBorrowIndex.Violated(err) {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "book already reserved or borrowed by user")
			}
			return storeErr(err, "create borrow record")
		}
		record.Book = book
		record.User = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, record, "borrow reserved")
	return record, nil
}

func (s *service) ConfirmPickup(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error) {
	now := s.now().UTC()
	var record *models.BorrowRecord
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current, err := s.lockBorrow(ctx, repo, borrowID)
		if err != nil {
			return err
		}
		if current.Status != enums.BorrowStatusReserved {
			return transitionConflict(current.Status, "pick up")
		}
		if now.After(current.ReservationExpiresAt) {
			return pkgerrors.New(pkgerrors.CodeConflict, "reservation has expired").
				WithDetails(map[string]any{"reservation_expires_at": current.ReservationExpiresAt})
		}

		user, err := repo.FindUser(ctx, current.UserID)
		if err != nil {
			return storeErr(err, "load user")
		}
		if user == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		if !user.IsActive {
			return pkgerrors.New(pkgerrors.CodeForbidden, "user account is inactive")
		}

		due := now.Add(s.rules.HoldDuration())
		ok, err := repo.TransitionBorrow(ctx, borrowID, []enums.BorrowStatus{enums.BorrowStatusReserved}, map[string]any{
			"status":      enums.BorrowStatusBorrowed,
			"pickup_date": now,
			"due_date":    due,
			"updated_at":  now,
		})
		if err != nil {
			return storeErr(err, "update borrow record")
		}
		if !ok {
			return transitionConflict(current.Status, "pick up")
		}

		record, err = repo.FindBorrow(ctx, borrowID)
		if err != nil {
			return storeErr(err, "reload borrow record")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, record, "borrow picked up")
	return record, nil
}

func (s *service) ConfirmReturn(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error) {
	now := s.now().UTC()
	var record *models.BorrowRecord
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current, err := s.lockBorrow(ctx, repo, borrowID)
		if err != nil {
			return err
		}
		if !current.Status.IsReturnable() {
			return transitionConflict(current.Status, "return")
		}

		ok, err := repo.TransitionBorrow(ctx, borrowID, enums.ReturnableBorrowStatuses, map[string]any{
			"status":      enums.BorrowStatusReturned,
			"return_date": now,
			"updated_at":  now,
		})
		if err != nil {
			return storeErr(err, "update borrow record")
		}
		if !ok {
			return transitionConflict(current.Status, "return")
		}
		if err := s.releaseInventory(ctx, repo, current); err != nil {
			return err
		}

		record, err = repo.FindBorrow(ctx, borrowID)
		if err != nil {
			return storeErr(err, "reload borrow record")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, record, "borrow returned")
	return record, nil
}

func (s *service) ApplyPickupExpiry(ctx context.Context, borrowID uuid.UUID) (Outcome, error) {
	now := s.now().UTC()
	var outcome Outcome
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current, err := repo.LockBorrow(ctx, borrowID)
		if err != nil {
			return storeErr(err, "load borrow record")
		}
		if current == nil {
			outcome = skipped(nil, "borrow record not found")
			return nil
		}
		if current.Status != enums.BorrowStatusReserved {
			outcome = skipped(current, fmt.Sprintf("status is %s", current.Status))
			return nil
		}

		ok, err := repo.TransitionBorrow(ctx, borrowID, []enums.BorrowStatus{enums.BorrowStatusReserved}, map[string]any{
			"status":     enums.BorrowStatusExpired,
			"updated_at": now,
		})
		if err != nil {
			return storeErr(err, "update borrow record")
		}
		if !ok {
			outcome = skipped(current, "status changed concurrently")
			return nil
		}
		if err := s.releaseInventory(ctx, repo, current); err != nil {
			return err
		}

		current.Status = enums.BorrowStatusExpired
		current.UpdatedAt = now
		outcome = applied(current)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	s.logOutcome(ctx, borrowID, "pickup expiry", outcome)
	return outcome, nil
}

func (s *service) ApplyDueSoon(ctx context.Context, borrowID uuid.UUID) (Outcome, error) {
	now := s.now().UTC()
	var outcome Outcome
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current, err := repo.LockBorrow(ctx, borrowID)
		if err != nil {
			return storeErr(err, "load borrow record")
		}
		if current == nil {
			outcome = skipped(nil, "borrow record not found")
			return nil
		}
		if current.Status != enums.BorrowStatusBorrowed {
			outcome = skipped(current, fmt.Sprintf("status is %s", current.Status))
			return nil
		}

		ok, err := repo.TransitionBorrow(ctx, borrowID, []enums.BorrowStatus{enums.BorrowStatusBorrowed}, map[string]any{
			"status":     enums.BorrowStatusDueSoon,
			"updated_at": now,
		})
		if err != nil {
			return storeErr(err, "update borrow record")
		}
		if !ok {
			outcome = skipped(current, "status changed concurrently")
			return nil
		}

		current.Status = enums.BorrowStatusDueSoon
		current.UpdatedAt = now
		outcome = applied(current)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	s.logOutcome(ctx, borrowID, "due soon", outcome)
	return outcome, nil
}

// ApplyOverdue marks a loan overdue. The stored due date wins over the one
// carried by the job; dueDate is used only when the record has none.
func (s *service) ApplyOverdue(ctx context.Context, borrowID uuid.UUID, dueDate time.Time) (Outcome, error) {
	now := s.now().UTC()
	var outcome Outcome
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		current, err := repo.LockBorrow(ctx, borrowID)
		if err != nil {
			return storeErr(err, "load borrow record")
		}
		if current == nil {
			outcome = skipped(nil, "borrow record not found")
			return nil
		}
		if current.Status != enums.BorrowStatusBorrowed && current.Status != enums.BorrowStatusDueSoon {
			outcome = skipped(current, fmt.Sprintf("status is %s", current.Status))
			return nil
		}

		due := dueDate
		if current.DueDate != nil {
			due = *current.DueDate
		}
		days := OverdueDays(now, due)

		ok, err := repo.TransitionBorrow(ctx, borrowID, []enums.BorrowStatus{enums.BorrowStatusBorrowed, enums.BorrowStatusDueSoon}, map[string]any{
			"status":       enums.BorrowStatusOverdue,
			"overdue_days": days,
			"updated_at":   now,
		})
		if err != nil {
			return storeErr(err, "update borrow record")
		}
		if !ok {
			outcome = skipped(current, "status changed concurrently")
			return nil
		}

		current.Status = enums.BorrowStatusOverdue
		current.OverdueDays = &days
		current.UpdatedAt = now
		outcome = applied(current)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	s.logOutcome(ctx, borrowID, "overdue", outcome)
	return outcome, nil
}

func (s *service) GetBorrowByID(ctx context.Context, borrowID uuid.UUID) (*models.BorrowRecord, error) {
	record, err := s.repo.FindBorrow(ctx, borrowID)
	if err != nil {
		return nil, storeErr(err, "load borrow record")
	}
	if record == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "borrow record not found")
	}
	return record, nil
}

func (s *service) ListBorrows(ctx context.Context, filter ListFilter) (*ListResult, error) {
	if filter.RequesterRole != enums.UserRoleLibrarian {
		if filter.RequesterID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "requester required")
		}
		requester := filter.RequesterID
		filter.UserID = &requester
	}
	for _, status := range filter.Statuses {
		if !status.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid status %q", status))
		}
	}

	cursor, err := pagination.ParseCursor(filter.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListBorrows(ctx, filter, cursor)
	if err != nil {
		return nil, storeErr(err, "list borrow records")
	}

	page, next := pagination.Trim(rows, filter.Limit, func(r models.BorrowRecord) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
	})
	return &ListResult{Records: page, NextCursor: next}, nil
}

func (s *service) BorrowHistory(ctx context.Context, input HistoryRange) ([]models.BorrowRecord, error) {
	if input.From.IsZero() || input.To.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "from and to are required")
	}
	if !input.From.Before(input.To) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "from must be before to")
	}
	rows, err := s.repo.History(ctx, input.From.UTC(), input.To.UTC(), input.UserID)
	if err != nil {
		return nil, storeErr(err, "load borrow history")
	}
	return rows, nil
}

// ExpiredReservations lists reserved records whose pickup window closed more
// than grace ago.
func (s *service) ExpiredReservations(ctx context.Context, grace time.Duration, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	if grace < 0 {
		grace = 0
	}
	ids, err := s.repo.ExpiredReservations(ctx, s.now().UTC().Add(-grace), limit)
	if err != nil {
		return nil, storeErr(err, "list expired reservations")
	}
	return ids, nil
}

// OverdueDays is the number of whole days between dueDate and now, never negative.
func OverdueDays(now, dueDate time.Time) int {
	if !now.After(dueDate) {
		return 0
	}
	return int(now.Sub(dueDate) / (24 * time.Hour))
}

func (s *service) lockBorrow(ctx context.Context, repo Repository, borrowID uuid.UUID) (*models.BorrowRecord, error) {
	record, err := repo.LockBorrow(ctx, borrowID)
	if err != nil {
		return nil, storeErr(err, "load borrow record")
	}
	if record == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "borrow record not found")
	}
	return record, nil
}

// releaseInventory gives back the copy and allowance held by an active record.
// User is updated before book to keep lock order aligned with Reserve.
func (s *service) releaseInventory(ctx context.Context, repo Repository, record *models.BorrowRecord) error {
	ok, err := repo.ReturnAllowance(ctx, record.UserID, s.rules.MaxBooksPerUser)
	if err != nil {
		return storeErr(err, "increment remaining borrows")
	}
	if !ok {
		s.warnDrift(ctx, record, "remaining borrows already at maximum")
	}
	ok, err = repo.ReturnCopy(ctx, record.BookID)
	if err != nil {
		return storeErr(err, "increment available copies")
	}
	if !ok {
		s.warnDrift(ctx, record, "available copies already at total")
	}
	return nil
}

func (s *service) warnDrift(ctx context.Context, record *models.BorrowRecord, msg string) {
	if s.logg == nil {
		return
	}
	ctx = s.logg.WithBorrowID(ctx, record.ID.String())
	ctx = s.logg.WithFields(ctx, map[string]any{"book_id": record.BookID.String(), "user_id": record.UserID.String()})
	s.logg.Warn(ctx, "inventory counter drift: "+msg)
}

func (s *service) logTransition(ctx context.Context, record *models.BorrowRecord, msg string) {
	if s.logg == nil || record == nil {
		return
	}
	ctx = s.logg.WithBorrowID(ctx, record.ID.String())
	ctx = s.logg.WithField(ctx, "status", record.Status)
	s.logg.Info(ctx, msg)
}

func (s *service) logOutcome(ctx context.Context, borrowID uuid.UUID, transition string, outcome Outcome) {
	if s.logg == nil {
		return
	}
	ctx = s.logg.WithBorrowID(ctx, borrowID.String())
	if outcome.Applied {
		s.logg.Info(ctx, transition+" applied")
		return
	}
	ctx = s.logg.WithField(ctx, "reason", outcome.Reason)
	s.logg.Info(ctx, transition+" skipped")
}

func transitionConflict(status enums.BorrowStatus, action string) error {
	return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("cannot %s a borrow in status %s", action, status)).
		WithDetails(map[string]any{"status": status})
}

func storeErr(err error, action string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, action)
}
