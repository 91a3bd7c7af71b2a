package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
	"github.com/angelmondragon/libraryloans-backend/pkg/pagination"
)

// Repository manages persistence for books, users and borrow records.
// Counter changes are guarded conditional updates; callers check the bool result.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	LockUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	LockBook(ctx context.Context, id uuid.UUID) (*models.Book, error)
	LockBorrow(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error)
	FindBorrow(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error)
	FindUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	HasActiveBorrow(ctx context.Context, userID, bookID uuid.UUID) (bool, error)

	CreateBorrow(ctx context.Context, record *models.BorrowRecord) error
	TransitionBorrow(ctx context.Context, id uuid.UUID, from []enums.BorrowStatus, updates map[string]any) (bool, error)

	TakeCopy(ctx context.Context, bookID uuid.UUID) (bool, error)
	ReturnCopy(ctx context.Context, bookID uuid.UUID) (bool, error)
	TakeAllowance(ctx context.Context, userID uuid.UUID) (bool, error)
	ReturnAllowance(ctx context.Context, userID uuid.UUID, max int) (bool, error)

	ListBorrows(ctx context.Context, filter ListFilter, cursor *pagination.Cursor) ([]models.BorrowRecord, error)
	History(ctx context.Context, from, to time.Time, userID *uuid.UUID) ([]models.BorrowRecord, error)
	ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) forUpdate(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *repository) LockUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.forUpdate(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &user, nil
}

func (r *repository) FindUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &user, nil
}

func (r *repository) LockBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	var book models.Book
	if err := r.forUpdate(ctx).Where("id = ?", id).First(&book).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &book, nil
}

func (r *repository) LockBorrow(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error) {
	var record models.BorrowRecord
	if err := r.forUpdate(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &record, nil
}

func (r *repository) FindBorrow(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error) {
	var record models.BorrowRecord
	if err := r.db.WithContext(ctx).
		Preload("Book").
		Preload("User").
		Where("id = ?", id).
		First(&record).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &record, nil
}

func (r *repository) HasActiveBorrow(ctx context.Context, userID, bookID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.BorrowRecord{}).
		Where("user_id = ? AND book_id = ? AND status IN ?", userID, bookID, enums.ActiveBorrowStatuses).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) CreateBorrow(ctx context.Context, record *models.BorrowRecord) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(record).Error
}

func (r *repository) TransitionBorrow(ctx context.Context, id uuid.UUID, from []enums.BorrowStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.BorrowRecord{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *repository) TakeCopy(ctx context.Context, bookID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Book{}).
		Where("id = ? AND available_copies > 0", bookID).
		Update("available_copies", gorm.Expr("available_copies - 1"))
	return res.RowsAffected == 1, res.Error
}

func (r *repository) ReturnCopy(ctx context.Context, bookID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Book{}).
		Where("id = ? AND available_copies < total_copies", bookID).
		Update("available_copies", gorm.Expr("available_copies + 1"))
	return res.RowsAffected == 1, res.Error
}

func (r *repository) TakeAllowance(ctx context.Context, userID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND remaining_borrows > 0", userID).
		Update("remaining_borrows", gorm.Expr("remaining_borrows - 1"))
	return res.RowsAffected == 1, res.Error
}

func (r *repository) ReturnAllowance(ctx context.Context, userID uuid.UUID, max int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND remaining_borrows < ?", userID, max).
		Update("remaining_borrows", gorm.Expr("remaining_borrows + 1"))
	return res.RowsAffected == 1, res.Error
}

func (r *repository) ListBorrows(ctx context.Context, filter ListFilter, cursor *pagination.Cursor) ([]models.BorrowRecord, error) {
	q := r.db.WithContext(ctx).Model(&models.BorrowRecord{}).Preload("Book")
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}
	if filter.BookID != nil {
		q = q.Where("book_id = ?", *filter.BookID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}

	var rows []models.BorrowRecord
	if err := q.Scopes(pagination.Scope(cursor, filter.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) History(ctx context.Context, from, to time.Time, userID *uuid.UUID) ([]models.BorrowRecord, error) {
	q := r.db.WithContext(ctx).
		Preload("Book").
		Where("reserved_at >= ? AND reserved_at < ?", from, to)
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	var rows []models.BorrowRecord
	if err := q.Order("reserved_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) ExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.BorrowRecord{}).
		Where("status = ? AND reservation_expires_at <= ?", enums.BorrowStatusReserved, cutoff).
		Order("reservation_expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func notFoundAsNil(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
