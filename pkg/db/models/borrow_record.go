package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

// BorrowRecord is one reservation and the loan that may follow it. Rows are never deleted.
type BorrowRecord struct {
	ID                   uuid.UUID          `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	BookID               uuid.UUID          `gorm:"column:book_id;type:uuid;not null" json:"book_id"`
	UserID               uuid.UUID          `gorm:"column:user_id;type:uuid;not null" json:"user_id"`
	Status               enums.BorrowStatus `gorm:"column:status;type:borrow_status;not null" json:"status"`
	ReservedAt           time.Time          `gorm:"column:reserved_at;not null" json:"reserved_at"`
	ReservationExpiresAt time.Time          `gorm:"column:reservation_expires_at;not null" json:"reservation_expires_at"`
	PickupDate           *time.Time         `gorm:"column:pickup_date" json:"pickup_date"`
	DueDate              *time.Time         `gorm:"column:due_date" json:"due_date"`
	ReturnDate           *time.Time         `gorm:"column:return_date" json:"return_date"`
	OverdueDays          *int               `gorm:"column:overdue_days" json:"overdue_days"`
	CreatedAt            time.Time          `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Book *Book `gorm:"foreignKey:BookID" json:"book,omitempty"`
	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
