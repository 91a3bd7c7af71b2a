package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

// User represents a library member or staff account.
type User struct {
	ID               uuid.UUID      `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Email            string         `gorm:"column:email;not null;uniqueIndex" json:"email"`
	Name             string         `gorm:"column:name;not null" json:"name"`
	Role             enums.UserRole `gorm:"column:role;type:user_role;not null" json:"role"`
	IsActive         bool           `gorm:"column:is_active;not null;default:true" json:"is_active"`
	RemainingBorrows int            `gorm:"column:remaining_borrows;not null" json:"remaining_borrows"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}
