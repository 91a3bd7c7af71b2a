package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

// Notification stores in-app notification payloads scoped to a user.
type Notification struct {
	ID        uuid.UUID              `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID              `gorm:"column:user_id;type:uuid;not null" json:"user_id"`
	Type      enums.NotificationType `gorm:"column:type;type:notification_type;not null" json:"type"`
	Title     string                 `gorm:"column:title;type:text;not null" json:"title"`
	Message   string                 `gorm:"column:message;type:text;not null" json:"message"`
	Read      bool                   `gorm:"column:read;not null;default:false" json:"read"`
	ReadAt    *time.Time             `gorm:"column:read_at" json:"read_at"`
	CreatedAt time.Time              `gorm:"column:created_at" json:"created_at"`
}
