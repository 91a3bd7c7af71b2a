package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

// ScheduledJob is a delayed borrow lifecycle job. At most one queued row exists per (kind, borrow_id).
type ScheduledJob struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Kind         enums.JobKind   `gorm:"column:kind;not null"`
	BorrowID     uuid.UUID       `gorm:"column:borrow_id;type:uuid;not null"`
	Payload      json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Status       enums.JobStatus `gorm:"column:status;not null"`
	FireAt       time.Time       `gorm:"column:fire_at;not null"`
	AttemptsMade int             `gorm:"column:attempts_made;not null;default:0"`
	MaxAttempts  int             `gorm:"column:max_attempts;not null"`
	BackoffMS    int64           `gorm:"column:backoff_ms;not null"`
	LockedUntil  *time.Time      `gorm:"column:locked_until"`
	LastError    *string         `gorm:"column:last_error"`
	CompletedAt  *time.Time      `gorm:"column:completed_at"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

// Backoff returns the base retry delay.
func (j ScheduledJob) Backoff() time.Duration {
	return time.Duration(j.BackoffMS) * time.Millisecond
}
