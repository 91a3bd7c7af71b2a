package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/libraryloans-backend/pkg/enums"
)

// ScheduledJobFailure captures jobs that exhausted their attempts for manual inspection.
type ScheduledJobFailure struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	JobID        uuid.UUID       `gorm:"column:job_id;type:uuid;not null"`
	Kind         enums.JobKind   `gorm:"column:kind;not null"`
	BorrowID     uuid.UUID       `gorm:"column:borrow_id;type:uuid;not null"`
	Payload      json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	AttemptCount int             `gorm:"column:attempt_count;not null"`
	ErrorMessage *string         `gorm:"column:error_message"`
	FailedAt     time.Time       `gorm:"column:failed_at;not null"`
}
