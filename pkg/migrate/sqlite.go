package migrate

import (
	"fmt"

	"github.com/angelmondragon/libraryloans-backend/pkg/db/models"
	"gorm.io/gorm"
)

// sqliteIndexes mirrors the partial indexes from the goose migrations that
// AutoMigrate cannot express.
var sqliteIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_borrow_records_active
	   ON borrow_records (user_id, book_id)
	   WHERE status IN ('reserved', 'borrowed', 'due_soon', 'overdue')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_scheduled_jobs_queued_key
	   ON scheduled_jobs (kind, borrow_id)
	   WHERE status = 'queued'`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due
	   ON scheduled_jobs (fire_at)
	   WHERE status = 'queued'`,
}

// ApplySQLiteSchema builds the schema on a sqlite connection for local runs and tests.
func ApplySQLiteSchema(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&models.User{},
		&models.Book{},
		&models.BorrowRecord{},
		&models.Notification{},
		&models.ScheduledJob{},
		&models.ScheduledJobFailure{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, stmt := range sqliteIndexes {
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
