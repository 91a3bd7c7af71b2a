package migrate

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMigrationsDirIsValid(t *testing.T) {
	require.NoError(t, ValidateDir("migrations"))
}

func TestEmbeddedMigrationsMatchDisk(t *testing.T) {
	src := Embedded()
	embeddedFiles, err := fs.Glob(src.FS, src.Dir+"/*.sql")
	require.NoError(t, err)
	diskFiles, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	require.NoError(t, err)

	require.Len(t, embeddedFiles, len(diskFiles))
	for i := range diskFiles {
		assert.Equal(t, filepath.Base(diskFiles[i]), strings.TrimPrefix(embeddedFiles[i], src.Dir+"/"))
	}
}

func TestRunValidatesArguments(t *testing.T) {
	assert.Error(t, Run(context.Background(), nil, Embedded(), "up"))
	assert.Error(t, MigrateToVersion(context.Background(), nil, Embedded(), "not-a-version"))
}

func TestBorrowRecordsMigrationContainsGuards(t *testing.T) {
	content := readMigration(t, "*_create_borrow_records.sql")

	for _, sub := range []string{
		"CREATE TABLE IF NOT EXISTS borrow_records",
		"FOREIGN KEY (book_id) REFERENCES books(id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_borrow_records_active",
		"WHERE status IN ('reserved', 'borrowed', 'due_soon', 'overdue')",
		"DROP TABLE IF EXISTS borrow_records",
	} {
		assert.Contains(t, content, sub)
	}
}

func TestBooksMigrationContainsCounterChecks(t *testing.T) {
	content := readMigration(t, "*_create_books_and_users.sql")

	assert.Contains(t, content, "CHECK (available_copies >= 0 AND available_copies <= total_copies)")
	assert.Contains(t, content, "CHECK (remaining_borrows >= 0)")
}

func TestScheduledJobsMigrationHasQueuedKeyIndex(t *testing.T) {
	content := readMigration(t, "*_create_scheduled_jobs.sql")

	assert.Contains(t, content, "ux_scheduled_jobs_queued_key")
	assert.Contains(t, content, "CREATE TABLE IF NOT EXISTS scheduled_job_failures")
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	path, err := createSQLMigrationAt(dir, "Add Book ISBN!", at)
	require.NoError(t, err)
	assert.Equal(t, "20260302100000_add_book_isbn.sql", filepath.Base(path))
	require.NoError(t, ValidateDir(dir))

	_, err = createSQLMigrationAt(dir, "add book isbn", at)
	require.Error(t, err)

	_, err = createSQLMigrationAt(dir, "!!!", at)
	require.Error(t, err)
}

func TestValidateDirRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260302100000_broken.sql"), []byte("-- +goose Up\nSELECT 1;\n"), 0o644))

	err := ValidateDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "goose Down")
}

func TestApplySQLiteSchema(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migrate_schema?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, ApplySQLiteSchema(conn))
	require.NoError(t, ApplySQLiteSchema(conn), "schema must be re-appliable")

	for _, table := range []string{"books", "users", "borrow_records", "notifications", "scheduled_jobs", "scheduled_job_failures"} {
		assert.True(t, conn.Migrator().HasTable(table), "missing table %s", table)
	}
}

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	require.NoError(t, err)
	require.NotEmpty(t, matches, "no migration matches %s", pattern)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}
