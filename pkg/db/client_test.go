package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/angelmondragon/libraryloans-backend/pkg/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type shelfRow struct {
	ID    int
	Title string `gorm:"uniqueIndex"`
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&shelfRow{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := NewWithConn(db)

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&shelfRow{Title: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&shelfRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&shelfRow{Title: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&shelfRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	db := newTestDB(t)
	client := NewWithConn(db)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			if err := tx.Create(&shelfRow{Title: "panicked"}).Error; err != nil {
				return err
			}
			panic("boom")
		})
	}()

	var count int64
	if err := db.Model(&shelfRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected panic to roll back, got %d rows", count)
	}
}

func TestPing(t *testing.T) {
	client := NewWithConn(newTestDB(t))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := newTestDB(t)
	if err := db.Create(&shelfRow{Title: "dup"}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	err := db.Create(&shelfRow{Title: "dup"}).Error
	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected sqlite unique violation, got %v", err)
	}

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "ux_borrow_records_active"}
	if !IsUniqueViolation(fmt.Errorf("insert: %w", pgErr), "ux_borrow_records_active") {
		t.Fatal("expected pg unique violation on named constraint")
	}
	if IsUniqueViolation(pgErr, "other_constraint") {
		t.Fatal("expected mismatch on different constraint")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}, "") {
		t.Fatal("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(nil, "") {
		t.Fatal("nil is not a violation")
	}
}

func TestDialectorForRejectsUnknownDriver(t *testing.T) {
	if _, err := dialectorFor(config.DBConfig{DSN: "x", Driver: "mysql"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := dialectorFor(config.DBConfig{DSN: "file::memory:", Driver: "SQLite"}); err != nil {
		t.Fatalf("expected sqlite dialector, got %v", err)
	}
}

type shelfCopy struct {
	ID      int
	Barcode string `gorm:"uniqueIndex"`
	Slot    string `gorm:"uniqueIndex"`
}

func TestUniqueViolationRespectsConstraintName(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&shelfCopy{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Create(&shelfCopy{Barcode: "a", Slot: "1"}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	err := db.Create(&shelfCopy{Barcode: "b", Slot: "1"}).Error
	if err == nil {
		t.Fatal("expected slot violation")
	}

	if IsUniqueViolation(err, "idx_shelf_copies_barcode") {
		t.Fatalf("slot violation must not match the barcode constraint: %v", err)
	}
	barcode := UniqueIndex{Name: "idx_shelf_copies_barcode", Columns: []string{"shelf_copies.barcode"}}
	slot := UniqueIndex{Name: "idx_shelf_copies_slot", Columns: []string{"shelf_copies.slot"}}
	if barcode.Violated(err) {
		t.Fatalf("barcode index reported for %v", err)
	}
	if !slot.Violated(err) {
		t.Fatalf("slot index not reported for %v", err)
	}

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "idx_shelf_copies_slot"}
	if !slot.Violated(pgErr) || barcode.Violated(pgErr) {
		t.Fatal("pg violations must match by constraint name")
	}
}
