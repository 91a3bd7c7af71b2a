package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	sqliteUniqueViolation = "UNIQUE constraint failed"
)

// UniqueIndex identifies a unique index. Columns are the "table.column" names
// sqlite lists in its violation message, which never carries the index name.
type UniqueIndex struct {
	Name    string
	Columns []string
}

// IsUniqueViolation reports whether err is a unique constraint violation.
// When constraintName is set the violation must reference that constraint;
// the generic text match is only used when no name is given.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolation {
			return false
		}
		return constraintName == "" || pgErr.ConstraintName == constraintName
	}

	msg := err.Error()
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, sqliteUniqueViolation)
}

// Violated reports whether err is a unique violation of this index, matching
// the sqlite column list when the driver does not report the index name.
func (idx UniqueIndex) Violated(err error) bool {
	if IsUniqueViolation(err, idx.Name) {
		return true
	}
	var pgErr *pgconn.PgError
	if err == nil || errors.As(err, &pgErr) || len(idx.Columns) == 0 {
		return false
	}
	msg := err.Error()
	i := strings.Index(msg, sqliteUniqueViolation+": ")
	if i < 0 {
		return false
	}
	reported := strings.Split(msg[i+len(sqliteUniqueViolation)+2:], ", ")
	if len(reported) != len(idx.Columns) {
		return false
	}
	for n, col := range idx.Columns {
		if strings.TrimSpace(reported[n]) != col {
			return false
		}
	}
	return true
}
