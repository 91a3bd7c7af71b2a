package ledger

import "github.com/angelmondragon/libraryloans-backend/pkg/db/models"

// Outcome is the result of a job-driven transition. A skipped outcome is not an
// error: the record was no longer in a state the transition applies to.
type Outcome struct {
	Applied bool
	Record  *models.BorrowRecord
	Reason  string
}

// Skipped reports whether the transition was a no-op.
func (o Outcome) Skipped() bool {
	return !o.Applied
}

func applied(record *models.BorrowRecord) Outcome {
	return Outcome{Applied: true, Record: record}
}

func skipped(record *models.BorrowRecord, reason string) Outcome {
	return Outcome{Record: record, Reason: reason}
}
