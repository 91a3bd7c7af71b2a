package enums

import "fmt"

// BorrowStatus maps to the borrow_status enum in Postgres.
type BorrowStatus string

const (
	BorrowStatusReserved BorrowStatus = "reserved"
	BorrowStatusBorrowed BorrowStatus = "borrowed"
	BorrowStatusDueSoon  BorrowStatus = "due_soon"
	BorrowStatusOverdue  BorrowStatus = "overdue"
	BorrowStatusReturned BorrowStatus = "returned"
	BorrowStatusExpired  BorrowStatus = "expired"
)

var validBorrowStatuses = []BorrowStatus{
	BorrowStatusReserved,
	BorrowStatusBorrowed,
	BorrowStatusDueSoon,
	BorrowStatusOverdue,
	BorrowStatusReturned,
	BorrowStatusExpired,
}

// ActiveBorrowStatuses hold a copy of the book and one unit of the user's allowance.
var ActiveBorrowStatuses = []BorrowStatus{
	BorrowStatusReserved,
	BorrowStatusBorrowed,
	BorrowStatusDueSoon,
	BorrowStatusOverdue,
}

// ReturnableBorrowStatuses may transition to returned.
var ReturnableBorrowStatuses = []BorrowStatus{
	BorrowStatusBorrowed,
	BorrowStatusDueSoon,
	BorrowStatusOverdue,
}

func (s BorrowStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known BorrowStatus.
func (s BorrowStatus) IsValid() bool {
	return containsStatus(validBorrowStatuses, s)
}

// IsActive reports whether the record still holds inventory.
func (s BorrowStatus) IsActive() bool {
	return containsStatus(ActiveBorrowStatuses, s)
}

// IsTerminal reports whether no further transitions can occur.
func (s BorrowStatus) IsTerminal() bool {
	return s == BorrowStatusReturned || s == BorrowStatusExpired
}

// IsReturnable reports whether confirm return is allowed from this status.
func (s BorrowStatus) IsReturnable() bool {
	return containsStatus(ReturnableBorrowStatuses, s)
}

// ParseBorrowStatus converts raw input into a BorrowStatus.
func ParseBorrowStatus(value string) (BorrowStatus, error) {
	for _, candidate := range validBorrowStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid borrow status %q", value)
}

func containsStatus(set []BorrowStatus, s BorrowStatus) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
