package enums

import "testing"

func TestBorrowStatusClassification(t *testing.T) {
	cases := []struct {
		status     BorrowStatus
		active     bool
		terminal   bool
		returnable bool
	}{
		{BorrowStatusReserved, true, false, false},
		{BorrowStatusBorrowed, true, false, true},
		{BorrowStatusDueSoon, true, false, true},
		{BorrowStatusOverdue, true, false, true},
		{BorrowStatusReturned, false, true, false},
		{BorrowStatusExpired, false, true, false},
	}
	for _, tc := range cases {
		if got := tc.status.IsActive(); got != tc.active {
			t.Fatalf("%s active: expected %v got %v", tc.status, tc.active, got)
		}
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Fatalf("%s terminal: expected %v got %v", tc.status, tc.terminal, got)
		}
		if got := tc.status.IsReturnable(); got != tc.returnable {
			t.Fatalf("%s returnable: expected %v got %v", tc.status, tc.returnable, got)
		}
	}
}

func TestParseBorrowStatus(t *testing.T) {
	if got, err := ParseBorrowStatus("due_soon"); err != nil || got != BorrowStatusDueSoon {
		t.Fatalf("unexpected parse result %q %v", got, err)
	}
	if _, err := ParseBorrowStatus("lost"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestParseJobKind(t *testing.T) {
	for _, kind := range AllJobKinds() {
		parsed, err := ParseJobKind(string(kind))
		if err != nil || parsed != kind {
			t.Fatalf("round trip failed for %s: %v", kind, err)
		}
	}
	if _, err := ParseJobKind("pickup_reminder"); err == nil {
		t.Fatal("expected underscore variant to be rejected")
	}
}
