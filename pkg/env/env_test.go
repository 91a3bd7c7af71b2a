package env

import "testing"

func TestFirst(t *testing.T) {
	t.Setenv("LIBRARY_A", "")
	t.Setenv("LIBRARY_B", "b")
	if got := First("x", "LIBRARY_A", "LIBRARY_B"); got != "b" {
		t.Fatalf("expected b got %q", got)
	}
	if got := First("x", "LIBRARY_A"); got != "x" {
		t.Fatalf("expected fallback got %q", got)
	}
}
