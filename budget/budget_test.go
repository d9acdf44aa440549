package budget

import "testing"

func TestTakeExhaustsAndGiveRestores(t *testing.T) {
	p := NewPages(2)
	if !p.Take() || !p.Take() {
		t.Fatal("expected first two Take calls to succeed")
	}
	if p.Take() {
		t.Fatal("Take should fail once the budget is exhausted")
	}
	if p.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", p.Remaining())
	}
	p.Give()
	if p.Remaining() != 1 {
		t.Fatalf("Remaining after Give = %d, want 1", p.Remaining())
	}
	if !p.Take() {
		t.Fatal("Take should succeed again after a Give")
	}
}

func TestFailedTakeLeavesBudgetUnchanged(t *testing.T) {
	p := NewPages(0)
	for i := 0; i < 3; i++ {
		if p.Take() {
			t.Fatal("Take should never succeed against a zero budget")
		}
	}
	if p.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", p.Remaining())
	}
}
