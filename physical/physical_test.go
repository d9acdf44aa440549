package physical

import (
	"testing"

	"kernmem/mem"
)

func seedAllFree(t *testing.T, m *Manager, n int) {
	t.Helper()
	begin := m.Buddy().BeginAddr()
	for i := 0; i < n; i++ {
		addr := begin + mem.Addr(i)*mem.PageSize
		if err := m.Buddy().Release(addr); err != 0 {
			t.Fatalf("seed release %d: %v", i, err)
		}
	}
}

func TestAllocateAndRefcountSharing(t *testing.T) {
	m := New(0, 4, 4, 14)
	seedAllFree(t, m, 4)

	addr, _, err := m.Allocate(4096)
	if err != 0 {
		t.Fatalf("allocate: %v", err)
	}
	if got := m.Refcnt(addr); got != 1 {
		t.Fatalf("Refcnt = %d, want 1", got)
	}

	if err := m.AddReference(addr); err != 0 {
		t.Fatalf("AddReference: %v", err)
	}
	if got := m.Refcnt(addr); got != 2 {
		t.Fatalf("Refcnt after AddReference = %d, want 2", got)
	}

	m.Release(addr)
	if got := m.Refcnt(addr); got != 1 {
		t.Fatalf("Refcnt after one Release = %d, want 1", got)
	}
	if !m.Buddy().IsUsing(addr) {
		t.Fatal("block should still be in use while refcount > 0")
	}

	m.Release(addr)
	if m.Buddy().IsUsing(addr) {
		t.Fatal("block should be released once refcount hits zero")
	}
}

func TestOutOfRangeReferenceOpsAreNoops(t *testing.T) {
	m := New(0, 2, 2, 13)
	if err := m.AddReference(0xdeadb000); err != 0 {
		t.Fatalf("out-of-range AddReference should succeed, got %v", err)
	}
	m.Release(0xdeadb000) // must not panic
	if got := m.Refcnt(0xdeadb000); got != 0 {
		t.Fatalf("Refcnt of untracked address = %d, want 0", got)
	}
}

func TestAllocateSplitIndependentGranules(t *testing.T) {
	m := New(0, 4, 4, 14)
	seedAllFree(t, m, 4)

	addr, size, err := m.AllocateSplit(4*4096, 4096)
	if err != 0 {
		t.Fatalf("AllocateSplit: %v", err)
	}
	if size != 4*4096 {
		t.Fatalf("size = %d, want %d", size, 4*4096)
	}

	second := addr + mem.PageSize
	if m.Refcnt(second) != 1 {
		t.Fatalf("Refcnt(second granule) = %d, want 1", m.Refcnt(second))
	}

	m.Release(second)
	if m.Refcnt(second) != 0 {
		t.Fatalf("Refcnt(second granule) after release = %d, want 0", m.Refcnt(second))
	}
	if m.Refcnt(addr) != 1 {
		t.Fatalf("releasing one granule should not affect another: Refcnt(addr) = %d", m.Refcnt(addr))
	}
}
