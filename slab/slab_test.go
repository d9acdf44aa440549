package slab

import (
	"testing"
	"unsafe"

	"kernmem/defs"
	"kernmem/mem"
)

func newTestManager() (*Manager, *HostPageSource) {
	src := NewHostPageSource()
	return New(src.Allocate, src.Release, defs.PageKernel), src
}

func TestAllocateWritesAndReadsThroughUnit(t *testing.T) {
	m, _ := newTestManager()
	addr, err := m.Allocate(24)
	if err != 0 {
		t.Fatalf("Allocate: %v", err)
	}
	p := (*uint64)(unsafe.Pointer(uintptr(addr)))
	*p = 0xdeadbeef
	if *p != 0xdeadbeef {
		t.Fatal("value did not round-trip through the returned unit")
	}
}

func TestSmallAllocationsShareOnePage(t *testing.T) {
	m, _ := newTestManager()
	a, err := m.Allocate(16)
	if err != 0 {
		t.Fatalf("Allocate a: %v", err)
	}
	b, err := m.Allocate(16)
	if err != 0 {
		t.Fatalf("Allocate b: %v", err)
	}
	pageA := uintptr(a) &^ (uintptr(SlabSize) - 1)
	pageB := uintptr(b) &^ (uintptr(SlabSize) - 1)
	if pageA != pageB {
		t.Fatalf("two 16-byte allocations should share a slab page: %#x vs %#x", pageA, pageB)
	}
	if a == b {
		t.Fatal("distinct allocations must not alias")
	}
	// A slab unit never starts a page; that alignment is how Release
	// tells units apart from bypass allocations.
	if uintptr(a)%mem.PageSize == 0 || uintptr(b)%mem.PageSize == 0 {
		t.Fatalf("slab units must not be page-aligned: %#x %#x", a, b)
	}
}

func TestReleaseReusesFreedUnit(t *testing.T) {
	m, _ := newTestManager()
	a, err := m.Allocate(32)
	if err != 0 {
		t.Fatalf("Allocate: %v", err)
	}
	// A second live unit keeps the slab from emptying (and returning its
	// page) when a is released.
	if _, err := m.Allocate(32); err != 0 {
		t.Fatalf("Allocate keep-alive unit: %v", err)
	}
	m.Release(a)
	b, err := m.Allocate(32)
	if err != 0 {
		t.Fatalf("Allocate after release: %v", err)
	}
	if a != b {
		t.Fatalf("freed unit should be the next one handed out: freed %#x, got %#x", a, b)
	}
}

func TestLargeAllocationBypassesSlabs(t *testing.T) {
	m, src := newTestManager()
	addr, err := m.Allocate(4096)
	if err != 0 {
		t.Fatalf("Allocate: %v", err)
	}
	if uintptr(addr)%mem.PageSize != 0 {
		t.Fatalf("bypass allocation should be page-aligned, got %#x", addr)
	}
	if len(src.pages) != 1 {
		t.Fatalf("expected exactly one page handed out by the bypass path, got %d", len(src.pages))
	}
	m.Release(addr)
	if len(src.pages) != 0 {
		t.Fatal("releasing a bypass allocation should return its page")
	}
}

func TestSaturatedSlabMovesToUsedAndBack(t *testing.T) {
	m, src := newTestManager()
	unit := unitSizes[0]
	capacity := int((uint64(SlabSize) - uint64(headerSize)) / unit)

	addrs := make([]mem.Addr, 0, capacity)
	for i := 0; i < capacity; i++ {
		a, err := m.Allocate(unit)
		if err != 0 {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		addrs = append(addrs, a)
	}

	h := headerAt(mem.Addr(uintptr(addrs[0]) &^ (uintptr(SlabSize) - 1)))
	if !h.inUsed {
		t.Fatal("a fully carved slab should have moved to the used list")
	}

	for _, a := range addrs {
		m.Release(a)
	}
	if len(src.pages) != 0 {
		t.Fatal("a totally-free slab should have returned its page")
	}
}

func TestReleaseFreesPageWhenSlabEmpties(t *testing.T) {
	m, src := newTestManager()
	a, err := m.Allocate(64)
	if err != 0 {
		t.Fatalf("Allocate: %v", err)
	}
	if len(src.pages) != 1 {
		t.Fatalf("expected one backing page, got %d", len(src.pages))
	}
	m.Release(a)
	if len(src.pages) != 0 {
		t.Fatal("releasing the only live unit should release the slab's page")
	}
}
