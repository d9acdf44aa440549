// Package lmm implements the composite linear memory manager: the
// public surface the rest of the kernel actually calls, built by
// gluing a linear.Manager, a physical.Manager, and a pagetable.Driver
// together. Every entry point follows the same shape: allocate the
// linear range first, perform the physical/mapping step, and on any
// failure release the linear range before returning. There is no
// separate commit step: the linear block is marked in use as soon as
// it is allocated, so it is already visible to CheckAndUnmapPages and
// Translate while the mapping step runs.
package lmm

import (
	"kernmem/defs"
	"kernmem/linear"
	"kernmem/mem"
	"kernmem/pagetable"
	"kernmem/physical"
)

// Manager composes the three managers a page-backed linear allocation
// needs: where linear addresses come from, where physical pages come
// from, and how the two get tied together.
type Manager struct {
	Linear   *linear.Manager
	Physical *physical.Manager
	Driver   pagetable.Driver
}

// New composes an already-constructed linear manager, physical
// manager, and page-table driver into a Manager. Boot initialization
// builds the three pieces and wires them together this way.
func New(l *linear.Manager, p *physical.Manager, d pagetable.Driver) *Manager {
	return &Manager{Linear: l, Physical: p, Driver: d}
}

type driverUnmapper struct {
	driver pagetable.Driver
	phys   *physical.Manager
}

func (d driverUnmapper) Unmap(linearAddr mem.Addr, size uint64, releasePhysical bool) {
	d.driver.Unmap(d.phys, linearAddr, size, releasePhysical)
}

func (m *Manager) unmapper() linear.Unmapper {
	return driverUnmapper{driver: m.Driver, phys: m.Physical}
}

// AllocatePages reserves a linear range and backs it with fresh
// physical pages (possibly non-contiguous), rolling the linear range
// back on any mapping failure. The linear range is taken via
// AllocateOrExtend so a linear manager with room left to grow
// (max_block_count not yet reached) extends itself rather than
// failing outright.
func (m *Manager) AllocatePages(size uint64, attr defs.PageAttribute) (mem.Addr, defs.Err_t) {
	addr, got, err := m.Linear.AllocateOrExtend(size, true)
	if err != 0 {
		return 0, err
	}
	if mapErr := m.Driver.Map(m.Physical, addr, pagetable.NoPhys, got, attr); mapErr != 0 {
		m.Linear.Buddy().Release(addr)
		return 0, mapErr
	}
	return addr, 0
}

// AllocateContiguousPages is like AllocatePages, but the physical
// backing is guaranteed to be one contiguous run.
func (m *Manager) AllocateContiguousPages(size uint64, attr defs.PageAttribute) (mem.Addr, defs.Err_t) {
	addr, got, err := m.Linear.AllocateOrExtend(size, true)
	if err != 0 {
		return 0, err
	}
	if mapErr := m.Driver.MapContiguous(m.Physical, addr, got, attr); mapErr != 0 {
		m.Linear.Buddy().Release(addr)
		return 0, mapErr
	}
	return addr, 0
}

// MapPages reserves a linear range and maps it to caller-supplied
// physical memory, taking a reference on each frame.
func (m *Manager) MapPages(phys mem.Addr, size uint64, attr defs.PageAttribute) (mem.Addr, defs.Err_t) {
	addr, got, err := m.Linear.AllocateOrExtend(size, true)
	if err != 0 {
		return 0, err
	}
	if mapErr := m.Driver.Map(m.Physical, addr, phys, got, attr); mapErr != 0 {
		m.Linear.Buddy().Release(addr)
		return 0, mapErr
	}
	return addr, 0
}

// CheckAndMapExistingPages copies mappings from src's [srcLinear,
// srcLinear+size) into this manager's address space: each underlying
// physical frame is looked up through src's driver and gains a fresh
// reference when this manager's driver maps it. On
// any per-page failure it unmaps the prefix it had already installed
// and releases the destination linear block.
func (m *Manager) CheckAndMapExistingPages(src *Manager, srcLinear mem.Addr, size uint64, attr, srcAttrRequired defs.PageAttribute) (mem.Addr, defs.Err_t) {
	dstAddr, got, err := m.Linear.AllocateOrExtend(size, true)
	if err != 0 {
		return 0, err
	}

	var installed uint64
	for s := uint64(0); s < got; s += mem.PageSize {
		srcPhys, ok := src.Driver.ReservePage(srcLinear+mem.Addr(s), srcAttrRequired)
		if !ok {
			break
		}
		mapErr := m.Driver.Map(m.Physical, dstAddr+mem.Addr(s), srcPhys, mem.PageSize, attr)
		src.Driver.ReleaseReservedPage(srcPhys)
		if mapErr != 0 {
			break
		}
		installed += mem.PageSize
	}

	if installed != got {
		if installed != 0 {
			m.Driver.Unmap(m.Physical, dstAddr, installed, true)
		}
		m.Linear.Buddy().Release(dstAddr)
		return 0, defs.MappingFailed
	}
	return dstAddr, 0
}

// UnmapPages looks up the block's size, unconditionally unmaps and
// releases its physical backing, and releases the linear block. The
// caller must already know linearAddr is a live allocation.
func (m *Manager) UnmapPages(linearAddr mem.Addr) {
	size, _ := m.Linear.Buddy().AllocatedSize(linearAddr)
	m.Driver.Unmap(m.Physical, linearAddr, size, true)
	m.Linear.Buddy().Release(linearAddr)
}

// CheckAndUnmapPages is the safe variant of UnmapPages: it is a no-op
// if linearAddr is not a live allocation, and reports whether it
// actually released anything.
func (m *Manager) CheckAndUnmapPages(linearAddr mem.Addr) bool {
	return m.Linear.CheckAndRelease(linearAddr, m.unmapper())
}

// Translate returns the physical address backing linearAddr, or
// ok == false if it is not currently mapped.
func (m *Manager) Translate(linearAddr mem.Addr) (mem.Addr, bool) {
	return m.Linear.Translate(linearAddr, m.Driver)
}

// ReleaseAll tears down every block this manager's linear range
// currently covers, for whole-address-space teardown.
func (m *Manager) ReleaseAll() {
	m.Linear.ReleaseAll(m.unmapper())
}
