// Package pagetable defines the page-table driver boundary the memory
// subsystem calls through and a host-backed reference implementation
// of it. The driver itself is a hardware concern (walking and
// installing page-table entries, invalidating the TLB); this package
// only specifies the calling convention the rest of the subsystem
// depends on, plus a pure-bookkeeping Driver usable in tests and in
// any host environment that has no real page tables to program.
package pagetable

import (
	"sync"

	"kernmem/defs"
	"kernmem/mem"
	"kernmem/physical"
)

// NoPhys is the sentinel physical address meaning "allocate fresh
// backing", passed to Map in place of a caller-supplied physical
// address.
const NoPhys mem.Addr = ^mem.Addr(0)

// Driver is the page-table driver interface the linear memory manager
// calls through (the slab allocator reaches it only via the linear
// memory manager's page allocation). Implementations own whatever lock
// is needed to serialize page-table edits; callers never hold an
// allocator lock while calling a Driver method, since a driver call
// may itself fail or need to take a lock the allocator already holds.
type Driver interface {
	// Map installs linear -> phys for size bytes with the given
	// attributes. If phys is NoPhys, fresh physical pages are
	// allocated from physMgr (possibly non-contiguous) to back the
	// range. Partial failure unmaps whatever prefix it had installed.
	Map(physMgr *physical.Manager, linear mem.Addr, phys mem.Addr, size uint64, attr defs.PageAttribute) defs.Err_t

	// MapContiguous is like Map with phys == NoPhys, except the
	// allocated physical backing is guaranteed to be one contiguous
	// run rather than possibly-scattered pages.
	MapContiguous(physMgr *physical.Manager, linear mem.Addr, size uint64, attr defs.PageAttribute) defs.Err_t

	// Unmap tears down size bytes of mapping starting at linear. If
	// releasePhysical is set, each underlying physical frame's
	// reference count is dropped in physMgr.
	Unmap(physMgr *physical.Manager, linear mem.Addr, size uint64, releasePhysical bool)

	// TranslateExisting returns the physical address backing linear,
	// or ok == false if linear is not currently mapped.
	TranslateExisting(linear mem.Addr) (mem.Addr, bool)

	// ReservePage maps the physical frame that currently backs linear
	// at a scratch page, with requiredAttrs, for the duration of a
	// cross-address-space copy and returns that frame's physical
	// address, or ok == false on failure.
	ReservePage(linear mem.Addr, requiredAttrs defs.PageAttribute) (mem.Addr, bool)

	// ReleaseReservedPage undoes ReservePage.
	ReleaseReservedPage(phys mem.Addr)
}

type mapping struct {
	phys mem.Addr
	attr defs.PageAttribute
}

// HostDriver is a Driver that performs pure linear<->physical
// bookkeeping without programming any real hardware page table and
// without copying memory content: physical addresses it hands out are
// the same synthetic integers physical.Manager already deals in, so
// "mapping" a page is simply recording which physical block backs
// which linear block.
type HostDriver struct {
	mu         sync.Mutex
	mappings   map[mem.Addr]mapping
	reserved   map[mem.Addr]mem.Addr // reserved linear scratch page -> phys
	scratch    mem.Addr              // next free address in the reservation range
	scratchEnd mem.Addr
}

// NewHostDriver creates a driver that additionally reserves pages for
// ReservePage out of [scratchBegin, scratchEnd).
func NewHostDriver(scratchBegin, scratchEnd mem.Addr) *HostDriver {
	return &HostDriver{
		mappings:   make(map[mem.Addr]mapping),
		reserved:   make(map[mem.Addr]mem.Addr),
		scratch:    scratchBegin,
		scratchEnd: scratchEnd,
	}
}

func (d *HostDriver) Map(physMgr *physical.Manager, linear mem.Addr, phys mem.Addr, size uint64, attr defs.PageAttribute) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()

	pages := mem.Size(size).Pages()
	installed := uint64(0)
	for p := uint64(0); p < pages; p++ {
		la := linear + mem.Addr(p)*mem.PageSize
		var pa mem.Addr
		if phys == NoPhys {
			allocated, _, err := physMgr.Allocate(mem.PageSize)
			if err != 0 {
				d.unmapPrefix(physMgr, linear, installed, true)
				return err
			}
			pa = allocated
		} else {
			pa = phys + mem.Addr(p)*mem.PageSize
			if err := physMgr.AddReference(pa); err != 0 {
				d.unmapPrefix(physMgr, linear, installed, true)
				return err
			}
		}
		d.mappings[la] = mapping{phys: pa, attr: attr}
		installed++
	}
	return 0
}

func (d *HostDriver) MapContiguous(physMgr *physical.Manager, linear mem.Addr, size uint64, attr defs.PageAttribute) defs.Err_t {
	base, _, err := physMgr.Allocate(size)
	if err != 0 {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pages := mem.Size(size).Pages()
	for p := uint64(0); p < pages; p++ {
		la := linear + mem.Addr(p)*mem.PageSize
		pa := base + mem.Addr(p)*mem.PageSize
		d.mappings[la] = mapping{phys: pa, attr: attr}
	}
	return 0
}

// unmapPrefix undoes the first n pages installed by a failed Map call.
// d.mu is already held by the caller.
func (d *HostDriver) unmapPrefix(physMgr *physical.Manager, linear mem.Addr, n uint64, releasePhysical bool) {
	for p := uint64(0); p < n; p++ {
		la := linear + mem.Addr(p)*mem.PageSize
		if m, ok := d.mappings[la]; ok {
			if releasePhysical {
				physMgr.Release(m.phys)
			}
			delete(d.mappings, la)
		}
	}
}

func (d *HostDriver) Unmap(physMgr *physical.Manager, linear mem.Addr, size uint64, releasePhysical bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pages := mem.Size(size).Pages()
	for p := uint64(0); p < pages; p++ {
		la := linear + mem.Addr(p)*mem.PageSize
		m, ok := d.mappings[la]
		if !ok {
			continue
		}
		if releasePhysical {
			physMgr.Release(m.phys)
		}
		delete(d.mappings, la)
	}
}

func (d *HostDriver) TranslateExisting(linear mem.Addr) (mem.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	page := linear - linear%mem.PageSize
	off := linear - page
	m, ok := d.mappings[page]
	if !ok {
		return 0, false
	}
	return m.phys + off, true
}

func (d *HostDriver) ReservePage(linear mem.Addr, requiredAttrs defs.PageAttribute) (mem.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scratch >= d.scratchEnd {
		return 0, false
	}
	la := d.scratch
	d.scratch += mem.PageSize
	m, ok := d.mappings[linear-linear%mem.PageSize]
	if !ok {
		return 0, false
	}
	d.reserved[la] = m.phys
	d.mappings[la] = mapping{phys: m.phys, attr: requiredAttrs}
	return m.phys, true
}

func (d *HostDriver) ReleaseReservedPage(phys mem.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for la, pa := range d.reserved {
		if pa == phys {
			delete(d.reserved, la)
			delete(d.mappings, la)
			return
		}
	}
}
