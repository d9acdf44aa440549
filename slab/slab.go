// Package slab implements the sub-page slab allocator: a small set
// of fixed size classes, each backed by SlabSize pages carved into a
// LIFO free list threaded directly through the unit bodies. Requests at or above the largest class bypass the slab
// machinery entirely and go straight to the backing page allocator.
//
// Unlike the buddy/physical/linear managers, a slab's free list lives
// in the memory it manages: a unit's first word, while free, holds a
// pointer to the next free unit. That only works over real,
// dereferenceable memory, so callers must supply a PageAllocator that
// hands back pages backed by actual Go memory (see HostPageSource),
// not the synthetic bookkeeping addresses a physical.Manager deals in.
package slab

import (
	"sync"
	"unsafe"

	"kernmem/defs"
	"kernmem/mem"
	"kernmem/stats"
	"kernmem/util"
)

// SlabSize is the page size a slab is carved out of. It must be a
// multiple of mem.PageSize; here it is exactly one page.
const SlabSize = mem.PageSize

const numberOfClasses = 8

// header is the bookkeeping block written at the start of every slab
// page, ahead of its carved units.
type header struct {
	next, prev *header
	class      int
	inUsed     bool
	usedCount  int
	freeList   unsafe.Pointer
}

const headerSize = unsafe.Sizeof(header{})

// unitSizes are the fixed size classes a Manager carves pages into.
// The three smallest classes are plain round numbers; the rest are
// reduced by headerSize so that findClass's "smallest unit >= size"
// search still returns a class whose carved unit can actually satisfy
// the request once the page's header overhead is accounted for.
var unitSizes = [numberOfClasses]uint64{
	16,
	32,
	64,
	128 - uint64(headerSize),
	256 - uint64(headerSize),
	512 - uint64(headerSize),
	1024 - uint64(headerSize),
	2048 - uint64(headerSize),
}

// PageAllocator obtains at least size bytes of fresh, real,
// page-aligned memory from whatever sits below the slab allocator.
type PageAllocator func(size uint64) (mem.Addr, defs.Err_t)

// PageReleaser returns a page obtained from a PageAllocator.
type PageReleaser func(addr mem.Addr)

// Manager is the slab allocator itself: one free/used list pair per
// size class, plus the page source underneath it.
type Manager struct {
	mu     sync.Mutex
	usable [numberOfClasses]*header
	used   [numberOfClasses]*header

	attr          defs.PageAttribute
	allocatePages PageAllocator
	releasePages  PageReleaser

	Stats stats.Allocator
}

// New builds a slab manager over the given page source. attr is
// passed through to every allocatePages call the manager makes on the
// caller's behalf (the manager itself never inspects it).
func New(allocatePages PageAllocator, releasePages PageReleaser, attr defs.PageAttribute) *Manager {
	return &Manager{allocatePages: allocatePages, releasePages: releasePages, attr: attr}
}

func headerAt(addr mem.Addr) *header {
	return (*header)(unsafe.Pointer(uintptr(addr)))
}

func addrOf(h *header) mem.Addr {
	return mem.Addr(uintptr(unsafe.Pointer(h)))
}

// initHeader carves the page at addr into units of size unit, writing
// the header first and threading the remaining space into a LIFO free
// list, one pointer write per unit.
func initHeader(addr mem.Addr, class int, unit uint64) *header {
	h := headerAt(addr)
	h.next = nil
	h.prev = nil
	h.class = class
	h.usedCount = 0

	p := uintptr(addr) + headerSize
	end := uintptr(addr) + SlabSize
	var free unsafe.Pointer
	for p+uintptr(unit) <= end {
		u := unsafe.Pointer(p)
		*(*unsafe.Pointer)(u) = free
		free = u
		p += uintptr(unit)
	}
	h.freeList = free
	return h
}

func isTotallyFree(h *header) bool { return h.usedCount == 0 }
func isTotallyUsed(h *header) bool { return h.freeList == nil }

func allocateUnit(h *header) unsafe.Pointer {
	u := h.freeList
	if u == nil {
		return nil
	}
	h.freeList = *(*unsafe.Pointer)(u)
	h.usedCount++
	return u
}

// freeUnit threads address back onto the free list of the slab that
// owns it, found by masking address down to its SlabSize-aligned page.
func freeUnit(address mem.Addr) *header {
	slabAddr := uintptr(address) &^ (uintptr(SlabSize) - 1)
	h := (*header)(unsafe.Pointer(slabAddr))
	u := unsafe.Pointer(uintptr(address))
	*(*unsafe.Pointer)(u) = h.freeList
	h.freeList = u
	h.usedCount--
	return h
}

func findClass(size uint64) int {
	for i, u := range unitSizes {
		if u >= size {
			return i
		}
	}
	return -1
}

func push(list *[numberOfClasses]*header, class int, inUsed bool, h *header) {
	h.class = class
	h.inUsed = inUsed
	h.prev = nil
	h.next = list[class]
	if h.next != nil {
		h.next.prev = h
	}
	list[class] = h
}

func remove(list *[numberOfClasses]*header, h *header) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		list[h.class] = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.prev, h.next = nil, nil
}

// Allocate returns a pointer to a fresh unit of at least size bytes,
// or a zero address with OutOfMemory if none could be carved.
//
// size >= the largest class bypasses the slab machinery: the request
// goes straight to the page allocator, rounded up to whole pages.
func (m *Manager) Allocate(size uint64) (mem.Addr, defs.Err_t) {
	if size >= unitSizes[numberOfClasses-1] {
		return m.allocatePages(util.Roundup(size, uint64(mem.PageSize)))
	}

	class := findClass(size)

	m.mu.Lock()
	h := m.usable[class]
	if h == nil {
		// No slab alive for this class: obtain one outside the lock,
		// since the page allocator may itself block on other locks
		// (or, for the bypass path above, on a different manager
		// entirely) and must never run while ours is held.
		m.mu.Unlock()
		addr, err := m.allocatePages(SlabSize)
		if err != 0 {
			return 0, err
		}
		m.mu.Lock()
		h = initHeader(addr, class, unitSizes[class])
		push(&m.usable, class, false, h)
	}

	unit := allocateUnit(h)
	if isTotallyUsed(h) {
		remove(&m.usable, h)
		push(&m.used, class, true, h)
	}
	m.mu.Unlock()

	if unit == nil {
		m.Stats.Failures.Inc()
		return 0, defs.OutOfMemory
	}
	m.Stats.Allocations.Inc()
	return mem.Addr(uintptr(unit)), 0
}

// Release returns a unit previously returned by Allocate.
//
// A MIN_BLOCK_SIZE-aligned address came from the large-allocation
// bypass and is handed straight back to the page allocator. Otherwise
// the unit is threaded back onto its owning slab's free list; once
// that slab is completely unused it is unlinked and its backing page
// is released, with the page-free call made after the lock is
// dropped, exactly as the page-alloc call is on the allocate side.
func (m *Manager) Release(address mem.Addr) {
	m.Stats.Releases.Inc()
	if uintptr(address)%mem.PageSize == 0 {
		m.releasePages(address)
		return
	}

	m.mu.Lock()
	h := freeUnit(address)
	if h.inUsed {
		// Freeing a unit always leaves the free list non-empty, so a
		// slab coming off the used list is never still saturated.
		remove(&m.used, h)
		push(&m.usable, h.class, false, h)
	}
	if isTotallyFree(h) {
		remove(&m.usable, h)
		m.mu.Unlock()
		m.releasePages(addrOf(h))
		return
	}
	m.mu.Unlock()
}
