// Package buddy implements the power-of-two block allocator that
// every other layer of the memory subsystem is built on: a physical
// block manager, a linear block manager, and ultimately the slab
// allocator all sit on top of a buddy.Manager.
//
// The free lists are arena+index rather than intrusive pointers: one
// node exists per mem.PageSize quantum of the managed range, stored in
// a flat slice and addressed by small integer indices instead of *node
// pointers threaded through the blocks themselves.
package buddy

import (
	"sync"

	"kernmem/defs"
	"kernmem/mem"
	"kernmem/stats"
	"kernmem/util"
)

type status uint8

const (
	statusFreeOrCovered status = iota + 1
	statusUsing
	statusReleasing
)

// node is the per-quantum bookkeeping record. Exactly one node exists
// per mem.PageSize quantum of the managed range; a live block larger
// than one quantum is represented by its lowest-address quantum's node
// carrying order > minOrder, with the quanta it covers left at their
// zero value and off every free list.
type node struct {
	order  uint8
	status status
	flags  defs.BlockFlag
	prev   int32
	next   int32
}

const noIndex int32 = -1

// Manager is a buddy allocator over a contiguous, mem.PageSize-aligned
// range of addresses. It is safe for concurrent use; critical sections
// are short and the mutex is never held across a call that might
// itself block or fail in a way that requires unwinding outside the
// lock.
type Manager struct {
	mu sync.Mutex

	beginAddr mem.Addr
	minOrder  uint
	maxOrder  uint

	initialBlockCount int
	blockCount        int
	maxBlockCount     int

	freeSize uint64
	freeHead []int32 // index by order-minOrder
	blocks   []node

	Stats stats.Allocator
}

// StatsString renders this manager's allocation counters, or the
// empty string when stats.Stats is disabled.
func (m *Manager) StatsString() string { return stats.Struct2String(m.Stats) }

// New creates a Manager over [beginAddr, beginAddr+maxBlockCount*PageSize).
// Every quantum starts out Using (reserved); the boot sequence seeds
// the free lists by calling Release on the quanta that are actually
// available.
func New(beginAddr mem.Addr, initialBlockCount, maxBlockCount int, maxOrder uint) *Manager {
	if maxOrder < mem.MinBlockOrder {
		maxOrder = mem.MinBlockOrder
	}
	if maxBlockCount < initialBlockCount {
		maxBlockCount = initialBlockCount
	}
	m := &Manager{
		beginAddr:         beginAddr,
		minOrder:          mem.MinBlockOrder,
		maxOrder:          maxOrder,
		initialBlockCount: initialBlockCount,
		maxBlockCount:     maxBlockCount,
		freeHead:          make([]int32, maxOrder-mem.MinBlockOrder+1),
		blocks:            make([]node, maxBlockCount),
	}
	m.reset()
	return m
}

// Reset discards all allocation and free-list state and returns the
// manager to its just-constructed state at initialBlockCount, for
// whole-address-space teardown. Callers must ensure nothing else is
// concurrently allocating from or releasing into m.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Manager) reset() {
	m.blockCount = m.initialBlockCount
	m.freeSize = 0
	for i := 0; i < m.blockCount; i++ {
		m.blocks[i] = node{order: uint8(m.minOrder), status: statusUsing, prev: noIndex, next: noIndex}
	}
	for i := range m.freeHead {
		m.freeHead[i] = noIndex
	}
}

// BeginAddr returns the lowest address this manager covers.
func (m *Manager) BeginAddr() mem.Addr { return m.beginAddr }

// MaxOrder returns the largest block order this manager can produce.
func (m *Manager) MaxOrder() uint { return m.maxOrder }

func (m *Manager) addrOf(idx int) mem.Addr {
	return m.beginAddr + mem.Addr(idx)*mem.PageSize
}

func (m *Manager) indexOf(addr mem.Addr) int {
	return int((addr - m.beginAddr) / mem.PageSize)
}

func (m *Manager) isInRangeLocked(addr mem.Addr) bool {
	if addr < m.beginAddr {
		return false
	}
	off := addr - m.beginAddr
	if off%mem.PageSize != 0 {
		return false
	}
	idx := int(off / mem.PageSize)
	return idx < m.blockCount
}

// getBuddy returns the index of b's buddy at its current order, or
// (0, false) if that index would fall past blockCount. That happens
// for the last, odd-one-out block of a range whose length isn't itself
// a power of two, and prevents merging across the end of the range.
func (m *Manager) getBuddy(idx int, order uint) (int, bool) {
	buddy := idx ^ (1 << (order - m.minOrder))
	if buddy >= m.blockCount {
		return 0, false
	}
	return buddy, true
}

func (m *Manager) pushFree(idx int, order uint) {
	slot := order - m.minOrder
	head := m.freeHead[slot]
	m.blocks[idx].prev = noIndex
	m.blocks[idx].next = head
	if head != noIndex {
		m.blocks[head].prev = int32(idx)
	}
	m.freeHead[slot] = int32(idx)
}

func (m *Manager) removeFree(idx int, order uint) {
	slot := order - m.minOrder
	b := &m.blocks[idx]
	if b.prev != noIndex {
		m.blocks[b.prev].next = b.next
	} else {
		m.freeHead[slot] = b.next
	}
	if b.next != noIndex {
		m.blocks[b.next].prev = b.prev
	}
	b.prev, b.next = noIndex, noIndex
}

// Allocate rounds size up to a power of two in [PageSize, 2^maxOrder],
// finds the smallest nonempty free list at or above that order,
// recursively splits the block it removes down to the requested order
// (pushing each freed buddy half onto its own order's free list), and
// returns the resulting block's address and actual size.
func (m *Manager) Allocate(size uint64, flags defs.BlockFlag) (mem.Addr, uint64, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(size, flags)
}

func (m *Manager) allocateLocked(size uint64, flags defs.BlockFlag) (mem.Addr, uint64, defs.Err_t) {
	order := mem.CeilOrder(size, m.minOrder, m.maxOrder)
	if order > m.maxOrder {
		m.Stats.Failures.Inc()
		return 0, 0, defs.OutOfMemory
	}

	found := order
	for m.freeHead[found-m.minOrder] == noIndex {
		if found == m.maxOrder {
			m.Stats.Failures.Inc()
			return 0, 0, defs.OutOfMemory
		}
		found++
	}

	idx := int(m.freeHead[found-m.minOrder])
	m.removeFree(idx, found)
	m.blocks[idx].status = statusUsing
	m.blocks[idx].flags = flags

	for cur := found; cur != order; cur-- {
		m.blocks[idx].order = uint8(cur - 1)
		buddyIdx, ok := m.getBuddy(idx, cur-1)
		if !ok {
			panic("buddy: split produced a buddy outside the managed range")
		}
		m.blocks[buddyIdx] = node{order: uint8(cur - 1), status: statusFreeOrCovered, prev: noIndex, next: noIndex}
		m.pushFree(buddyIdx, cur-1)
	}

	m.freeSize -= mem.OrderSize(order)
	m.Stats.Allocations.Inc()
	return m.addrOf(idx), mem.OrderSize(order), 0
}

// AllocateOrExtend behaves like Allocate, but on failure rounds
// blockCount up to a multiple of the requested order's size in quanta,
// adds one further block of that order, and, if the result does not
// exceed maxBlockCount, grows blockCount to it before retrying.
// Extension is not atomic with the retried allocation: every newly
// added quantum is pushed through the normal release path (and so onto
// a free list) before the retry, so a concurrent caller may consume it
// first.
func (m *Manager) AllocateOrExtend(size uint64, flags defs.BlockFlag) (mem.Addr, uint64, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr, got, err := m.allocateLocked(size, flags); err == 0 {
		return addr, got, 0
	}

	order := mem.CeilOrder(size, m.minOrder, m.maxOrder)
	if order > m.maxOrder {
		return 0, 0, defs.OutOfMemory
	}
	addBlockCount := 1 << (order - m.minOrder)
	newBlockCount := addBlockCount + util.Roundup(m.blockCount, addBlockCount)
	if newBlockCount > m.maxBlockCount {
		return 0, 0, defs.OutOfAddressSpace
	}

	for m.blockCount < newBlockCount {
		idx := m.blockCount
		m.blocks[idx] = node{order: uint8(m.minOrder), status: statusUsing, prev: noIndex, next: noIndex}
		m.blockCount++
		m.releaseLocked(idx)
	}

	return m.allocateLocked(size, flags)
}

// IsReleasable reports whether addr is aligned, in range, and the block
// covering it is currently Using, i.e. a subsequent Release of addr
// would succeed. A block covered by a larger block, already free, or
// mid-release (Releasing) is not releasable.
func (m *Manager) IsReleasable(addr mem.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isReleasableLocked(addr)
}

func (m *Manager) isReleasableLocked(addr mem.Addr) bool {
	if !m.isInRangeLocked(addr) {
		return false
	}
	return m.blocks[m.indexOf(addr)].status == statusUsing
}

// PrepareRelease transitions a Using block to Releasing without
// coalescing it, so a caller (the linear manager) can drop the lock,
// perform an unmap that must not run with the lock held, and finish
// with Release once the unmap completes.
func (m *Manager) PrepareRelease(addr mem.Addr) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isReleasableLocked(addr) {
		return defs.InvalidFree
	}
	m.blocks[m.indexOf(addr)].status = statusReleasing
	return 0
}

// Release returns a Using or Releasing block to FreeOrCovered, clears
// its flags, and coalesces with its buddy repeatedly while the buddy is
// free at the same order (it is then taken off its free list) and
// exists (the last, odd block of
// a non-power-of-two range has no buddy and never merges past the end).
// The lower-address half always survives a merge.
func (m *Manager) Release(addr mem.Addr) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isInRangeLocked(addr) {
		return defs.InvalidFree
	}
	idx := m.indexOf(addr)
	st := m.blocks[idx].status
	if st != statusUsing && st != statusReleasing {
		return defs.InvalidFree
	}
	m.releaseLocked(idx)
	return 0
}

func (m *Manager) releaseLocked(idx int) {
	m.Stats.Releases.Inc()
	b := &m.blocks[idx]
	m.freeSize += mem.OrderSize(uint(b.order))
	b.status = statusFreeOrCovered
	b.flags = 0

	order := uint(b.order)
	for order < m.maxOrder {
		buddyIdx, ok := m.getBuddy(idx, order)
		if !ok {
			break
		}
		buddy := &m.blocks[buddyIdx]
		if buddy.status != statusFreeOrCovered || uint(buddy.order) != order {
			break
		}
		m.removeFree(buddyIdx, order)
		if buddyIdx < idx {
			idx = buddyIdx
		}
		order++
		m.blocks[idx].order = uint8(order)
		b = &m.blocks[idx]
	}
	m.pushFree(idx, order)
}

// AllocatedSize returns 2^size_order for the block at addr.
func (m *Manager) AllocatedSize(addr mem.Addr) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isInRangeLocked(addr) {
		return 0, false
	}
	return mem.OrderSize(uint(m.blocks[m.indexOf(addr)].order)), true
}

// IsUsing reports whether the block that covers addr (possibly a larger
// block whose lowest quantum is elsewhere) is currently Using.
func (m *Manager) IsUsing(addr mem.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isInRangeLocked(addr) {
		return false
	}
	idx := m.indexOf(addr)
	for {
		buddyIdx, ok := m.getBuddy(idx, uint(m.blocks[idx].order))
		if !ok || uint(m.blocks[buddyIdx].order) <= uint(m.blocks[idx].order) {
			break
		}
		idx = buddyIdx
	}
	return m.blocks[idx].status == statusUsing
}

// FreeSize returns the sum of 2^order over every block currently on a
// free list.
func (m *Manager) FreeSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeSize
}

// BlockCount returns the number of quanta currently managed (which may
// be less than the maximum reachable by extension).
func (m *Manager) BlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockCount
}

// MaxBlockCount returns the maximum blockCount this manager can reach.
func (m *Manager) MaxBlockCount() int {
	return m.maxBlockCount
}

// Flags returns the flags byte stored on the block at addr.
func (m *Manager) Flags(addr mem.Addr) (defs.BlockFlag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isInRangeLocked(addr) {
		return 0, false
	}
	return m.blocks[m.indexOf(addr)].flags, true
}
