// Package physical implements the reference-counted physical page
// manager: a buddy.Manager whose blocks carry an extra reference
// count, so a single physical extent can be shared by more than one
// mapping (copy-on-write, shared IPC pages) and is only actually
// returned to the buddy free lists when its last reference goes away.
package physical

import (
	"sync"

	"kernmem/buddy"
	"kernmem/defs"
	"kernmem/mem"
	"kernmem/stats"
)

const maxReferenceCount = 0xffffffff

// Manager is a physical page allocator. Addresses it hands out are
// synthetic bookkeeping integers: nothing in this package ever
// dereferences one, since real physical memory is never actually
// mapped into this process's address space. The linear manager and
// page-table driver are what give a physical address real backing.
type Manager struct {
	mu    sync.Mutex
	buddy *buddy.Manager
	refs  []uint32 // indexed the same way buddy indexes its quanta
	owner []int32  // quantum index of the buddy block this quantum's granule belongs to
	left  []int32  // meaningful only at owner[idx]==idx: granules of this block not yet fully released

	Stats stats.Allocator
}

// New creates a physical manager over [beginAddr, beginAddr+maxBlockCount*PageSize).
func New(beginAddr mem.Addr, initialBlockCount, maxBlockCount int, maxOrder uint) *Manager {
	return &Manager{
		buddy: buddy.New(beginAddr, initialBlockCount, maxBlockCount, maxOrder),
		refs:  make([]uint32, maxBlockCount),
		owner: make([]int32, maxBlockCount),
		left:  make([]int32, maxBlockCount),
	}
}

// Buddy exposes the underlying block manager for callers (boot
// initialization) that need to seed free quanta directly.
func (m *Manager) Buddy() *buddy.Manager { return m.buddy }

func (m *Manager) quantum(addr mem.Addr) int {
	return int((addr - m.buddy.BeginAddr()) / mem.PageSize)
}

// inRange reports whether addr falls within this manager's tracked
// range and is page-aligned, without holding m.mu (callers already do).
func (m *Manager) inRange(addr mem.Addr) bool {
	begin := m.buddy.BeginAddr()
	if addr < begin {
		return false
	}
	off := addr - begin
	if off%mem.PageSize != 0 {
		return false
	}
	return int(off/mem.PageSize) < len(m.refs)
}

// Allocate reserves a single physical extent of size bytes (rounded up
// to a power-of-two block) with a fresh reference count of one.
func (m *Manager) Allocate(size uint64) (mem.Addr, uint64, defs.Err_t) {
	addr, got, err := m.buddy.Allocate(size, 0)
	if err != 0 {
		m.Stats.Failures.Inc()
		return 0, 0, err
	}
	m.mu.Lock()
	idx := m.quantum(addr)
	m.refs[idx] = 1
	m.owner[idx] = int32(idx)
	m.left[idx] = 1
	m.mu.Unlock()
	m.Stats.Allocations.Inc()
	return addr, got, 0
}

// AllocateSplit reserves one buddy block of size bytes, then gives
// every splitSize-aligned granule within it its own, independent
// reference count of one. Granules between those aligned points are
// implicitly covered: they are released as a side effect of the
// granule that owns them reaching a reference count of zero, and are
// never independently addressed. This mirrors a single large
// allocation later carved into independently-shareable page frames
// (for example, a block of frames backing a frame-table bootstrap).
func (m *Manager) AllocateSplit(size, splitSize uint64) (mem.Addr, uint64, defs.Err_t) {
	addr, got, err := m.buddy.Allocate(size, 0)
	if err != 0 {
		return 0, 0, err
	}
	m.mu.Lock()
	rep := m.quantum(addr)
	granules := int32(got / splitSize)
	m.left[rep] = granules
	for off := uint64(0); off < got; off += splitSize {
		g := rep + int(off/mem.PageSize)
		m.refs[g] = 1
		m.owner[g] = int32(rep)
	}
	m.mu.Unlock()
	return addr, got, 0
}

// AddReference increments the reference count of the block at addr.
// An out-of-range address always succeeds: such addresses describe
// memory outside anything this manager tracks (typically
// firmware-reserved regions folded into the identity map at boot),
// which is treated as implicitly always-referenced and never freed.
// An in-range address whose count is zero (a free quantum, or one
// covered by a block whose count is kept on another quantum) is left
// unchanged and also reported as success.
func (m *Manager) AddReference(addr mem.Addr) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inRange(addr) {
		return 0
	}
	idx := m.quantum(addr)
	if m.refs[idx] == 0 {
		return 0
	}
	if m.refs[idx] >= maxReferenceCount {
		return defs.RefcountSaturated
	}
	m.refs[idx]++
	return 0
}

// Release decrements the reference count of the block at addr,
// releasing it back to the buddy manager once the count reaches zero.
// An out-of-range or never-referenced address is silently ignored, so
// callers may release addresses they merely suspect might be physical
// (e.g. during teardown of a partially-built mapping).
func (m *Manager) Release(addr mem.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inRange(addr) {
		return
	}
	idx := m.quantum(addr)
	if m.refs[idx] == 0 {
		return
	}
	m.refs[idx]--
	if m.refs[idx] != 0 {
		return
	}
	rep := m.owner[idx]
	m.left[rep]--
	if m.left[rep] == 0 {
		m.buddy.Release(m.addrOf(int(rep)))
	}
	m.Stats.Releases.Inc()
}

func (m *Manager) addrOf(idx int) mem.Addr {
	return m.buddy.BeginAddr() + mem.Addr(idx)*mem.PageSize
}

// Refcnt returns the current reference count of the block at addr, or
// zero if addr is out of range or not independently tracked.
func (m *Manager) Refcnt(addr mem.Addr) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inRange(addr) {
		return 0
	}
	return m.refs[m.quantum(addr)]
}

// FreeSize returns the number of bytes currently unallocated.
func (m *Manager) FreeSize() uint64 { return m.buddy.FreeSize() }
