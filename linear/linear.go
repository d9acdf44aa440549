// Package linear implements the linear (virtual) address-range
// manager: a buddy.Manager whose blocks additionally carry a
// WithPhysicalPages flag, and whose public release entry runs in two
// phases so the page-table unmap it triggers never executes while the
// block manager's own lock is held.
package linear

import (
	"kernmem/buddy"
	"kernmem/defs"
	"kernmem/mem"
)

// Manager is a linear address-range allocator layered directly over a
// buddy.Manager; it adds no state of its own beyond the flag the
// buddy manager already carries per block.
type Manager struct {
	buddy *buddy.Manager
}

// New creates a linear manager over [beginAddr, beginAddr+maxBlockCount*PageSize).
func New(beginAddr mem.Addr, initialBlockCount, maxBlockCount int, maxOrder uint) *Manager {
	return &Manager{buddy: buddy.New(beginAddr, initialBlockCount, maxBlockCount, maxOrder)}
}

// Buddy exposes the underlying block manager for boot seeding and for
// the composite linear memory manager's failure-path releases.
func (m *Manager) Buddy() *buddy.Manager { return m.buddy }

// Allocate reserves a linear range. withPhysicalPages should be true
// whenever the caller intends to map physical pages into the range;
// it becomes the release-time signal that an unmap is owed.
func (m *Manager) Allocate(size uint64, withPhysicalPages bool) (mem.Addr, uint64, defs.Err_t) {
	var flags defs.BlockFlag
	if withPhysicalPages {
		flags = defs.WithPhysicalPages
	}
	return m.buddy.Allocate(size, flags)
}

// AllocateOrExtend behaves like Allocate, but grows the managed range
// when the plain allocation fails and growth fits within max_block_count.
func (m *Manager) AllocateOrExtend(size uint64, withPhysicalPages bool) (mem.Addr, uint64, defs.Err_t) {
	var flags defs.BlockFlag
	if withPhysicalPages {
		flags = defs.WithPhysicalPages
	}
	return m.buddy.AllocateOrExtend(size, flags)
}

// Unmapper performs the page-table teardown CheckAndRelease needs
// while the block manager's lock is not held. size is the exact size
// of the block being released and releasePhysical mirrors the block's
// WithPhysicalPages flag.
type Unmapper interface {
	Unmap(linear mem.Addr, size uint64, releasePhysical bool)
}

// CheckAndRelease is the public release entry point: it validates and
// transitions the block to Releasing under lock, drops the lock, asks
// unmapper to tear down the page-table mapping, then reacquires the
// lock to finish the release and coalesce. It reports whether addr was
// a releasable, live allocation; a false return means no unmap was
// attempted and the manager's state is unchanged.
//
// There is no separate "release physical pages" parameter: whether to
// release the backing physical frames is read directly off the block's
// own WithPhysicalPages flag, the only value such a parameter could
// ever correctly be set to.
func (m *Manager) CheckAndRelease(addr mem.Addr, unmapper Unmapper) bool {
	if err := m.buddy.PrepareRelease(addr); err != 0 {
		return false
	}

	size, _ := m.buddy.AllocatedSize(addr)
	flags, _ := m.buddy.Flags(addr)
	releasePhysical := flags&defs.WithPhysicalPages != 0

	unmapper.Unmap(addr, size, releasePhysical)

	m.buddy.Release(addr)
	return true
}

// ReleaseAll tears down every block this manager currently covers
// (used, free, or covered alike) via unmapper and resets the manager
// back to its initial block count, for address-space teardown. It
// assumes single-threaded access: nothing else may be allocating from
// or releasing into m while ReleaseAll runs.
func (m *Manager) ReleaseAll(unmapper Unmapper) {
	begin := m.buddy.BeginAddr()
	count := m.buddy.BlockCount()
	for i := 0; i < count; {
		addr := begin + mem.Addr(i)*mem.PageSize
		size, _ := m.buddy.AllocatedSize(addr)
		// Releasability is re-checked per block: most are already free
		// or merely covered by a larger free block and CheckAndRelease
		// is then a no-op, exactly as for any other block in that state.
		m.CheckAndRelease(addr, unmapper)
		i += int(size / mem.PageSize)
	}
	// Reset drops any extension and leaves every initial quantum in
	// the reserved state; the whole range (boot-time reservations
	// included) is then seeded free again, since after teardown no
	// caller holds any of it.
	m.buddy.Reset()
	for i := 0; i < m.buddy.BlockCount(); i++ {
		m.buddy.Release(begin + mem.Addr(i)*mem.PageSize)
	}
}

// Translate returns the physical address backing addr if addr falls
// within a block currently Using, via translator.
func (m *Manager) Translate(addr mem.Addr, translator interface {
	TranslateExisting(mem.Addr) (mem.Addr, bool)
}) (mem.Addr, bool) {
	if !m.buddy.IsUsing(addr) {
		return 0, false
	}
	return translator.TranslateExisting(addr)
}
