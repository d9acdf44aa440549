// Package boot turns a firmware-supplied memory map into a fully
// seeded (physical, linear, page, slab) set covering the kernel's
// linear window.
//
// This kernel runs hosted in a Go process, not bare metal, so there
// is no identity-mapped physical RAM for the slab allocator's
// intrusive free lists to thread pointers through. Init instead
// carves the kernel's linear window out of a real Go byte arena
// (pinned for the lifetime of the returned System) so that every
// address the kernel linear manager hands out is both the bookkeeping
// key the rest of this module already uses and a genuine,
// dereferenceable Go address, the same role a direct map plays for
// physical memory on real hardware.
package boot

import (
	"fmt"
	"io"
	"unsafe"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"kernmem/budget"
	"kernmem/defs"
	"kernmem/linear"
	"kernmem/lmm"
	"kernmem/mem"
	"kernmem/pagetable"
	"kernmem/physical"
	"kernmem/slab"
)

// RegionType classifies one firmware-reported address range.
type RegionType int

const (
	Usable RegionType = iota + 1
	Reserved
	ACPIReclaim
	ACPINVS
	BadMemory
)

// Region is one (base, size, type) entry from a firmware memory map,
// an E820-style address range. A type value outside the named
// constants is treated as Reserved: firmware is free to report range
// types this kernel doesn't know about, and the only safe default for
// an unrecognized type is "do not hand this memory out."
type Region struct {
	Base mem.Addr
	Size uint64
	Type RegionType
}

func (t RegionType) normalized() RegionType {
	if t < Usable || t > BadMemory {
		return Reserved
	}
	return t
}

// osMaxAddress is OS_MAX_ADDRESS: the largest mem.PageSize-aligned
// address not exceeding 4GiB-1, the ceiling a 32-bit address space
// imposes regardless of how much usable memory firmware reports.
const osMaxAddress = mem.Addr(0xffffffff) &^ (mem.PageSize - 1)

// findMaxAddress returns one past the highest byte covered by any
// Usable region, clamped to osMaxAddress.
func findMaxAddress(regions []Region) mem.Addr {
	var maxAddr uint64
	for _, r := range regions {
		if r.Type.normalized() != Usable || r.Size == 0 {
			continue
		}
		if end := uint64(r.Base) + r.Size - 1; end > maxAddr {
			maxAddr = end
		}
	}
	if mem.Addr(maxAddr) >= osMaxAddress {
		return osMaxAddress
	}
	return mem.Addr(maxAddr + 1)
}

// isUsable reports whether the whole [addr, addr+mem.PageSize) quantum
// is covered by a Usable region and not overlapped by any non-Usable
// region.
func isUsable(addr mem.Addr, regions []Region, extra []Region) bool {
	inUsable, inUnusable := false, false
	check := func(r Region) {
		end := uint64(r.Base) + r.Size
		if r.Type.normalized() == Usable {
			if uint64(r.Base) <= uint64(addr) && end >= uint64(addr)+mem.PageSize {
				inUsable = true
			}
			return
		}
		if !(uint64(r.Base) >= uint64(addr)+mem.PageSize || end <= uint64(addr)) {
			inUnusable = true
		}
	}
	for _, r := range regions {
		check(r)
	}
	for _, r := range extra {
		check(r)
	}
	return inUsable && !inUnusable
}

// Config configures one call to Init. Sizes and bounds are plain
// struct fields rather than compile-time constants so tests and hosts
// with different memory layouts can boot their own instances.
type Config struct {
	// KernelLinearSize is the size, in bytes, of the kernel's own
	// linear window at boot. Must be a multiple of mem.PageSize.
	KernelLinearSize uint64
	// KernelLinearMaxSize, if nonzero, is the size in bytes the kernel
	// linear window may grow to via self-extension (the linear
	// manager's AllocateOrExtend): its max block count. Must be a
	// multiple of mem.PageSize and at least KernelLinearSize. Zero
	// means KernelLinearSize: no room to grow.
	KernelLinearMaxSize uint64
	// BootstrapReserve is the number of leading bytes of the kernel
	// linear window withheld from the linear manager's free lists:
	// the metadata arena the managers themselves bootstrap out of,
	// never handed out to callers.
	BootstrapReserve uint64
	// MaxOrder bounds the largest block any buddy manager built by
	// Init may produce.
	MaxOrder uint
	// Driver is the page-table driver installed beneath the
	// composite linear manager. Building one is a hardware concern,
	// so the caller supplies it.
	Driver pagetable.Driver
	// SlabPageBudget, if nonzero, caps the total number of pages the
	// kernel slab allocator may hand out at once. The kernel shares
	// an address space with the Go runtime hosting it, and an
	// unbounded slab can starve that runtime's own heap. Zero means
	// unlimited: physical memory is the only ceiling.
	SlabPageBudget int64
	// Log receives a one-line summary of what Init discovered and
	// reserved. Defaults to io.Discard.
	Log io.Writer
}

// System is the fully wired (physical, linear, page, slab) set Init
// produces: everything the kernel package needs to serve allocation
// requests.
type System struct {
	MaxAddress mem.Addr
	Physical   *physical.Manager
	Linear     *linear.Manager
	LMM        *lmm.Manager
	Slab       *slab.Manager

	// SlabBudget is the page ceiling the kernel slab allocator draws
	// against, or nil if SlabPageBudget was zero (unlimited).
	SlabBudget *budget.Pages

	// arena pins the kernel linear window's backing storage against
	// garbage collection for as long as this System is reachable.
	arena []byte
}

// lmmPageSource adapts an lmm.Manager into the slab.PageAllocator/
// PageReleaser pair the slab manager draws pages from, optionally
// metered against a page budget.
type lmmPageSource struct {
	m      *lmm.Manager
	attr   defs.PageAttribute
	budget *budget.Pages
}

func (s lmmPageSource) Allocate(size uint64) (mem.Addr, defs.Err_t) {
	// AllocatePages maps a whole power-of-two block, and Release gives
	// back that block's page count, so the take is sized the same way.
	pages := int64(mem.OrderSize(mem.CeilOrder(size, mem.MinBlockOrder, 63)) / mem.PageSize)
	if s.budget != nil {
		for i := int64(0); i < pages; i++ {
			if !s.budget.Take() {
				for j := int64(0); j < i; j++ {
					s.budget.Give()
				}
				return 0, defs.OutOfMemory
			}
		}
	}
	addr, err := s.m.AllocatePages(size, s.attr)
	if err != 0 && s.budget != nil {
		for i := int64(0); i < pages; i++ {
			s.budget.Give()
		}
	}
	return addr, err
}

func (s lmmPageSource) Release(addr mem.Addr) {
	size, _ := s.m.Linear.Buddy().AllocatedSize(addr)
	s.m.UnmapPages(addr)
	if s.budget != nil {
		pages := int64(mem.Size(size).Pages())
		for i := int64(0); i < pages; i++ {
			s.budget.Give()
		}
	}
}

// Init ingests a firmware memory map and builds a System covering the
// kernel's linear window: compute the usable ceiling, reserve a
// bootstrap arena, seed the physical manager from the firmware map,
// seed the linear manager around the bootstrap reservation, then
// build the slab manager on top of the composite linear manager.
func Init(regions []Region, cfg Config) (*System, error) {
	if cfg.Log == nil {
		cfg.Log = io.Discard
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("boot: Config.Driver is required")
	}
	if cfg.KernelLinearSize == 0 || cfg.KernelLinearSize%mem.PageSize != 0 {
		return nil, fmt.Errorf("boot: KernelLinearSize must be a nonzero multiple of %d", mem.PageSize)
	}
	if cfg.BootstrapReserve >= cfg.KernelLinearSize {
		return nil, fmt.Errorf("boot: BootstrapReserve must be smaller than KernelLinearSize")
	}
	maxLinearSize := cfg.KernelLinearMaxSize
	if maxLinearSize == 0 {
		maxLinearSize = cfg.KernelLinearSize
	}
	if maxLinearSize%mem.PageSize != 0 || maxLinearSize < cfg.KernelLinearSize {
		return nil, fmt.Errorf("boot: KernelLinearMaxSize must be a multiple of %d and at least KernelLinearSize", mem.PageSize)
	}

	maxAddr := findMaxAddress(regions)
	physBlockCount := int(uint64(maxAddr) / mem.PageSize)

	phys := physical.New(0, physBlockCount, physBlockCount, cfg.MaxOrder)
	var seeded uint64
	for q := 0; q < physBlockCount; q++ {
		addr := mem.Addr(q) * mem.PageSize
		if isUsable(addr, regions, nil) {
			if err := phys.Buddy().Release(addr); err == 0 {
				seeded += mem.PageSize
			}
		}
	}

	// The kernel linear window is backed by a real, pinned Go arena so
	// that slab's intrusive free lists can thread real pointers
	// through whatever this manager hands out. The arena is sized to
	// maxLinearSize, not just the initial window, so that quanta the
	// linear manager grows into via AllocateOrExtend are themselves
	// real, dereferenceable memory rather than addresses past the end
	// of the backing slice; it is over-allocated by one further page
	// and rounded up to a page boundary since make([]byte, ...) makes
	// no alignment guarantee, and every address a buddy manager hands
	// out must be PageSize-aligned.
	arena := make([]byte, maxLinearSize+mem.PageSize)
	linearBegin := mem.Addr(mem.Align(uintptr(unsafe.Pointer(&arena[0])), mem.PageSize))
	linearBlockCount := int(cfg.KernelLinearSize / mem.PageSize)
	linearMaxBlockCount := int(maxLinearSize / mem.PageSize)
	lin := linear.New(linearBegin, linearBlockCount, linearMaxBlockCount, cfg.MaxOrder)

	bootstrapEnd := linearBegin + mem.Addr(cfg.BootstrapReserve)
	for q := 0; q < linearBlockCount; q++ {
		addr := linearBegin + mem.Addr(q)*mem.PageSize
		if addr >= bootstrapEnd {
			lin.Buddy().Release(addr)
		}
	}

	m := lmm.New(lin, phys, cfg.Driver)
	var slabBudget *budget.Pages
	if cfg.SlabPageBudget > 0 {
		slabBudget = budget.NewPages(cfg.SlabPageBudget)
	}
	src := lmmPageSource{m: m, attr: defs.PageKernel, budget: slabBudget}
	slabMgr := slab.New(src.Allocate, src.Release, defs.PageKernel)

	p := message.NewPrinter(language.English)
	p.Fprintf(cfg.Log, "boot: %v bytes usable physical memory, %v bytes kernel linear window (%v bytes reserved for bootstrap)\n",
		seeded, cfg.KernelLinearSize, cfg.BootstrapReserve)

	return &System{
		MaxAddress: maxAddr,
		Physical:   phys,
		Linear:     lin,
		LMM:        m,
		Slab:       slabMgr,
		SlabBudget: slabBudget,
		arena:      arena,
	}, nil
}
