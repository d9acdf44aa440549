// Package kernel is the process-wide memory facade: the six entry
// points every other subsystem calls to get memory, built over the
// linear-manager/slab pair boot.Init produces.
//
// The kernel's linear and slab managers are logically singletons, but
// ambient mutable globals would make testing two independently booted
// instances in the same process impossible; Init returns a *Kernel
// handle instead, with the "initialized exactly once, frozen
// thereafter" property enforced by the handle's fields never changing
// after construction rather than by package-level state.
package kernel

import (
	"kernmem/boot"
	"kernmem/defs"
	"kernmem/mem"
)

// Kernel is the frozen-after-boot handle wrapping a System. Every
// method is safe for concurrent use; the managers it wraps already do
// their own locking.
type Kernel struct {
	sys *boot.System
}

// Init boots a System from a firmware memory map and wraps it in a
// Kernel handle, the single initialization call for the whole memory
// subsystem: callers reach the kernel's linear and slab managers only
// through the returned handle's methods, never through a
// package-level variable.
func Init(regions []boot.Region, cfg boot.Config) (*Kernel, error) {
	sys, err := boot.Init(regions, cfg)
	if err != nil {
		return nil, err
	}
	return &Kernel{sys: sys}, nil
}

// System exposes the underlying boot.System for callers (diagnostics,
// further subsystem wiring) that need direct access to one of its
// managers rather than going through the six entry points below.
func (k *Kernel) System() *boot.System { return k.sys }

// AllocateKernelMemory returns a pointer to at least size bytes of
// kernel-owned memory, drawn from the kernel slab allocator.
func (k *Kernel) AllocateKernelMemory(size uint64) (mem.Addr, defs.Err_t) {
	return k.sys.Slab.Allocate(size)
}

// ReleaseKernelMemory returns memory obtained from AllocateKernelMemory.
func (k *Kernel) ReleaseKernelMemory(addr mem.Addr) {
	k.sys.Slab.Release(addr)
}

// AllocateKernelPages reserves size bytes of the kernel's own linear
// window and backs them with fresh physical pages.
func (k *Kernel) AllocateKernelPages(size uint64, attr defs.PageAttribute) (mem.Addr, defs.Err_t) {
	return k.sys.LMM.AllocatePages(size, attr)
}

// CheckAndReleaseKernelPages releases a range obtained from
// AllocateKernelPages, reporting whether addr was actually a live
// allocation.
func (k *Kernel) CheckAndReleaseKernelPages(addr mem.Addr) bool {
	return k.sys.LMM.CheckAndUnmapPages(addr)
}

// MapPages reserves a linear range in the kernel's window and maps it
// to caller-supplied physical memory, taking a reference on each
// underlying frame.
func (k *Kernel) MapPages(phys mem.Addr, size uint64, attr defs.PageAttribute) (mem.Addr, defs.Err_t) {
	return k.sys.LMM.MapPages(phys, size, attr)
}

// CheckAndUnmapPages undoes MapPages, reporting whether addr was
// actually a live mapping.
func (k *Kernel) CheckAndUnmapPages(addr mem.Addr) bool {
	return k.sys.LMM.CheckAndUnmapPages(addr)
}
