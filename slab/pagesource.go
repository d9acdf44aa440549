package slab

import (
	"sync"
	"unsafe"

	"kernmem/defs"
	"kernmem/mem"
)

// HostPageSource is a PageAllocator/PageReleaser pair that backs slab
// pages with real, page-aligned Go memory. It stands in for the
// firmware-backed linear window a running kernel would carve slabs
// out of: there is no physical hardware underneath a hosted kernel,
// so slab's free-list threading needs somewhere genuine to write
// pointers into, and this is it.
//
// Each allocation over-allocates by one page and rounds the result up
// to a page boundary, the usual trick for aligned allocation without
// a dedicated allocator; the oversized backing slice is kept pinned
// in pages so the garbage collector never reclaims memory a live
// slab still threads pointers through.
type HostPageSource struct {
	mu    sync.Mutex
	pages map[mem.Addr][]byte
}

// NewHostPageSource returns an empty page source.
func NewHostPageSource() *HostPageSource {
	return &HostPageSource{pages: make(map[mem.Addr][]byte)}
}

// Allocate hands back size bytes of fresh, page-aligned memory, sized
// up to a whole number of pages.
func (h *HostPageSource) Allocate(size uint64) (mem.Addr, defs.Err_t) {
	pages := (size + mem.PageSize - 1) / mem.PageSize
	buf := make([]byte, pages*mem.PageSize+mem.PageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := mem.Align(base, mem.PageSize)
	addr := mem.Addr(aligned)

	h.mu.Lock()
	h.pages[addr] = buf
	h.mu.Unlock()
	return addr, 0
}

// Release returns a page obtained from Allocate.
func (h *HostPageSource) Release(addr mem.Addr) {
	h.mu.Lock()
	delete(h.pages, addr)
	h.mu.Unlock()
}
