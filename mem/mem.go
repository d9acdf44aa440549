// Package mem defines the address and size vocabulary shared by every
// layer of the memory subsystem: the hardware page size, the block-order
// arithmetic the buddy managers build on, and small helpers for turning
// byte counts into page counts and back.
package mem

import "kernmem/util"

// PageShift is the base-2 exponent of the hardware page size.
const PageShift = 12

// PageSize is the size, in bytes, of a single hardware page. It is also
// MIN_BLOCK_SIZE: every buddy manager's smallest quantum.
const PageSize = 1 << PageShift

// MinBlockOrder is the order of the smallest block any buddy manager
// ever hands out: one page.
const MinBlockOrder uint = PageShift

// Addr is an address handled by a buddy/physical/linear manager. It is
// always PageSize-aligned for any block the managers consider live.
type Addr uintptr

// Size is a byte count.
type Size uint64

// Pages returns the number of whole PageSize pages s spans, rounding up.
func (s Size) Pages() uint64 {
	return util.CeilDiv(uint64(s), uint64(PageSize))
}

// Align rounds addr up to the given power-of-two alignment.
func Align(addr uintptr, alignment uintptr) uintptr {
	return util.Roundup(addr, alignment)
}

// OrderSize returns 2^order bytes.
func OrderSize(order uint) uint64 {
	return uint64(1) << order
}

// CeilOrder returns the smallest order in [minOrder, maxOrder] such that
// 2^order >= size. It returns maxOrder+1 if size exceeds 2^maxOrder.
func CeilOrder(size uint64, minOrder, maxOrder uint) uint {
	order := minOrder
	for order <= maxOrder && OrderSize(order) < size {
		order++
	}
	return order
}
