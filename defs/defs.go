// Package defs holds the error codes and block-status flags shared by
// every layer of the memory subsystem (buddy, physical, linear, lmm,
// slab, boot). Err_t is a negative-errno style code: a negative value
// denotes failure, zero denotes success, so the hottest allocation
// paths never need to allocate an error value.
package defs

// Err_t is a negative-errno style error code. Zero means success.
type Err_t int

const (
	// OutOfMemory is returned when no block of the requested order is
	// available and no higher-order block can be split or extended.
	OutOfMemory Err_t = -1
	// OutOfAddressSpace is returned when a linear manager cannot grow
	// past its max block count to satisfy a request.
	OutOfAddressSpace Err_t = -2
	// RefcountSaturated is returned by AddReference when the
	// reference count is already at its maximum value.
	RefcountSaturated Err_t = -3
	// InvalidFree is returned (in contexts that surface it) when a
	// release is attempted on an address that is not currently Using.
	InvalidFree Err_t = -4
	// MappingFailed is returned when the page-table driver cannot
	// install or translate a mapping.
	MappingFailed Err_t = -5
	// InvalidParam names malformed arguments (bad alignment,
	// zero-length ranges, orders out of bounds). No manager in this
	// module returns it: a misaligned release reports InvalidFree.
	InvalidParam Err_t = -6
)

// String renders an Err_t for logging.
func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case OutOfMemory:
		return "out of memory"
	case OutOfAddressSpace:
		return "out of address space"
	case RefcountSaturated:
		return "reference count saturated"
	case InvalidFree:
		return "invalid free"
	case MappingFailed:
		return "mapping failed"
	case InvalidParam:
		return "invalid parameter"
	default:
		return "unknown error"
	}
}

// BlockFlag is the 8-bit flags byte carried by every buddy-managed
// block. Its meaning is assigned by the layer above the buddy manager;
// the buddy manager itself only stores and clears it.
type BlockFlag uint8

const (
	// WithPhysicalPages marks a linear block as backed by physical
	// pages that must be unmapped when the block is released. Unused
	// by physical-only buddy managers, where flags is always 0.
	WithPhysicalPages BlockFlag = 1 << 0
)

// PageAttribute describes protection/caching attributes passed through
// to the page-table driver. The concrete bit layout is owned by the
// page-table driver; the memory subsystem treats it as an opaque value
// it plumbs through unchanged.
type PageAttribute uint32

const (
	PageKernel     PageAttribute = 1 << 0
	PageUser       PageAttribute = 1 << 1
	PageWritable   PageAttribute = 1 << 2
	PageNoCache    PageAttribute = 1 << 3
	PageExecutable PageAttribute = 1 << 4
)
