package heap

import (
	"sync/atomic"

	"github.com/orizon-lang/heapcore/internal/errors"
	"github.com/orizon-lang/heapcore/internal/region"
)

// Address is a heap address. It aliases the region allocator's type so page
// runs and object addresses share one representation.
type Address = region.Address

const (
	// AllocationGranularity is the size of one object-start slot.
	AllocationGranularity = 16
	allocationMask        = AllocationGranularity - 1

	markBit     = 1
	sizeShift   = 1
	maxGranules = 1<<(32-sizeShift) - 1
)

// HeapObjectHeader is the metadata word of one object: bit 0 is the mark
// bit and the remaining bits hold the object size in granules.
//
// Every access goes through sync/atomic. Unmark and IsMarked are the
// single-threaded variants and may only be used while no other goroutine
// touches the header.
type HeapObjectHeader struct {
	encoded atomic.Uint32
}

func (h *HeapObjectHeader) init(size uintptr) {
	errors.Check(size != 0 && size&allocationMask == 0 && size/AllocationGranularity <= maxGranules, func() *errors.StandardError {
		return errors.Misaligned(size, AllocationGranularity, "object size")
	})
	h.encoded.Store(uint32(size/AllocationGranularity) << sizeShift)
}

func (h *HeapObjectHeader) reset() { h.encoded.Store(0) }

// Size returns the object size in bytes, header included.
func (h *HeapObjectHeader) Size() uintptr {
	return uintptr(h.encoded.Load()>>sizeShift) * AllocationGranularity
}

func (h *HeapObjectHeader) IsMarked() bool {
	return h.encoded.Load()&markBit != 0
}

// IsMarkedAtomic is an acquire load of the mark bit.
func (h *HeapObjectHeader) IsMarkedAtomic() bool {
	return h.encoded.Load()&markBit != 0
}

// TryMark sets the mark bit and reports whether this call set it.
func (h *HeapObjectHeader) TryMark() bool {
	return h.encoded.Or(markBit)&markBit == 0
}

func (h *HeapObjectHeader) Unmark() {
	h.encoded.Store(h.encoded.Load() &^ markBit)
}

// UnmarkAtomic clears the mark bit without disturbing concurrent readers of
// the size bits.
func (h *HeapObjectHeader) UnmarkAtomic() {
	h.encoded.And(^uint32(markBit))
}

func (h *HeapObjectHeader) isFree() bool { return h.encoded.Load() == 0 }
