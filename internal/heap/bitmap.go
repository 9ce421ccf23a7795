package heap

import (
	"math/bits"
	"sync/atomic"

	"github.com/orizon-lang/heapcore/internal/errors"
)

const (
	bitsPerCell = 32
	cellMask    = bitsPerCell - 1
)

// ObjectStartBitmap records which granules of a page start an object.
// Cells are read and written atomically, so Iterate and FindHeader may run
// concurrently with SetBit and ClearBit on other goroutines.
type ObjectStartBitmap struct {
	offset Address
	cells  []atomic.Uint32
}

// NewObjectStartBitmap covers size bytes starting at offset.
func NewObjectStartBitmap(offset Address, size uintptr) *ObjectStartBitmap {
	slots := (size + AllocationGranularity - 1) / AllocationGranularity
	return &ObjectStartBitmap{
		offset: offset,
		cells:  make([]atomic.Uint32, (slots+bitsPerCell-1)/bitsPerCell),
	}
}

func (b *ObjectStartBitmap) indexAndBit(addr Address) (int, uint32) {
	errors.Check(addr >= b.offset && uintptr(addr-b.offset)&allocationMask == 0, func() *errors.StandardError {
		return errors.Misaligned(uintptr(addr), AllocationGranularity, "object start")
	})
	number := uintptr(addr-b.offset) / AllocationGranularity
	cell := int(number / bitsPerCell)
	errors.Check(cell < len(b.cells), func() *errors.StandardError {
		return errors.OutOfRange(uintptr(addr), uintptr(b.offset), uintptr(b.offset)+uintptr(len(b.cells))*bitsPerCell*AllocationGranularity)
	})
	return cell, uint32(1) << (number & cellMask)
}

func (b *ObjectStartBitmap) SetBit(addr Address) {
	cell, bit := b.indexAndBit(addr)
	b.cells[cell].Or(bit)
}

func (b *ObjectStartBitmap) ClearBit(addr Address) {
	cell, bit := b.indexAndBit(addr)
	b.cells[cell].And(^bit)
}

func (b *ObjectStartBitmap) CheckBit(addr Address) bool {
	cell, bit := b.indexAndBit(addr)
	return b.cells[cell].Load()&bit != 0
}

// FindHeader returns the start of the object containing addr, which may
// point into the middle of an object. ok is false when no object starts at
// or before addr.
func (b *ObjectStartBitmap) FindHeader(addr Address) (Address, bool) {
	errors.Check(addr >= b.offset, func() *errors.StandardError {
		return errors.OutOfRange(uintptr(addr), uintptr(b.offset), uintptr(b.offset)+uintptr(len(b.cells))*bitsPerCell*AllocationGranularity)
	})
	number := uintptr(addr-b.offset) / AllocationGranularity
	cell := int(number / bitsPerCell)
	if cell >= len(b.cells) {
		return 0, false
	}
	bit := number & cellMask
	value := b.cells[cell].Load() & uint32((uint64(1)<<(bit+1))-1)
	for value == 0 && cell > 0 {
		cell--
		value = b.cells[cell].Load()
	}
	if value == 0 {
		return 0, false
	}
	number = uintptr(cell)*bitsPerCell + bitsPerCell - 1 - uintptr(bits.LeadingZeros32(value))
	return b.offset + Address(number*AllocationGranularity), true
}

// Iterate calls fn for every object start in address order. Each cell is
// loaded once, so bits set behind the cursor during the walk are not seen.
func (b *ObjectStartBitmap) Iterate(fn func(Address)) {
	for cell := range b.cells {
		value := b.cells[cell].Load()
		for value != 0 {
			tz := bits.TrailingZeros32(value)
			number := uintptr(cell)*bitsPerCell + uintptr(tz)
			fn(b.offset + Address(number*AllocationGranularity))
			value &^= 1 << tz
		}
	}
}

// Clear drops every object start.
func (b *ObjectStartBitmap) Clear() {
	for i := range b.cells {
		b.cells[i].Store(0)
	}
}
