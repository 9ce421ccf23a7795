// Package region implements a region-based allocator for a contiguous,
// pre-reserved address range.
//
// The managed range is partitioned into page-granularity regions, each either
// used or free. Free regions are kept in a size-ordered index for best-fit
// allocation and all regions are kept in an address-ordered index for
// neighbor lookup, so that freeing always coalesces adjacent free regions.
//
// The allocator performs no locking; callers serialize access.
package region

import "fmt"

// Address is an integer address inside the managed range. It is never
// dereferenced by this package.
type Address uintptr

// AllocationFailure is returned by the AllocateRegion family when no region
// could be found.
const AllocationFailure Address = ^Address(0)

// Region is a contiguous [Begin, Begin+Size) sub-range tagged used or free.
type Region struct {
	Begin Address
	Size  uintptr
	Used  bool
}

// End returns the exclusive end address.
func (r *Region) End() Address { return r.Begin + Address(r.Size) }

// Contains reports whether addr lies in [Begin, End).
func (r *Region) Contains(addr Address) bool {
	return addr >= r.Begin && addr < r.End()
}

// ContainsRange reports whether [addr, addr+size) lies inside the region.
func (r *Region) ContainsRange(addr Address, size uintptr) bool {
	return addr >= r.Begin && addr <= r.End() && size <= uintptr(r.End()-addr)
}

func (r *Region) String() string {
	state := "free"
	if r.Used {
		state = "used"
	}
	return fmt.Sprintf("[%#x, %#x), size: %#x, %s", uintptr(r.Begin), uintptr(r.End()), r.Size, state)
}

// byEnd orders the address index. Regions are disjoint, so ordering by end
// is the same as ordering by begin, and an upper-bound lookup by address
// lands on the region containing it.
func byEnd(a, b *Region) bool { return a.End() < b.End() }

// bySizeThenBegin orders the free index for best-fit lookup.
func bySizeThenBegin(a, b *Region) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Begin < b.Begin
}

func isPowerOfTwo(v uintptr) bool { return v != 0 && v&(v-1) == 0 }

func isAligned(v, alignment uintptr) bool { return v&(alignment-1) == 0 }

func roundUp(v Address, alignment uintptr) Address {
	a := Address(alignment)
	return (v + a - 1) &^ (a - 1)
}
