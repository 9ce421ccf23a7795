package region

import (
	"fmt"
	"io"

	"github.com/google/btree"

	"github.com/orizon-lang/heapcore/internal/errors"
)

const (
	// Randomized placement is only attempted while at least this fraction of
	// the whole range is free.
	maxLoadFactorForRandomization = 0.40

	// Number of random addresses tried before falling back to the free list.
	maxRandomizationAttempts = 3

	// Number of extra free-list candidates probed for an exact aligned fit
	// before searching for a bigger region that is guaranteed to contain one.
	maxNoOverheadAlignedAttempts = 3

	btreeDegree = 16
)

// Allocator manages [begin, begin+size) as a set of disjoint regions.
type Allocator struct {
	whole                   Region
	regionSizeInMinRegions  uint64
	maxLoadForRandomization uintptr
	freeSize                uintptr
	minRegionSize           uintptr

	all  *btree.BTreeG[*Region]
	free *btree.BTreeG[*Region]
}

// New creates an allocator over [begin, begin+size) with the given
// granularity. The whole range starts out as one free region.
func New(begin Address, size, minRegionSize uintptr) (*Allocator, error) {
	if size == 0 {
		return nil, errors.InvalidSize(size, "region allocator range")
	}
	if !isPowerOfTwo(minRegionSize) {
		return nil, errors.NotPowerOfTwo(minRegionSize, "min region size")
	}
	if !isAligned(size, minRegionSize) {
		return nil, errors.Misaligned(size, minRegionSize, "range size")
	}
	if !isAligned(uintptr(begin), minRegionSize) {
		return nil, errors.Misaligned(uintptr(begin), minRegionSize, "range begin")
	}
	if begin+Address(size) < begin {
		return nil, errors.OutOfRange(uintptr(begin), uintptr(begin), uintptr(begin)+size)
	}

	a := &Allocator{
		whole:                   Region{Begin: begin, Size: size},
		regionSizeInMinRegions:  uint64(size / minRegionSize),
		maxLoadForRandomization: uintptr(float64(size) * maxLoadFactorForRandomization),
		minRegionSize:           minRegionSize,
		all:                     btree.NewG[*Region](btreeDegree, byEnd),
		free:                    btree.NewG[*Region](btreeDegree, bySizeThenBegin),
	}
	a.addInitialRegion()
	return a, nil
}

func (a *Allocator) addInitialRegion() {
	r := a.whole
	a.all.ReplaceOrInsert(&r)
	a.freeListAdd(&r)
}

// Begin returns the first managed address.
func (a *Allocator) Begin() Address { return a.whole.Begin }

// End returns the exclusive end of the managed range.
func (a *Allocator) End() Address { return a.whole.End() }

// Size returns the size of the managed range.
func (a *Allocator) Size() uintptr { return a.whole.Size }

// FreeSize returns the total size of all free regions.
func (a *Allocator) FreeSize() uintptr { return a.freeSize }

// AllocatedSize returns the total size of all used regions.
func (a *Allocator) AllocatedSize() uintptr { return a.whole.Size - a.freeSize }

// MinRegionSize returns the allocation granularity.
func (a *Allocator) MinRegionSize() uintptr { return a.minRegionSize }

// MaxLoadForRandomization returns the free-size threshold below which
// randomized placement is no longer attempted.
func (a *Allocator) MaxLoadForRandomization() uintptr { return a.maxLoadForRandomization }

// RegionCount returns the number of regions, used and free.
func (a *Allocator) RegionCount() int { return a.all.Len() }

// findRegion returns the region containing addr, or nil when addr is outside
// the managed range.
func (a *Allocator) findRegion(addr Address) *Region {
	if !a.whole.Contains(addr) {
		return nil
	}
	// First region whose end is greater than addr.
	key := &Region{Begin: addr + 1}
	var found *Region
	a.all.AscendGreaterOrEqual(key, func(r *Region) bool {
		found = r
		return false
	})
	errors.Check(found != nil && found.Contains(addr), func() *errors.StandardError {
		return errors.InvariantViolation(fmt.Sprintf("no region contains %#x", uintptr(addr)))
	})
	return found
}

func (a *Allocator) nextRegion(r *Region) *Region {
	if r.End() == a.whole.End() {
		return nil
	}
	return a.findRegion(r.End())
}

func (a *Allocator) prevRegion(r *Region) *Region {
	if r.Begin == a.whole.Begin {
		return nil
	}
	return a.findRegion(r.Begin - 1)
}

func (a *Allocator) freeListAdd(r *Region) {
	a.freeSize += r.Size
	a.free.ReplaceOrInsert(r)
}

// freeListFind returns the smallest free region of at least size bytes and
// iterates on from there via fn.
func (a *Allocator) freeListAscend(size uintptr, fn func(r *Region) bool) {
	a.free.AscendGreaterOrEqual(&Region{Size: size}, fn)
}

func (a *Allocator) freeListRemove(r *Region) {
	errors.Check(!r.Used, func() *errors.StandardError {
		return errors.InvalidState("free list removal", "used")
	})
	_, ok := a.free.Delete(r)
	errors.Check(ok, func() *errors.StandardError {
		return errors.InvariantViolation("region missing from free list: " + r.String())
	})
	errors.Check(r.Size <= a.freeSize, func() *errors.StandardError {
		return errors.InvariantViolation("free size underflow")
	})
	a.freeSize -= r.Size
}

// split shrinks r to newSize and inserts a region covering the remainder,
// carrying over r's used flag. The remainder is returned.
func (a *Allocator) split(r *Region, newSize uintptr) *Region {
	errors.Check(isAligned(newSize, a.minRegionSize), func() *errors.StandardError {
		return errors.Misaligned(newSize, a.minRegionSize, "split size")
	})
	errors.Check(r.Size > newSize, func() *errors.StandardError {
		return errors.InvalidSize(newSize, "split of "+r.String())
	})

	used := r.Used
	nr := &Region{Begin: r.Begin + Address(newSize), Size: r.Size - newSize, Used: used}
	if !used {
		// The free index is keyed by size, so r must leave it before shrinking.
		a.freeListRemove(r)
	}
	// Shrinking r keeps its relative order in the address index.
	r.Size = newSize
	a.all.ReplaceOrInsert(nr)

	if !used {
		a.freeListAdd(r)
		a.freeListAdd(nr)
	}
	return nr
}

// merge absorbs next into prev. next must already be out of the free list.
func (a *Allocator) merge(prev, next *Region) {
	errors.Check(prev.End() == next.Begin, func() *errors.StandardError {
		return errors.InvariantViolation("merging non-adjacent regions " + prev.String() + " and " + next.String())
	})
	errors.Check(!a.free.Has(next), func() *errors.StandardError {
		return errors.InvariantViolation("merged region still in free list: " + next.String())
	})
	// next leaves the address index before prev grows over its end.
	_, ok := a.all.Delete(next)
	errors.Check(ok, func() *errors.StandardError {
		return errors.InvariantViolation("region missing from address index: " + next.String())
	})
	prev.Size += next.Size
}

// AllocateRegion allocates size bytes aligned to max(alignment, min region
// size). It returns AllocationFailure when no suitable free region exists.
func (a *Allocator) AllocateRegion(size, alignment uintptr) Address {
	errors.Check(isPowerOfTwo(alignment), func() *errors.StandardError {
		return errors.NotPowerOfTwo(alignment, "alignment")
	})
	alignment = max(alignment, a.minRegionSize)
	errors.Check(size != 0 && isAligned(size, a.minRegionSize), func() *errors.StandardError {
		return errors.Misaligned(size, a.minRegionSize, "allocation size")
	})

	fits := func(r *Region) bool {
		return r.ContainsRange(roundUp(r.Begin, alignment), size)
	}

	var region *Region
	attempts := 0
	a.freeListAscend(size, func(r *Region) bool {
		if fits(r) {
			region = r
			return false
		}
		attempts++
		return attempts <= maxNoOverheadAlignedAttempts
	})
	biggerSize := size + (alignment - a.minRegionSize)
	if region == nil && attempts > maxNoOverheadAlignedAttempts && biggerSize >= size {
		// Any region this big holds an aligned sub-region of the requested size.
		a.freeListAscend(biggerSize, func(r *Region) bool {
			region = r
			return false
		})
		errors.Check(region == nil || fits(region), func() *errors.StandardError {
			return errors.InvariantViolation("oversized free region has no aligned fit: " + region.String())
		})
	}
	if region == nil {
		return AllocationFailure
	}

	if offset := uintptr(roundUp(region.Begin, alignment) - region.Begin); offset != 0 {
		region = a.split(region, offset)
	}
	if region.Size != size {
		a.split(region, size)
	}
	errors.Check(isAligned(uintptr(region.Begin), alignment) && region.Size == size, func() *errors.StandardError {
		return errors.InvariantViolation("allocated region has wrong shape: " + region.String())
	})

	a.freeListRemove(region)
	region.Used = true
	return region.Begin
}

// AllocateRegionRandom tries a few uniformly random placements before
// falling back to AllocateRegion. Randomization is skipped entirely when less
// than the randomization threshold of the range is free.
func (a *Allocator) AllocateRegionRandom(rng RandomSource, size, alignment uintptr) Address {
	if a.freeSize >= a.maxLoadForRandomization {
		effective := max(alignment, a.minRegionSize)
		for i := 0; i < maxRandomizationAttempts; i++ {
			offset := a.minRegionSize * uintptr(rng.Uint64()%a.regionSizeInMinRegions)
			addr := roundUp(a.whole.Begin+Address(offset), effective)
			if addr < a.whole.Begin || !a.whole.ContainsRange(addr, size) {
				continue
			}
			if a.AllocateRegionAt(addr, size) {
				return addr
			}
		}
	}
	return a.AllocateRegion(size, alignment)
}

// AllocateRegionAt allocates exactly [addr, addr+size). It fails when that
// span is not entirely inside a single free region.
func (a *Allocator) AllocateRegionAt(addr Address, size uintptr) bool {
	errors.Check(isAligned(uintptr(addr), a.minRegionSize), func() *errors.StandardError {
		return errors.Misaligned(uintptr(addr), a.minRegionSize, "requested address")
	})
	errors.Check(size != 0 && isAligned(size, a.minRegionSize), func() *errors.StandardError {
		return errors.Misaligned(size, a.minRegionSize, "allocation size")
	})
	requestedEnd := addr + Address(size)
	errors.Check(requestedEnd <= a.whole.End() && requestedEnd > addr, func() *errors.StandardError {
		return errors.OutOfRange(uintptr(requestedEnd), uintptr(a.whole.Begin), uintptr(a.whole.End()))
	})

	region := a.findRegion(addr)
	if region == nil || region.Used || region.End() < requestedEnd {
		return false
	}
	if region.Begin != addr {
		region = a.split(region, uintptr(addr-region.Begin))
	}
	if region.End() != requestedEnd {
		a.split(region, size)
	}

	a.freeListRemove(region)
	region.Used = true
	return true
}

// FreeRegion frees every used region intersecting [addr, addr+size),
// splitting regions that straddle either boundary. The span is clipped to the
// managed range; portions outside it are ignored.
func (a *Allocator) FreeRegion(addr Address, size uintptr) {
	if addr >= a.whole.End() {
		return
	}
	if addr < a.whole.Begin {
		skipped := uintptr(a.whole.Begin - addr)
		if size <= skipped {
			return
		}
		size -= skipped
		addr = a.whole.Begin
	}
	size = min(size, uintptr(a.whole.End()-addr))
	if size == 0 {
		return
	}
	if addr == a.whole.Begin && size == a.whole.Size {
		a.FreeAll()
		return
	}

	begin := addr
	end := addr + Address(size)

	region := a.findRegion(addr)
	if region.Used && region.Begin != addr {
		// The tail split off here is freed by the loop below.
		region = a.split(region, uintptr(addr-region.Begin))
	}

	for region != nil {
		if region.Used {
			if newSize := uintptr(end - region.Begin); newSize < region.Size {
				a.split(region, newSize)
			}
			region = a.freeRegion(region)
		}
		if end <= region.End() {
			break
		}
		region = a.nextRegion(region)
	}

	errors.Check(region != nil && region.Contains(begin) && region.Contains(end-1), func() *errors.StandardError {
		return errors.InvariantViolation(fmt.Sprintf("freed span [%#x, %#x) not coalesced", uintptr(begin), uintptr(end)))
	})
}

// FreeRegionAt frees the used region starting exactly at addr and returns its
// size, or 0 when there is no such region.
func (a *Allocator) FreeRegionAt(addr Address) uintptr {
	region := a.findRegion(addr)
	if region == nil || region.Begin != addr || !region.Used {
		return 0
	}
	size := region.Size
	a.freeRegion(region)
	return size
}

// freeRegion marks a used region free, coalesces it with free neighbors and
// returns the resulting region, which differs from r when r merged backwards.
func (a *Allocator) freeRegion(r *Region) *Region {
	errors.Check(r.Used, func() *errors.StandardError {
		return errors.InvalidState("free", "free")
	})
	r.Used = false

	if next := a.nextRegion(r); next != nil && !next.Used {
		a.freeListRemove(next)
		a.merge(r, next)
	}
	if prev := a.prevRegion(r); prev != nil && !prev.Used {
		a.freeListRemove(prev)
		a.merge(prev, r)
		r = prev
	}
	a.freeListAdd(r)
	return r
}

// FreeAll resets the allocator to a single free region.
func (a *Allocator) FreeAll() {
	a.free.Clear(false)
	a.all.Clear(false)
	a.freeSize = 0
	a.addInitialRegion()
}

// IsFree reports whether [addr, addr+size) lies inside a single free region.
func (a *Allocator) IsFree(addr Address, size uintptr) bool {
	r := a.findRegion(addr)
	return r != nil && !r.Used && r.ContainsRange(addr, size)
}

// IsUsed reports whether addr is the start of a used region.
func (a *Allocator) IsUsed(addr Address) bool {
	r := a.findRegion(addr)
	return r != nil && r.Used && r.Begin == addr
}

// RegionAt returns a copy of the region containing addr.
func (a *Allocator) RegionAt(addr Address) (Region, bool) {
	r := a.findRegion(addr)
	if r == nil {
		return Region{}, false
	}
	return *r, true
}

// Regions calls fn for every region in address order until fn returns false.
func (a *Allocator) Regions(fn func(Region) bool) {
	a.all.Ascend(func(r *Region) bool { return fn(*r) })
}

// FreeRegions calls fn for every free region in (size, address) order.
func (a *Allocator) FreeRegions(fn func(Region) bool) {
	a.free.Ascend(func(r *Region) bool { return fn(*r) })
}

// CheckInvariants verifies coverage, free index consistency, free size
// accounting and exhaustive coalescing.
func (a *Allocator) CheckInvariants() error {
	var (
		err      error
		expected = a.whole.Begin
		freeSum  uintptr
		freeSeen int
		prevFree bool
	)
	a.all.Ascend(func(r *Region) bool {
		switch {
		case r.Size == 0:
			err = errors.InvariantViolation("empty region " + r.String())
		case r.Begin != expected:
			err = errors.InvariantViolation(fmt.Sprintf("gap or overlap at %#x, region %s", uintptr(expected), r))
		case !isAligned(uintptr(r.Begin), a.minRegionSize) || !isAligned(r.Size, a.minRegionSize):
			err = errors.InvariantViolation("misaligned region " + r.String())
		case !r.Used && prevFree:
			err = errors.InvariantViolation("adjacent free regions ending at " + r.String())
		case !r.Used && !a.free.Has(r):
			err = errors.InvariantViolation("free region not indexed " + r.String())
		}
		if err != nil {
			return false
		}
		if !r.Used {
			freeSum += r.Size
			freeSeen++
		}
		prevFree = !r.Used
		expected = r.End()
		return true
	})
	if err != nil {
		return err
	}
	if expected != a.whole.End() {
		return errors.InvariantViolation(fmt.Sprintf("regions end at %#x, want %#x", uintptr(expected), uintptr(a.whole.End())))
	}
	if freeSeen != a.free.Len() {
		return errors.InvariantViolation(fmt.Sprintf("free index holds %d regions, want %d", a.free.Len(), freeSeen))
	}
	if freeSum != a.freeSize {
		return errors.InvariantViolation(fmt.Sprintf("free size %d, regions sum to %d", a.freeSize, freeSum))
	}
	return nil
}

// Dump writes a human-readable description of both indices.
func (a *Allocator) Dump(w io.Writer) {
	fmt.Fprintf(w, "RegionAllocator: [%#x, %#x)\n", uintptr(a.whole.Begin), uintptr(a.whole.End()))
	fmt.Fprintf(w, "size: %#x\n", a.whole.Size)
	fmt.Fprintf(w, "free_size: %#x\n", a.freeSize)
	fmt.Fprintf(w, "min_region_size: %#x\n", a.minRegionSize)
	fmt.Fprintf(w, "all regions:\n")
	a.all.Ascend(func(r *Region) bool {
		fmt.Fprintf(w, "  %s\n", r)
		return true
	})
	fmt.Fprintf(w, "free regions:\n")
	a.free.Ascend(func(r *Region) bool {
		fmt.Fprintf(w, "  %s\n", r)
		return true
	})
}
