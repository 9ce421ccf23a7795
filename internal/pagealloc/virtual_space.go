package pagealloc

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/orizon-lang/heapcore/internal/errors"
	"github.com/orizon-lang/heapcore/internal/region"
)

// VirtualSpace is a reserved address range carved into page runs by a
// region.Allocator. Allocated runs are committed, freed runs decommitted.
type VirtualSpace struct {
	mu        sync.Mutex
	pa        PageAllocator
	alloc     *region.Allocator
	base      Address // start of the OS reservation
	reserved  uintptr // size of the OS reservation
	committed uintptr
	rng       region.RandomSource
	logger    *slog.Logger
	closed    bool
}

// Option configures a VirtualSpace.
type Option func(*VirtualSpace)

// WithRandomization places page runs at random addresses drawn from rng.
func WithRandomization(rng region.RandomSource) Option {
	return func(vs *VirtualSpace) { vs.rng = rng }
}

// WithLogger sets the logger used for reservation and commit events.
func WithLogger(l *slog.Logger) Option {
	return func(vs *VirtualSpace) {
		if l != nil {
			vs.logger = l
		}
	}
}

// Stats is a point-in-time summary of a VirtualSpace.
type Stats struct {
	Begin     Address
	Size      uintptr
	Allocated uintptr
	Committed uintptr
	Regions   int
}

// Reserve reserves size bytes from pa and manages them with the given
// granularity, which must be a power-of-two multiple of the page size.
func Reserve(pa PageAllocator, size, granularity uintptr, opts ...Option) (*VirtualSpace, error) {
	pageSize := pa.PageSize()
	if granularity == 0 || granularity&(granularity-1) != 0 {
		return nil, errors.NotPowerOfTwo(granularity, "granularity")
	}
	if granularity < pageSize {
		return nil, errors.Misaligned(granularity, pageSize, "granularity")
	}
	if size == 0 || size%granularity != 0 {
		return nil, errors.Misaligned(size, granularity, "reservation size")
	}

	// The OS only guarantees page alignment, so over-reserve to be able to
	// align the managed range to the granularity.
	reserved := size
	if granularity > pageSize {
		reserved += granularity - pageSize
	}
	base, err := pa.Reserve(reserved)
	if err != nil {
		return nil, err
	}
	begin := Address(roundUp(uintptr(base), granularity))

	alloc, err := region.New(begin, size, granularity)
	if err != nil {
		_ = pa.Release(base, reserved)
		return nil, err
	}

	vs := &VirtualSpace{
		pa:       pa,
		alloc:    alloc,
		base:     base,
		reserved: reserved,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(vs)
	}
	vs.logger.Debug("reserved virtual space",
		"begin", fmt.Sprintf("%#x", uintptr(begin)),
		"size", size,
		"granularity", granularity,
		"randomized", vs.rng != nil)
	return vs, nil
}

// AllocatePages allocates and commits size bytes aligned to alignment.
func (vs *VirtualSpace) AllocatePages(size, alignment uintptr) (Address, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.checkOpen("allocate"); err != nil {
		return 0, err
	}
	size = roundUp(size, vs.alloc.MinRegionSize())
	if size == 0 {
		return 0, errors.InvalidSize(size, "page allocation")
	}
	if alignment == 0 {
		alignment = vs.alloc.MinRegionSize()
	}
	if alignment&(alignment-1) != 0 {
		return 0, errors.NotPowerOfTwo(alignment, "page alignment")
	}

	var addr Address
	if vs.rng != nil {
		addr = vs.alloc.AllocateRegionRandom(vs.rng, size, alignment)
	} else {
		addr = vs.alloc.AllocateRegion(size, alignment)
	}
	if addr == region.AllocationFailure {
		return 0, errors.OutOfMemory(size, "virtual space")
	}
	if err := vs.commit(addr, size); err != nil {
		vs.alloc.FreeRegion(addr, size)
		return 0, err
	}
	return addr, nil
}

// AllocatePagesAt allocates and commits exactly [addr, addr+size).
func (vs *VirtualSpace) AllocatePagesAt(addr Address, size uintptr) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.checkOpen("allocate"); err != nil {
		return err
	}
	g := vs.alloc.MinRegionSize()
	if size == 0 || size%g != 0 || uintptr(addr)%g != 0 {
		return errors.Misaligned(uintptr(addr), g, "page run")
	}
	if addr < vs.alloc.Begin() || addr+Address(size) > vs.alloc.End() || addr+Address(size) < addr {
		return errors.OutOfRange(uintptr(addr), uintptr(vs.alloc.Begin()), uintptr(vs.alloc.End()))
	}
	if !vs.alloc.AllocateRegionAt(addr, size) {
		return errors.OutOfMemory(size, fmt.Sprintf("virtual space at %#x", uintptr(addr)))
	}
	if err := vs.commit(addr, size); err != nil {
		vs.alloc.FreeRegion(addr, size)
		return err
	}
	return nil
}

// FreePages decommits and frees every allocated run intersecting
// [addr, addr+size). Parts outside the managed range are ignored.
func (vs *VirtualSpace) FreePages(addr Address, size uintptr) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.checkOpen("free"); err != nil {
		return err
	}

	// Decommit only the used runs; free ones are already decommitted.
	begin := max(addr, vs.alloc.Begin())
	end := vs.alloc.End()
	if addr+Address(size) >= addr {
		end = min(addr+Address(size), end)
	}
	var firstErr error
	vs.alloc.Regions(func(r region.Region) bool {
		if r.Begin >= end {
			return false
		}
		if !r.Used || r.End() <= begin {
			return true
		}
		lo, hi := max(r.Begin, begin), min(r.End(), end)
		if err := vs.decommit(lo, uintptr(hi-lo)); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	vs.alloc.FreeRegion(addr, size)
	return firstErr
}

// FreePagesAt frees the run starting at addr and returns its size, or 0 if
// no run starts there.
func (vs *VirtualSpace) FreePagesAt(addr Address) (uintptr, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.checkOpen("free"); err != nil {
		return 0, err
	}
	size := vs.alloc.FreeRegionAt(addr)
	if size == 0 {
		return 0, nil
	}
	return size, vs.decommit(addr, size)
}

func (vs *VirtualSpace) commit(addr Address, size uintptr) error {
	if err := vs.pa.Commit(addr, size); err != nil {
		return err
	}
	vs.committed += size
	return nil
}

func (vs *VirtualSpace) decommit(addr Address, size uintptr) error {
	if err := vs.pa.Decommit(addr, size); err != nil {
		return err
	}
	vs.committed -= size
	return nil
}

func (vs *VirtualSpace) checkOpen(op string) error {
	if vs.closed {
		return errors.InvalidState(op, "closed")
	}
	return nil
}

// Contains reports whether addr is inside the managed range.
func (vs *VirtualSpace) Contains(addr Address) bool {
	return addr >= vs.alloc.Begin() && addr < vs.alloc.End()
}

// IsAllocated reports whether addr lies in an allocated run.
func (vs *VirtualSpace) IsAllocated(addr Address) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	r, ok := vs.alloc.RegionAt(addr)
	return ok && r.Used
}

// Begin returns the start of the managed range.
func (vs *VirtualSpace) Begin() Address { return vs.alloc.Begin() }

// End returns the end of the managed range.
func (vs *VirtualSpace) End() Address { return vs.alloc.End() }

// Granularity returns the minimum run size.
func (vs *VirtualSpace) Granularity() uintptr { return vs.alloc.MinRegionSize() }

// Stats returns a snapshot of the space's accounting.
func (vs *VirtualSpace) Stats() Stats {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return Stats{
		Begin:     vs.alloc.Begin(),
		Size:      vs.alloc.Size(),
		Allocated: vs.alloc.AllocatedSize(),
		Committed: vs.committed,
		Regions:   vs.alloc.RegionCount(),
	}
}

// CheckInvariants verifies the underlying region allocator.
func (vs *VirtualSpace) CheckInvariants() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.alloc.CheckInvariants(); err != nil {
		return err
	}
	if vs.committed != vs.alloc.AllocatedSize() {
		return errors.InvariantViolation(fmt.Sprintf("committed %#x != allocated %#x", vs.committed, vs.alloc.AllocatedSize()))
	}
	return nil
}

// Dump writes the region layout to w.
func (vs *VirtualSpace) Dump(w io.Writer) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.alloc.Dump(w)
}

// Close decommits everything and releases the reservation.
func (vs *VirtualSpace) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.closed {
		return nil
	}
	vs.closed = true
	vs.alloc.FreeAll()
	vs.committed = 0
	if err := vs.pa.Release(vs.base, vs.reserved); err != nil {
		return err
	}
	vs.logger.Debug("released virtual space", "begin", fmt.Sprintf("%#x", uintptr(vs.base)), "size", vs.reserved)
	return nil
}
