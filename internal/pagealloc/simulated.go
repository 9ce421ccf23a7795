package pagealloc

import (
	"sync"

	"github.com/orizon-lang/heapcore/internal/errors"
)

// SimulatedBase is where tools start simulated reservations. It leaves the
// low gigabyte unused so that stray small integers never look like heap
// addresses.
const SimulatedBase Address = 1 << 30

// SimulatedPageAllocator tracks reservations and page states without
// touching the OS. Addresses are synthetic and never dereferenced.
type SimulatedPageAllocator struct {
	mu           sync.Mutex
	pageSize     uintptr
	next         Address
	reservations map[Address]uintptr
	pages        map[Address]Permission // committed pages only
}

// NewSimulatedPageAllocator hands out reservations starting at base.
func NewSimulatedPageAllocator(base Address, pageSize uintptr) *SimulatedPageAllocator {
	errors.Check(pageSize != 0 && pageSize&(pageSize-1) == 0, func() *errors.StandardError {
		return errors.NotPowerOfTwo(pageSize, "page size")
	})
	return &SimulatedPageAllocator{
		pageSize:     pageSize,
		next:         Address(roundUp(uintptr(base), pageSize)),
		reservations: make(map[Address]uintptr),
		pages:        make(map[Address]Permission),
	}
}

func (s *SimulatedPageAllocator) PageSize() uintptr { return s.pageSize }

func (s *SimulatedPageAllocator) Reserve(size uintptr) (Address, error) {
	if size == 0 {
		return 0, errors.InvalidSize(size, "reserve")
	}
	size = roundUp(size, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.next
	if addr+Address(size) < addr {
		return 0, errors.OutOfMemory(size, "simulated address space")
	}
	s.next += Address(size)
	s.reservations[addr] = size
	return addr, nil
}

// checkRange must be called with s.mu held.
func (s *SimulatedPageAllocator) checkRange(addr Address, size uintptr) error {
	if uintptr(addr)&(s.pageSize-1) != 0 {
		return errors.Misaligned(uintptr(addr), s.pageSize, "page address")
	}
	if size == 0 || size&(s.pageSize-1) != 0 {
		return errors.Misaligned(size, s.pageSize, "page range size")
	}
	for begin, rsize := range s.reservations {
		if addr >= begin && addr+Address(size) <= begin+Address(rsize) {
			return nil
		}
	}
	return errors.OutOfRange(uintptr(addr), uintptr(addr), uintptr(addr)+size)
}

func (s *SimulatedPageAllocator) Commit(addr Address, size uintptr) error {
	return s.Protect(addr, size, ReadWrite)
}

func (s *SimulatedPageAllocator) Decommit(addr Address, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRange(addr, size); err != nil {
		return err
	}
	for p := addr; p < addr+Address(size); p += Address(s.pageSize) {
		delete(s.pages, p)
	}
	return nil
}

func (s *SimulatedPageAllocator) Protect(addr Address, size uintptr, perm Permission) error {
	if perm == NoAccess {
		return s.Decommit(addr, size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRange(addr, size); err != nil {
		return err
	}
	for p := addr; p < addr+Address(size); p += Address(s.pageSize) {
		s.pages[p] = perm
	}
	return nil
}

func (s *SimulatedPageAllocator) Release(addr Address, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rsize, ok := s.reservations[addr]
	if !ok || roundUp(size, s.pageSize) != rsize {
		return errors.OutOfRange(uintptr(addr), uintptr(addr), uintptr(addr)+size)
	}
	for p := addr; p < addr+Address(rsize); p += Address(s.pageSize) {
		delete(s.pages, p)
	}
	delete(s.reservations, addr)
	return nil
}

// PermissionAt returns the permission of the page containing addr.
func (s *SimulatedPageAllocator) PermissionAt(addr Address) Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[addr&^Address(s.pageSize-1)]
}

// CommittedBytes returns the number of committed bytes across reservations.
func (s *SimulatedPageAllocator) CommittedBytes() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uintptr(len(s.pages)) * s.pageSize
}

// ReservedBytes returns the number of reserved bytes.
func (s *SimulatedPageAllocator) ReservedBytes() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uintptr
	for _, size := range s.reservations {
		total += size
	}
	return total
}
