//go:build linux || darwin || freebsd || netbsd || openbsd

package pagealloc

import (
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/heapcore/internal/errors"
)

// OSPageAllocator maps anonymous memory with mmap. Reservations are
// PROT_NONE until committed.
type OSPageAllocator struct {
	mu       sync.Mutex
	pageSize uintptr
	mappings map[Address][]byte
}

// NewOSPageAllocator returns the OS-backed page allocator.
func NewOSPageAllocator() PageAllocator {
	return &OSPageAllocator{
		pageSize: uintptr(unix.Getpagesize()),
		mappings: make(map[Address][]byte),
	}
}

func (o *OSPageAllocator) PageSize() uintptr { return o.pageSize }

func (o *OSPageAllocator) Reserve(size uintptr) (Address, error) {
	if size == 0 {
		return 0, errors.InvalidSize(size, "reserve")
	}
	size = roundUp(size, o.pageSize)
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errors.SystemCall("mmap", err)
	}
	addr := Address(uintptr(unsafe.Pointer(unsafe.SliceData(b))))

	o.mu.Lock()
	o.mappings[addr] = b
	o.mu.Unlock()
	return addr, nil
}

// span returns the sub-slice of the reservation covering [addr, addr+size).
func (o *OSPageAllocator) span(addr Address, size uintptr) ([]byte, error) {
	if uintptr(addr)&(o.pageSize-1) != 0 || size&(o.pageSize-1) != 0 || size == 0 {
		return nil, errors.Misaligned(uintptr(addr), o.pageSize, "page range")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	bases := make([]Address, 0, len(o.mappings))
	for base := range o.mappings {
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	i := sort.Search(len(bases), func(i int) bool { return bases[i] > addr }) - 1
	if i < 0 {
		return nil, errors.OutOfRange(uintptr(addr), 0, 0)
	}
	base := bases[i]
	b := o.mappings[base]
	off := uintptr(addr - base)
	if off+size > uintptr(len(b)) {
		return nil, errors.OutOfRange(uintptr(addr)+size, uintptr(base), uintptr(base)+uintptr(len(b)))
	}
	return b[off : off+size : off+size], nil
}

func (o *OSPageAllocator) Commit(addr Address, size uintptr) error {
	return o.Protect(addr, size, ReadWrite)
}

func (o *OSPageAllocator) Decommit(addr Address, size uintptr) error {
	b, err := o.span(addr, size)
	if err != nil {
		return err
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return errors.SystemCall("madvise", err)
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return errors.SystemCall("mprotect", err)
	}
	return nil
}

func (o *OSPageAllocator) Protect(addr Address, size uintptr, perm Permission) error {
	b, err := o.span(addr, size)
	if err != nil {
		return err
	}
	prot := unix.PROT_NONE
	switch perm {
	case Read:
		prot = unix.PROT_READ
	case ReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	case ReadExecute:
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return errors.SystemCall("mprotect", err)
	}
	return nil
}

func (o *OSPageAllocator) Release(addr Address, size uintptr) error {
	o.mu.Lock()
	b, ok := o.mappings[addr]
	if ok && roundUp(size, o.pageSize) == uintptr(len(b)) {
		delete(o.mappings, addr)
	}
	o.mu.Unlock()
	if !ok || roundUp(size, o.pageSize) != uintptr(len(b)) {
		return errors.OutOfRange(uintptr(addr), uintptr(addr), uintptr(addr)+size)
	}
	if err := unix.Munmap(b); err != nil {
		return errors.SystemCall("munmap", err)
	}
	return nil
}
