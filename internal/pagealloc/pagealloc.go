// Package pagealloc reserves, commits and protects page-granularity address
// ranges. The region allocator only does bookkeeping over a range that has
// already been reserved here.
package pagealloc

import (
	"fmt"

	"github.com/orizon-lang/heapcore/internal/region"
)

// Address aliases the region allocator's address type.
type Address = region.Address

// Permission is the access mode of committed pages.
type Permission int

const (
	NoAccess Permission = iota
	Read
	ReadWrite
	ReadExecute
)

func (p Permission) String() string {
	switch p {
	case NoAccess:
		return "none"
	case Read:
		return "r"
	case ReadWrite:
		return "rw"
	case ReadExecute:
		return "rx"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// PageAllocator is the platform's page-level memory interface.
//
// Reserve hands out an inaccessible range. Commit backs part of it with
// memory and makes it read-write; Decommit returns the backing memory and
// makes it inaccessible again. Release gives a whole reservation back.
type PageAllocator interface {
	PageSize() uintptr
	Reserve(size uintptr) (Address, error)
	Commit(addr Address, size uintptr) error
	Decommit(addr Address, size uintptr) error
	Protect(addr Address, size uintptr, perm Permission) error
	Release(addr Address, size uintptr) error
}

func roundUp(v, alignment uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}
