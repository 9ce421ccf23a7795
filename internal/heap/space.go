package heap

import (
	"slices"
)

// BaseSpace is implemented by NormalPageSpace and LargePageSpace.
type BaseSpace interface {
	Index() int
	Pages() []BasePage
	IsLarge() bool
}

// NormalPageSpace holds the normal pages of one size class.
type NormalPageSpace struct {
	index int
	pages []*NormalPage
}

func (s *NormalPageSpace) Index() int    { return s.index }
func (s *NormalPageSpace) IsLarge() bool { return false }

// Pages returns a copy of the page list.
func (s *NormalPageSpace) Pages() []BasePage {
	out := make([]BasePage, len(s.pages))
	for i, p := range s.pages {
		out[i] = p
	}
	return out
}

func (s *NormalPageSpace) add(p *NormalPage) { s.pages = append(s.pages, p) }

func (s *NormalPageSpace) remove(p *NormalPage) {
	if i := slices.Index(s.pages, p); i >= 0 {
		s.pages = slices.Delete(s.pages, i, i+1)
	}
}

// LargePageSpace holds every large page.
type LargePageSpace struct {
	index int
	pages []*LargePage
}

func (s *LargePageSpace) Index() int    { return s.index }
func (s *LargePageSpace) IsLarge() bool { return true }

// Pages returns a copy of the page list.
func (s *LargePageSpace) Pages() []BasePage {
	out := make([]BasePage, len(s.pages))
	for i, p := range s.pages {
		out[i] = p
	}
	return out
}

func (s *LargePageSpace) add(p *LargePage) { s.pages = append(s.pages, p) }

func (s *LargePageSpace) remove(p *LargePage) {
	if i := slices.Index(s.pages, p); i >= 0 {
		s.pages = slices.Delete(s.pages, i, i+1)
	}
}

// Normal spaces are bucketed by object size: up to 16, 32 and 64 bytes,
// and everything larger that is still below the large object threshold.
var sizeClassLimits = [...]uintptr{16, 32, 64}

// NumNormalSpaces is the number of normal page spaces in a RawHeap.
const NumNormalSpaces = len(sizeClassLimits) + 1

func sizeClass(size uintptr) int {
	for i, limit := range sizeClassLimits {
		if size <= limit {
			return i
		}
	}
	return len(sizeClassLimits)
}

// RawHeap owns all spaces of a heap.
type RawHeap struct {
	normal [NumNormalSpaces]*NormalPageSpace
	large  *LargePageSpace
}

func newRawHeap() *RawHeap {
	r := &RawHeap{large: &LargePageSpace{index: NumNormalSpaces}}
	for i := range r.normal {
		r.normal[i] = &NormalPageSpace{index: i}
	}
	return r
}

// NormalSpace returns the normal space with the given index.
func (r *RawHeap) NormalSpace(i int) *NormalPageSpace { return r.normal[i] }

// LargeSpace returns the large object space.
func (r *RawHeap) LargeSpace() *LargePageSpace { return r.large }

// Spaces returns every space, normal ones first.
func (r *RawHeap) Spaces() []BaseSpace {
	out := make([]BaseSpace, 0, NumNormalSpaces+1)
	for _, s := range r.normal {
		out = append(out, s)
	}
	return append(out, r.large)
}
