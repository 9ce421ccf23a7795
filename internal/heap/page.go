package heap

import (
	"fmt"
)

// BasePage is implemented by NormalPage and LargePage.
type BasePage interface {
	Begin() Address
	End() Address
	Space() BaseSpace
	IsLarge() bool
}

type freeBlock struct {
	addr Address
	size uintptr
}

// NormalPage holds many small objects. Objects are carved from a free list
// or, when it has nothing suitable, by bumping top towards the page end.
type NormalPage struct {
	space   *NormalPageSpace
	begin   Address
	size    uintptr
	top     Address
	bitmap  *ObjectStartBitmap
	headers []HeapObjectHeader // one slot per granule
	free    []freeBlock
	live    uintptr // bytes in allocated objects
}

func newNormalPage(space *NormalPageSpace, begin Address, size uintptr) *NormalPage {
	return &NormalPage{
		space:   space,
		begin:   begin,
		size:    size,
		top:     begin,
		bitmap:  NewObjectStartBitmap(begin, size),
		headers: make([]HeapObjectHeader, size/AllocationGranularity),
	}
}

func (p *NormalPage) Begin() Address   { return p.begin }
func (p *NormalPage) End() Address     { return p.begin + Address(p.size) }
func (p *NormalPage) Space() BaseSpace { return p.space }
func (p *NormalPage) IsLarge() bool    { return false }

// ObjectStartBitmap returns the page's object-start bitmap.
func (p *NormalPage) ObjectStartBitmap() *ObjectStartBitmap { return p.bitmap }

// LiveBytes returns the bytes held by allocated objects.
func (p *NormalPage) LiveBytes() uintptr { return p.live }

// Empty reports whether the page holds no objects.
func (p *NormalPage) Empty() bool { return p.live == 0 }

// HeaderAt returns the header of the object starting at addr.
func (p *NormalPage) HeaderAt(addr Address) *HeapObjectHeader {
	return &p.headers[uintptr(addr-p.begin)/AllocationGranularity]
}

func (p *NormalPage) contains(addr Address) bool {
	return addr >= p.begin && addr < p.End()
}

// allocate returns an object of size bytes, or false when the page is full.
func (p *NormalPage) allocate(size uintptr) (Address, bool) {
	addr, ok := p.takeFree(size)
	if !ok {
		if uintptr(p.End()-p.top) < size {
			return 0, false
		}
		addr = p.top
		p.top += Address(size)
	}
	p.HeaderAt(addr).init(size)
	p.bitmap.SetBit(addr)
	p.live += size
	return addr, true
}

func (p *NormalPage) takeFree(size uintptr) (Address, bool) {
	for i, b := range p.free {
		if b.size < size {
			continue
		}
		if b.size == size {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = freeBlock{addr: b.addr + Address(size), size: b.size - size}
		}
		return b.addr, true
	}
	return 0, false
}

// release frees the object at addr and returns its size.
func (p *NormalPage) release(addr Address) uintptr {
	h := p.HeaderAt(addr)
	size := h.Size()
	p.bitmap.ClearBit(addr)
	h.reset()
	p.free = append(p.free, freeBlock{addr: addr, size: size})
	p.live -= size
	return size
}

// sweep frees every unmarked object and rebuilds the free list from the
// gaps between survivors. It returns the surviving bytes.
func (p *NormalPage) sweep() uintptr {
	p.free = p.free[:0]
	p.live = 0
	cursor := p.begin
	p.bitmap.Iterate(func(addr Address) {
		h := p.HeaderAt(addr)
		if !h.IsMarked() {
			p.bitmap.ClearBit(addr)
			h.reset()
			return
		}
		if addr > cursor {
			p.free = append(p.free, freeBlock{addr: cursor, size: uintptr(addr - cursor)})
		}
		cursor = addr + Address(h.Size())
		p.live += h.Size()
	})
	p.top = cursor
	return p.live
}

func (p *NormalPage) String() string {
	return fmt.Sprintf("normal page [%#x, %#x) live %d", uintptr(p.begin), uintptr(p.End()), p.live)
}

// LargePage holds exactly one object that starts at the page begin.
type LargePage struct {
	space  *LargePageSpace
	begin  Address
	size   uintptr
	header HeapObjectHeader
}

func newLargePage(space *LargePageSpace, begin Address, size, objectSize uintptr) *LargePage {
	p := &LargePage{space: space, begin: begin, size: size}
	p.header.init(objectSize)
	return p
}

func (p *LargePage) Begin() Address   { return p.begin }
func (p *LargePage) End() Address     { return p.begin + Address(p.size) }
func (p *LargePage) Space() BaseSpace { return p.space }
func (p *LargePage) IsLarge() bool    { return true }

// ObjectHeader returns the header of the page's only object.
func (p *LargePage) ObjectHeader() *HeapObjectHeader { return &p.header }

// ObjectSize returns the size of the page's object.
func (p *LargePage) ObjectSize() uintptr { return p.header.Size() }

func (p *LargePage) String() string {
	return fmt.Sprintf("large page [%#x, %#x) object %d", uintptr(p.begin), uintptr(p.End()), p.header.Size())
}
