package heap

import (
	"testing"

	"github.com/orizon-lang/heapcore/internal/testrunner/assert"
)

const bitmapBase Address = 0x100000

func newTestBitmap() *ObjectStartBitmap {
	return NewObjectStartBitmap(bitmapBase, 4096)
}

func slot(i int) Address { return bitmapBase + Address(i*AllocationGranularity) }

func collect(b *ObjectStartBitmap) []Address {
	var out []Address
	b.Iterate(func(a Address) { out = append(out, a) })
	return out
}

func TestBitmapMoreThanZeroEntriesPossible(t *testing.T) {
	b := newTestBitmap()
	assert.Equal(t, len(b.cells), 4096/AllocationGranularity/bitsPerCell)
}

func TestBitmapInitialEmpty(t *testing.T) {
	b := newTestBitmap()
	assert.Equal(t, len(collect(b)), 0)
}

func TestBitmapSetBitImpliesNonEmpty(t *testing.T) {
	b := newTestBitmap()
	b.SetBit(slot(0))
	assert.Equal(t, len(collect(b)), 1)
}

func TestBitmapSetBitCheckBit(t *testing.T) {
	b := newTestBitmap()
	b.SetBit(slot(7))
	assert.True(t, b.CheckBit(slot(7)))
	assert.False(t, b.CheckBit(slot(6)))
}

func TestBitmapSetBitClearBit(t *testing.T) {
	b := newTestBitmap()
	b.SetBit(slot(77))
	assert.True(t, b.CheckBit(slot(77)))
	b.ClearBit(slot(77))
	assert.False(t, b.CheckBit(slot(77)))
}

func TestBitmapIterateInAddressOrder(t *testing.T) {
	b := newTestBitmap()
	want := []int{0, 1, 31, 32, 33, 200, 255}
	for i := len(want) - 1; i >= 0; i-- {
		b.SetBit(slot(want[i]))
	}
	got := collect(b)
	assert.Equal(t, len(got), len(want))
	for i := range want {
		assert.Equal(t, got[i], slot(want[i]))
	}
}

func TestBitmapClear(t *testing.T) {
	b := newTestBitmap()
	b.SetBit(slot(1))
	b.SetBit(slot(100))
	b.Clear()
	assert.Equal(t, len(collect(b)), 0)
}

func TestBitmapFindHeader(t *testing.T) {
	b := newTestBitmap()
	b.SetBit(slot(0))
	b.SetBit(slot(40))

	got, ok := b.FindHeader(slot(0))
	assert.True(t, ok)
	assert.Equal(t, got, slot(0))

	// Interior pointer in the same cell as the start.
	got, ok = b.FindHeader(slot(5) + 3)
	assert.True(t, ok)
	assert.Equal(t, got, slot(0))

	// Interior pointer whose cell has no start; the search walks back.
	got, ok = b.FindHeader(slot(39) + 15)
	assert.True(t, ok)
	assert.Equal(t, got, slot(0))

	got, ok = b.FindHeader(slot(250))
	assert.True(t, ok)
	assert.Equal(t, got, slot(40))
}

func TestBitmapFindHeaderWithoutStart(t *testing.T) {
	b := newTestBitmap()
	b.SetBit(slot(100))
	_, ok := b.FindHeader(slot(99))
	assert.False(t, ok)
}

func TestBitmapRejectsMisalignedAddress(t *testing.T) {
	b := newTestBitmap()
	assert.PanicsWithCode(t, "MISALIGNED", func() { b.SetBit(bitmapBase + 3) })
	assert.PanicsWithCode(t, "OUT_OF_RANGE", func() { b.SetBit(slot(256)) })
}

func TestHeaderMarkBits(t *testing.T) {
	var h HeapObjectHeader
	h.init(64)
	assert.Equal(t, h.Size(), uintptr(64))
	assert.False(t, h.IsMarked())

	assert.True(t, h.TryMark())
	assert.False(t, h.TryMark())
	assert.True(t, h.IsMarkedAtomic())
	assert.Equal(t, h.Size(), uintptr(64))

	h.Unmark()
	assert.False(t, h.IsMarked())
	h.TryMark()
	h.UnmarkAtomic()
	assert.False(t, h.IsMarkedAtomic())
	assert.Equal(t, h.Size(), uintptr(64))

	assert.PanicsWithCode(t, "MISALIGNED", func() { h.init(20) })
}
