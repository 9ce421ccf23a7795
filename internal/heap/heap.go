// Package heap implements a small mark-sweep object heap on top of page runs
// from a pagealloc.VirtualSpace: object headers with mark bits, per-page
// object-start bitmaps, allocation statistics with observers, and atomic or
// concurrent unmarking between cycles.
//
// A Heap belongs to one mutator goroutine. Only a concurrent unmark pass
// touches it from elsewhere, and it only reads bitmaps and clears mark bits.
package heap

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/btree"

	"github.com/orizon-lang/heapcore/internal/errors"
	"github.com/orizon-lang/heapcore/internal/pagealloc"
	"github.com/orizon-lang/heapcore/internal/platform"
)

const (
	DefaultPageSize = 128 << 10
)

// Config sizes the heap's pages.
type Config struct {
	// PageSize is the size of a normal page. It must be a power of two and
	// a multiple of the virtual space granularity.
	PageSize uintptr
	// LargeObjectThreshold is the smallest object size placed on its own
	// large page. Zero means half a page.
	LargeObjectThreshold uintptr
}

// Option configures a Heap.
type Option func(*Heap)

// WithLogger sets the heap's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Heap) {
		if l != nil {
			h.logger = l
		}
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseMarking
	phaseSweeping
)

func (p phase) String() string {
	switch p {
	case phaseMarking:
		return "marking"
	case phaseSweeping:
		return "sweeping"
	default:
		return "idle"
	}
}

type pageEntry struct {
	begin Address
	page  BasePage
}

// Heap allocates objects from normal and large pages and collects them with
// explicit mark and sweep phases.
type Heap struct {
	cfg      Config
	space    *pagealloc.VirtualSpace
	raw      *RawHeap
	pages    *btree.BTreeG[pageEntry]
	stats    *StatsCollector
	unmarker *Unmarker
	logger   *slog.Logger

	phase phase
	// Mark bits survive sweeping until an unmark pass clears them.
	marksDirty bool
}

// New creates a heap that takes its pages from space and runs background
// work on plat.
func New(cfg Config, space *pagealloc.VirtualSpace, plat platform.Platform, opts ...Option) (*Heap, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, errors.NotPowerOfTwo(cfg.PageSize, "heap page size")
	}
	if cfg.PageSize%space.Granularity() != 0 {
		return nil, errors.Misaligned(cfg.PageSize, space.Granularity(), "heap page size")
	}
	if cfg.LargeObjectThreshold == 0 {
		cfg.LargeObjectThreshold = cfg.PageSize / 2
	}
	if cfg.LargeObjectThreshold > cfg.PageSize {
		return nil, errors.ConfigError("large object threshold", cfg.LargeObjectThreshold, "exceeds page size")
	}

	h := &Heap{
		cfg:    cfg,
		space:  space,
		raw:    newRawHeap(),
		pages:  btree.NewG[pageEntry](8, func(a, b pageEntry) bool { return a.begin < b.begin }),
		stats:  NewStatsCollector(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.unmarker = NewUnmarker(h.raw, plat, h.logger)
	return h, nil
}

// Stats returns the heap's statistics collector.
func (h *Heap) Stats() *StatsCollector { return h.stats }

// Raw returns the heap's spaces.
func (h *Heap) Raw() *RawHeap { return h.raw }

// Allocate returns a new object of at least size bytes.
func (h *Heap) Allocate(size uintptr) (Address, error) {
	if size == 0 {
		return 0, errors.InvalidSize(size, "object allocation")
	}
	if size/AllocationGranularity >= maxGranules {
		return 0, errors.InvalidSize(size, "object allocation")
	}
	size = (size + allocationMask) &^ allocationMask

	// Observers may collect garbage here, so this runs before the new object
	// exists.
	h.stats.AllocatedObjectSizeSafepoint()

	var (
		addr Address
		err  error
	)
	if size >= h.cfg.LargeObjectThreshold {
		addr, err = h.allocateLarge(size)
	} else {
		addr, err = h.allocateNormal(size)
	}
	if err != nil {
		return 0, err
	}
	if h.phase != phaseIdle {
		// Objects allocated during a cycle survive it.
		hdr, _ := h.Header(addr)
		hdr.TryMark()
	}
	h.stats.IncreaseAllocatedObjectSize(size)
	return addr, nil
}

func (h *Heap) allocateNormal(size uintptr) (Address, error) {
	space := h.raw.normal[sizeClass(size)]
	for _, p := range space.pages {
		if addr, ok := p.allocate(size); ok {
			return addr, nil
		}
	}

	begin, err := h.space.AllocatePages(h.cfg.PageSize, h.cfg.PageSize)
	if err != nil {
		return 0, err
	}
	p := newNormalPage(space, begin, h.cfg.PageSize)
	space.add(p)
	h.pages.ReplaceOrInsert(pageEntry{begin: begin, page: p})
	h.logger.Debug("normal page added", "space", space.index, "begin", fmt.Sprintf("%#x", uintptr(begin)))

	addr, ok := p.allocate(size)
	errors.Check(ok, func() *errors.StandardError {
		return errors.InvariantViolation(fmt.Sprintf("fresh page cannot hold %d bytes", size))
	})
	return addr, nil
}

func (h *Heap) allocateLarge(size uintptr) (Address, error) {
	g := h.space.Granularity()
	pageSize := (size + g - 1) &^ (g - 1)
	begin, err := h.space.AllocatePages(pageSize, 0)
	if err != nil {
		return 0, err
	}
	p := newLargePage(h.raw.large, begin, pageSize, size)
	h.raw.large.add(p)
	h.pages.ReplaceOrInsert(pageEntry{begin: begin, page: p})
	h.logger.Debug("large page added", "begin", fmt.Sprintf("%#x", uintptr(begin)), "size", pageSize)
	return begin, nil
}

// pageOf returns the page containing addr.
func (h *Heap) pageOf(addr Address) (BasePage, bool) {
	var found BasePage
	h.pages.DescendLessOrEqual(pageEntry{begin: addr}, func(e pageEntry) bool {
		if addr < e.page.End() {
			found = e.page
		}
		return false
	})
	return found, found != nil
}

// Header returns the header of the object starting at addr.
func (h *Heap) Header(addr Address) (*HeapObjectHeader, bool) {
	p, ok := h.pageOf(addr)
	if !ok {
		return nil, false
	}
	switch p := p.(type) {
	case *NormalPage:
		if uintptr(addr-p.begin)&allocationMask != 0 || !p.bitmap.CheckBit(addr) {
			return nil, false
		}
		return p.HeaderAt(addr), true
	case *LargePage:
		if addr != p.begin {
			return nil, false
		}
		return &p.header, true
	}
	return nil, false
}

// FindObject returns the start of the object containing addr, which may
// point anywhere inside the object.
func (h *Heap) FindObject(addr Address) (Address, bool) {
	p, ok := h.pageOf(addr)
	if !ok {
		return 0, false
	}
	switch p := p.(type) {
	case *NormalPage:
		start, ok := p.bitmap.FindHeader(addr)
		if !ok || addr >= start+Address(p.HeaderAt(start).Size()) {
			return 0, false
		}
		return start, true
	case *LargePage:
		if addr >= p.begin+Address(p.header.Size()) {
			return 0, false
		}
		return p.begin, true
	}
	return 0, false
}

// Free releases the object at addr immediately. It is rejected while a
// cycle is marking or sweeping.
func (h *Heap) Free(addr Address) error {
	if h.phase != phaseIdle {
		return errors.InvalidState("free", h.phase.String())
	}
	hdr, ok := h.Header(addr)
	if !ok {
		return errors.OutOfRange(uintptr(addr), uintptr(h.space.Begin()), uintptr(h.space.End()))
	}
	p, _ := h.pageOf(addr)

	var size uintptr
	switch p := p.(type) {
	case *NormalPage:
		size = p.release(addr)
	case *LargePage:
		size = hdr.Size()
		if err := h.releaseLarge(p); err != nil {
			return err
		}
	}
	h.stats.DecreaseAllocatedObjectSize(size)
	h.stats.AllocatedObjectSizeSafepoint()
	return nil
}

func (h *Heap) releaseLarge(p *LargePage) error {
	h.raw.large.remove(p)
	h.pages.Delete(pageEntry{begin: p.begin})
	_, err := h.space.FreePagesAt(p.begin)
	return err
}

func (h *Heap) releaseNormal(p *NormalPage) error {
	p.space.remove(p)
	h.pages.Delete(pageEntry{begin: p.begin})
	_, err := h.space.FreePagesAt(p.begin)
	return err
}

// Mark sets the mark bit of the object at addr and reports whether it was
// newly marked.
func (h *Heap) Mark(addr Address) bool {
	errors.Check(h.phase == phaseMarking, func() *errors.StandardError {
		return errors.InvalidState("mark", h.phase.String())
	})
	hdr, ok := h.Header(addr)
	return ok && hdr.TryMark()
}

// IsMarked reports whether the object at addr is marked.
func (h *Heap) IsMarked(addr Address) bool {
	hdr, ok := h.Header(addr)
	return ok && hdr.IsMarkedAtomic()
}

// StartMarking begins a cycle. Mark bits left by the previous cycle are
// cleared first, waiting for a running unmark pass if there is one.
func (h *Heap) StartMarking() error {
	if h.phase != phaseIdle {
		return errors.InvalidState("start marking", h.phase.String())
	}
	if h.unmarker.IsRunning() {
		h.unmarker.Finish()
		h.marksDirty = false
	}
	if h.marksDirty {
		h.unmarker.Start(UnmarkAtomic)
		h.marksDirty = false
	}
	h.stats.NotifyMarkingStarted()
	h.phase = phaseMarking
	return nil
}

// FinishMarking ends marking and returns the marked bytes.
func (h *Heap) FinishMarking() (uintptr, error) {
	if h.phase != phaseMarking {
		return 0, errors.InvalidState("finish marking", h.phase.String())
	}
	v := &markedBytesVisitor{}
	Traverse(h.raw, v)
	h.stats.NotifyMarkingCompleted(v.bytes)
	h.phase = phaseSweeping
	h.marksDirty = true
	return v.bytes, nil
}

type markedBytesVisitor struct {
	BaseVisitor
	bytes uintptr
}

func (v *markedBytesVisitor) VisitHeapObjectHeader(hdr *HeapObjectHeader) bool {
	if hdr.IsMarked() {
		v.bytes += hdr.Size()
	}
	return true
}

// Sweep frees every unmarked object and returns empty pages to the virtual
// space. Survivors keep their mark bits.
func (h *Heap) Sweep() (Event, error) {
	if h.phase != phaseSweeping {
		return Event{}, errors.InvalidState("sweep", h.phase.String())
	}
	var (
		firstErr error
		freed    int
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, space := range h.raw.normal {
		for _, p := range slices.Clone(space.pages) {
			if p.sweep() == 0 {
				keep(h.releaseNormal(p))
				freed++
			}
		}
	}
	for _, p := range slices.Clone(h.raw.large.pages) {
		if !p.header.IsMarked() {
			keep(h.releaseLarge(p))
			freed++
		}
	}
	h.phase = phaseIdle
	event := h.stats.NotifySweepingCompleted()
	h.logger.Debug("sweep finished", "marked_bytes", event.MarkedBytes, "pages_released", freed)
	return event, firstErr
}

// CollectGarbage runs a full cycle that keeps exactly the objects in live.
func (h *Heap) CollectGarbage(live []Address) (Event, error) {
	if err := h.StartMarking(); err != nil {
		return Event{}, err
	}
	for _, addr := range live {
		h.Mark(addr)
	}
	if _, err := h.FinishMarking(); err != nil {
		return Event{}, err
	}
	return h.Sweep()
}

// StartUnmarking clears the mark bits left by the last cycle.
func (h *Heap) StartUnmarking(cfg UnmarkerConfig) error {
	if h.phase != phaseIdle {
		return errors.InvalidState("start unmarking", h.phase.String())
	}
	if h.unmarker.IsRunning() {
		return errors.InvalidState("start unmarking", "unmarking")
	}
	h.unmarker.Start(cfg)
	h.marksDirty = false
	return nil
}

// FinishUnmarking waits for a concurrent unmark pass.
func (h *Heap) FinishUnmarking() { h.unmarker.Finish() }

// IsUnmarking reports whether a concurrent unmark pass is outstanding.
func (h *Heap) IsUnmarking() bool { return h.unmarker.IsRunning() }

// Close waits for background work and returns every page.
func (h *Heap) Close() error {
	h.unmarker.Finish()
	var firstErr error
	for _, space := range h.raw.normal {
		for _, p := range slices.Clone(space.pages) {
			if err := h.releaseNormal(p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, p := range slices.Clone(h.raw.large.pages) {
		if err := h.releaseLarge(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
