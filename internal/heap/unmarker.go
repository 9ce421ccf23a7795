package heap

import (
	"log/slog"
	"sync/atomic"

	"github.com/orizon-lang/heapcore/internal/errors"
	"github.com/orizon-lang/heapcore/internal/platform"
)

// UnmarkerConfig selects how mark bits are cleared.
type UnmarkerConfig int

const (
	// UnmarkAtomic clears all mark bits on the calling goroutine.
	UnmarkAtomic UnmarkerConfig = iota
	// UnmarkConcurrent clears them from a background job.
	UnmarkConcurrent
)

func (c UnmarkerConfig) String() string {
	if c == UnmarkConcurrent {
		return "concurrent"
	}
	return "atomic"
}

// Unmarker clears the mark bit of every object in a heap.
type Unmarker struct {
	heap     *RawHeap
	platform platform.Platform
	handle   platform.JobHandle
	logger   *slog.Logger
}

// NewUnmarker returns an idle unmarker for heap.
func NewUnmarker(heap *RawHeap, plat platform.Platform, logger *slog.Logger) *Unmarker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unmarker{heap: heap, platform: plat, logger: logger}
}

// Start begins an unmark pass. An atomic pass is complete on return; a
// concurrent one runs until Finish. The caller must keep the page set
// stable for the duration of Start.
func (u *Unmarker) Start(cfg UnmarkerConfig) {
	errors.Check(u.handle == nil, func() *errors.StandardError {
		return errors.InvalidState("start unmarking", "running")
	})
	if cfg == UnmarkAtomic {
		Traverse(u.heap, &atomicUnmarkVisitor{})
		return
	}

	prepare := &prepareConcurrentUnmarkVisitor{}
	Traverse(u.heap, prepare)
	u.logger.Debug("concurrent unmarking started", "pages", len(prepare.pages))
	u.handle = u.platform.PostJob(platform.PriorityUserVisible, newConcurrentUnmarkTask(prepare.pages))
}

// Finish waits for a concurrent pass to clear every mark bit. It does
// nothing when no pass is running.
func (u *Unmarker) Finish() {
	if u.handle == nil {
		return
	}
	u.handle.Join()
	u.handle = nil
	u.logger.Debug("concurrent unmarking finished")
}

// IsRunning reports whether a concurrent pass has been started and not yet
// finished.
func (u *Unmarker) IsRunning() bool { return u.handle != nil }

type atomicUnmarkVisitor struct {
	BaseVisitor
}

func (*atomicUnmarkVisitor) VisitHeapObjectHeader(h *HeapObjectHeader) bool {
	if h.IsMarked() {
		h.Unmark()
	}
	return true
}

// prepareConcurrentUnmarkVisitor collects the pages of every space without
// descending into them.
type prepareConcurrentUnmarkVisitor struct {
	BaseVisitor
	pages []BasePage
}

func (v *prepareConcurrentUnmarkVisitor) VisitNormalPageSpace(s *NormalPageSpace) bool {
	v.pages = append(v.pages, s.Pages()...)
	return true
}

func (v *prepareConcurrentUnmarkVisitor) VisitLargePageSpace(s *LargePageSpace) bool {
	v.pages = append(v.pages, s.Pages()...)
	return true
}

// concurrentUnmarkTask owns its page list. It only yields between pages,
// and resumes from the first page it has not finished.
type concurrentUnmarkTask struct {
	BaseVisitor
	pages     []BasePage
	next      int
	completed atomic.Bool
}

func newConcurrentUnmarkTask(pages []BasePage) *concurrentUnmarkTask {
	t := &concurrentUnmarkTask{pages: pages}
	if len(pages) == 0 {
		t.completed.Store(true)
	}
	return t
}

func (t *concurrentUnmarkTask) Run(delegate platform.JobDelegate) {
	for t.next < len(t.pages) {
		TraversePage(t.pages[t.next], t)
		t.next++
		if t.next < len(t.pages) && delegate.ShouldYield() {
			return
		}
	}
	t.completed.Store(true)
}

func (t *concurrentUnmarkTask) MaxConcurrency(int) int {
	if t.completed.Load() {
		return 0
	}
	return 1
}

func (t *concurrentUnmarkTask) VisitNormalPage(p *NormalPage) bool {
	p.bitmap.Iterate(func(addr Address) {
		h := p.HeaderAt(addr)
		if h.IsMarkedAtomic() {
			h.UnmarkAtomic()
		}
	})
	return true
}

func (t *concurrentUnmarkTask) VisitLargePage(p *LargePage) bool {
	if p.header.IsMarkedAtomic() {
		p.header.UnmarkAtomic()
	}
	return true
}
