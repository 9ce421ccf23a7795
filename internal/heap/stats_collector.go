package heap

import (
	"fmt"
	"slices"

	"github.com/orizon-lang/heapcore/internal/errors"
)

// AllocationThresholdBytes is the net change below which observers are not
// notified.
const AllocationThresholdBytes = 1024

// Event holds the data gathered during one garbage collection cycle.
type Event struct {
	MarkedBytes uintptr
}

// AllocationObserver is notified after at least AllocationThresholdBytes
// of net allocation or explicit free. Implementations may trigger a GC.
type AllocationObserver interface {
	AllocatedObjectSizeIncreased(bytes uintptr)
	AllocatedObjectSizeDecreased(bytes uintptr)
}

type gcState int

const (
	gcNotRunning gcState = iota
	gcMarking
	gcSweeping
)

func (s gcState) String() string {
	switch s {
	case gcNotRunning:
		return "not-running"
	case gcMarking:
		return "marking"
	case gcSweeping:
		return "sweeping"
	default:
		return fmt.Sprintf("gcState(%d)", int(s))
	}
}

// StatsCollector accumulates allocation deltas between collections and
// reports them to observers at safepoints. It is not synchronized; an
// observer may call back into it from a notification.
type StatsCollector struct {
	// Bytes allocated since the end of the previous marking phase. Negative
	// when objects that survived the last marking were freed explicitly.
	allocatedBytesSincePrevGC int64
	posDelta                  int64
	negDelta                  int64

	observers []AllocationObserver
	state     gcState

	// current is filled between NotifyMarkingStarted and
	// NotifySweepingCompleted; previous is the last finished cycle.
	current  Event
	previous Event
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// RegisterObserver appends o. Observers are notified in registration order.
func (s *StatsCollector) RegisterObserver(o AllocationObserver) {
	errors.Check(!slices.Contains(s.observers, o), func() *errors.StandardError {
		return errors.InvalidState("register observer", "already registered")
	})
	s.observers = append(s.observers, o)
}

func (s *StatsCollector) UnregisterObserver(o AllocationObserver) {
	i := slices.Index(s.observers, o)
	errors.Check(i >= 0, func() *errors.StandardError {
		return errors.InvalidState("unregister observer", "not registered")
	})
	s.observers = slices.Delete(s.observers, i, i+1)
}

func (s *StatsCollector) IncreaseAllocatedObjectSize(bytes uintptr) {
	s.posDelta += int64(bytes)
}

func (s *StatsCollector) DecreaseAllocatedObjectSize(bytes uintptr) {
	s.negDelta += int64(bytes)
}

// AllocatedObjectSizeSafepoint notifies observers once the net delta since
// the last notification reaches AllocationThresholdBytes. Call it only where
// a garbage collection may run.
func (s *StatsCollector) AllocatedObjectSizeSafepoint() {
	delta := s.posDelta - s.negDelta
	if delta < 0 {
		delta = -delta
	}
	if delta >= AllocationThresholdBytes {
		s.allocatedObjectSizeSafepoint()
	}
}

func (s *StatsCollector) allocatedObjectSizeSafepoint() {
	s.allocatedBytesSincePrevGC += s.posDelta - s.negDelta

	// Observers may finish a GC, which resets the deltas. The delta is
	// recomputed per observer so later ones see that reset.
	for _, o := range s.observers {
		delta := s.posDelta - s.negDelta
		if delta < 0 {
			o.AllocatedObjectSizeDecreased(uintptr(-delta))
		} else {
			o.AllocatedObjectSizeIncreased(uintptr(delta))
		}
	}
	s.posDelta = 0
	s.negDelta = 0
}

// NotifyMarkingStarted begins a collection cycle.
func (s *StatsCollector) NotifyMarkingStarted() {
	errors.Check(s.state == gcNotRunning, func() *errors.StandardError {
		return errors.InvalidState("start marking", s.state.String())
	})
	s.state = gcMarking
}

// NotifyMarkingCompleted records the live bytes found by marking. Pending
// deltas are dropped since marked bytes already account for them.
func (s *StatsCollector) NotifyMarkingCompleted(markedBytes uintptr) {
	errors.Check(s.state == gcMarking, func() *errors.StandardError {
		return errors.InvalidState("complete marking", s.state.String())
	})
	s.state = gcSweeping
	s.current.MarkedBytes = markedBytes
	s.allocatedBytesSincePrevGC = 0
	s.posDelta = 0
	s.negDelta = 0
}

// NotifySweepingCompleted ends the cycle and returns its event.
func (s *StatsCollector) NotifySweepingCompleted() Event {
	errors.Check(s.state == gcSweeping, func() *errors.StandardError {
		return errors.InvalidState("complete sweeping", s.state.String())
	})
	s.state = gcNotRunning
	s.previous = s.current
	s.current = Event{}
	return s.previous
}

// AllocatedObjectSize returns the live bytes of the last marking plus the
// bytes allocated since.
func (s *StatsCollector) AllocatedObjectSize() uintptr {
	// While sweeping, the current event already holds the newest marking
	// result.
	event := &s.previous
	if s.state == gcSweeping {
		event = &s.current
	}
	size := int64(event.MarkedBytes) + s.allocatedBytesSincePrevGC
	errors.Check(size >= 0, func() *errors.StandardError {
		return errors.InvariantViolation(fmt.Sprintf("negative allocated object size %d", size))
	})
	return uintptr(size)
}

// PreviousEvent returns the event of the last completed cycle.
func (s *StatsCollector) PreviousEvent() Event { return s.previous }

// InGC reports whether a cycle is between marking start and sweeping end.
func (s *StatsCollector) InGC() bool { return s.state != gcNotRunning }
