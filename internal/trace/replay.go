package trace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orizon-lang/heapcore/internal/errors"
	"github.com/orizon-lang/heapcore/internal/region"
)

// Result records the outcome of one replayed operation.
type Result struct {
	Op Op
	// Addr is the allocated address for the alloc kinds.
	Addr region.Address
	// Size is the number of bytes freed by free-at.
	Size uintptr
	// OK is false when an allocation failed or free-at found nothing.
	OK bool
}

func (r Result) String() string {
	switch r.Op.Kind {
	case Alloc, AllocRandom:
		if !r.OK {
			return fmt.Sprintf("line %d: %s -> failed", r.Op.Line, r.Op)
		}
		return fmt.Sprintf("line %d: %s -> %#x", r.Op.Line, r.Op, uintptr(r.Addr))
	case AllocAt:
		return fmt.Sprintf("line %d: %s -> %t", r.Op.Line, r.Op, r.OK)
	case FreeAt:
		return fmt.Sprintf("line %d: %s -> %#x bytes", r.Op.Line, r.Op, r.Size)
	default:
		return fmt.Sprintf("line %d: %s -> ok", r.Op.Line, r.Op)
	}
}

// Replayer applies operations to a region allocator.
type Replayer struct {
	alloc  *region.Allocator
	rng    region.RandomSource
	logger *slog.Logger
}

// NewReplayer returns a replayer for alloc. rng serves alloc-random and may
// be nil when the trace has none.
func NewReplayer(alloc *region.Allocator, rng region.RandomSource, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{alloc: alloc, rng: rng, logger: logger}
}

// Replay is a shorthand for NewReplayer(alloc, rng, nil).Replay(ctx, ops).
func Replay(ctx context.Context, alloc *region.Allocator, ops []Op, rng region.RandomSource) ([]Result, error) {
	return NewReplayer(alloc, rng, nil).Replay(ctx, ops)
}

// Replay applies ops in order and checks the allocator invariants after
// each one. It stops at the first invalid operation, invariant failure or
// context cancellation and returns the results collected so far.
func (p *Replayer) Replay(ctx context.Context, ops []Op) ([]Result, error) {
	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if err := p.validate(op); err != nil {
			return results, fmt.Errorf("line %d: %w", op.Line, err)
		}
		res := p.apply(op)
		results = append(results, res)
		p.logger.Debug("replayed", "op", op.String(), "ok", res.OK)
		if err := p.alloc.CheckInvariants(); err != nil {
			return results, fmt.Errorf("line %d: %w", op.Line, err)
		}
	}
	return results, nil
}

func (p *Replayer) apply(op Op) Result {
	res := Result{Op: op, OK: true}
	switch op.Kind {
	case Alloc:
		res.Addr = p.alloc.AllocateRegion(uintptr(op.Size), p.alignment(op))
		res.OK = res.Addr != region.AllocationFailure
	case AllocRandom:
		res.Addr = p.alloc.AllocateRegionRandom(p.rng, uintptr(op.Size), p.alignment(op))
		res.OK = res.Addr != region.AllocationFailure
	case AllocAt:
		res.OK = p.alloc.AllocateRegionAt(region.Address(op.Addr), uintptr(op.Size))
	case Free:
		p.alloc.FreeRegion(region.Address(op.Addr), uintptr(op.Size))
	case FreeAt:
		res.Size = p.alloc.FreeRegionAt(region.Address(op.Addr))
		res.OK = res.Size != 0
	case Check:
	}
	return res
}

func (p *Replayer) alignment(op Op) uintptr {
	if op.Alignment == 0 {
		return p.alloc.MinRegionSize()
	}
	return uintptr(op.Alignment)
}

// validate rejects operations the allocator treats as programmer errors.
func (p *Replayer) validate(op Op) error {
	minSize := uint64(p.alloc.MinRegionSize())
	sizeOK := func() error {
		if op.Size == 0 || op.Size%minSize != 0 {
			return errors.Misaligned(uintptr(op.Size), uintptr(minSize), "size")
		}
		return nil
	}
	switch op.Kind {
	case Alloc, AllocRandom:
		if op.Kind == AllocRandom && p.rng == nil {
			return errors.InvalidState("alloc-random", "no random source")
		}
		if a := op.Alignment; a != 0 && a&(a-1) != 0 {
			return errors.NotPowerOfTwo(uintptr(a), "alignment")
		}
		return sizeOK()
	case AllocAt:
		if op.Addr%minSize != 0 {
			return errors.Misaligned(uintptr(op.Addr), uintptr(minSize), "address")
		}
		if err := sizeOK(); err != nil {
			return err
		}
		begin, end := uint64(p.alloc.Begin()), uint64(p.alloc.End())
		if op.Addr < begin || op.Addr+op.Size > end || op.Addr+op.Size < op.Addr {
			return errors.OutOfRange(uintptr(op.Addr), uintptr(begin), uintptr(end))
		}
	case Free:
		if op.Addr%minSize != 0 {
			return errors.Misaligned(uintptr(op.Addr), uintptr(minSize), "address")
		}
		return sizeOK()
	}
	return nil
}
