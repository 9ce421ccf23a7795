// Package prop is a small property checker: random inputs from a generator,
// a predicate, and greedy shrinking of the first failing input.
package prop

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"runtime"
	"time"
)

// Generator produces a value of type T from a PRNG and a size hint.
type Generator[T any] func(r *rand.Rand, size int) T

// Shrinker produces a slice of candidate smaller values that aim to preserve failure.
type Shrinker[T any] func(v T) []T

// Property1 is a unary property predicate. A nil error means the property holds.
type Property1[A any] func(a A) error

// Options control property checking.
type Options struct {
	Trials          int           // number of trials
	Seed            uint64        // random seed; 0 means time.Now().UnixNano()
	Size            int           // size hint for generators
	Parallelism     int           // number of workers; <=0 means GOMAXPROCS
	MaxShrinkRounds int           // limit for shrinking attempts
	MaxShrinkTime   time.Duration // wall time limit for shrinking; 0 to disable
}

// Result is the outcome of a property check.
type Result[A any] struct {
	PassedTrials int
	Failed       bool
	FailingInput A
	ShrunkInput  A
	Err          error
	Seed         uint64
	Duration     time.Duration
	ShrinkRounds int
}

func (o *Options) normalize() {
	if o.Trials <= 0 {
		o.Trials = 200
	}
	if o.Seed == 0 {
		o.Seed = uint64(time.Now().UnixNano())
	}
	if o.Size <= 0 {
		o.Size = 30
	}
	if o.Parallelism <= 0 {
		o.Parallelism = max(runtime.GOMAXPROCS(0), 1)
	}
	if o.MaxShrinkRounds <= 0 {
		o.MaxShrinkRounds = 200
	}
}

// ForAll1 checks a unary property with the provided generator and optional shrinker.
// Every trial gets its own PRNG derived from the seed, so a reported seed
// reproduces the run regardless of worker scheduling.
func ForAll1[A any](gen Generator[A], shrink Shrinker[A], prop Property1[A], opts Options) Result[A] {
	start := time.Now()
	opts.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		idx int
		a   A
		err error
	}
	tasks := make(chan int)
	outs := make(chan outcome)

	for w := 0; w < opts.Parallelism; w++ {
		go func() {
			for idx := range tasks {
				r := rand.New(rand.NewPCG(deriveSeed(opts.Seed, idx), uint64(idx)))
				a := gen(r, opts.Size)
				err := prop(a)
				select {
				case outs <- outcome{idx: idx, a: a, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for i := 0; i < opts.Trials; i++ {
			select {
			case tasks <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	res := Result[A]{Seed: opts.Seed}
	for completed := 0; completed < opts.Trials; completed++ {
		o := <-outs
		if o.err == nil {
			res.PassedTrials++
			continue
		}
		res.Failed = true
		res.FailingInput = o.a
		res.ShrunkInput = o.a
		res.Err = o.err
		cancel()
		if shrink != nil {
			res.ShrunkInput, res.Err, res.ShrinkRounds = shrinkFailure(o.a, o.err, shrink, prop, opts)
		}
		break
	}
	res.Duration = time.Since(start)
	return res
}

func shrinkFailure[A any](best A, bestErr error, shrink Shrinker[A], prop Property1[A], opts Options) (A, error, int) {
	var deadline time.Time
	if opts.MaxShrinkTime > 0 {
		deadline = time.Now().Add(opts.MaxShrinkTime)
	}
	rounds := 0
	for rounds < opts.MaxShrinkRounds {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		progressed := false
		for _, c := range shrink(best) {
			if err := prop(c); err != nil {
				best, bestErr = c, err
				progressed = true
				break
			}
		}
		rounds++
		if !progressed {
			break
		}
	}
	return best, bestErr, rounds
}

// deriveSeed deterministically mixes base seed with trial index via SHA-256.
func deriveSeed(base uint64, idx int) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], base)
	binary.LittleEndian.PutUint64(b[8:16], uint64(idx))
	h := sha256.Sum256(b[:])
	return binary.LittleEndian.Uint64(h[0:8])
}
