// Package fuzz runs mutation-based fuzzing campaigns against byte-oriented
// targets such as the trace parser and replayer.
package fuzz

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// CorpusEntry represents a single seed input.
type CorpusEntry []byte

// Mutator produces a mutated payload from a parent.
type Mutator func(r *rand.Rand, in []byte) []byte

// Target is the fuzz target. Returning an error or panicking indicates a crash.
type Target func(data []byte) error

// Options controls the fuzzing loop.
type Options struct {
	Duration    time.Duration // total fuzz time, 0 means 3s
	Seed        uint64        // seed for the per-worker generators
	MaxInput    int           // inputs are truncated to this many bytes
	Concurrency int           // parallel workers
	MaxExecs    uint64        // cap on total executions across workers (0=unlimited)
}

// Stats captures aggregate counters for a fuzzing run.
type Stats struct {
	Executions uint64
	Crashes    uint64
}

// Crash is one failing input.
type Crash struct {
	Input []byte
	Err   error
}

func (c Crash) String() string {
	return fmt.Sprintf("%q: %v", c.Input, c.Err)
}

// ByteMutator inserts, flips, replaces or deletes a single byte.
func ByteMutator() Mutator {
	return func(r *rand.Rand, in []byte) []byte {
		out := append([]byte(nil), in...)
		switch {
		case len(out) == 0 || r.IntN(3) == 0:
			pos := r.IntN(len(out) + 1)
			out = append(out[:pos], append([]byte{byte(r.IntN(256))}, out[pos:]...)...)
		case r.IntN(2) == 0:
			pos := r.IntN(len(out))
			if r.IntN(2) == 0 {
				out[pos] ^= 1 << r.IntN(8)
			} else {
				out[pos] = byte(r.IntN(256))
			}
		default:
			pos := r.IntN(len(out))
			out = append(out[:pos], out[pos+1:]...)
		}
		return out
	}
}

// interesting holds boundary values substituted for numeric fields.
var interesting = []uint64{
	0, 1, 0x10, 0xfff, 0x1000, 0x1001, 0x2000, 0x10000,
	1 << 31, 1<<32 - 1, 1 << 32, 1 << 62, 1 << 63, 1<<64 - 1,
}

// LineMutator edits line-oriented text: it deletes, duplicates or swaps
// lines, or replaces a numeric field with a boundary value.
func LineMutator() Mutator {
	return func(r *rand.Rand, in []byte) []byte {
		lines := bytes.Split(in, []byte("\n"))
		if len(lines) == 0 {
			return append([]byte(nil), in...)
		}
		i := r.IntN(len(lines))
		switch r.IntN(4) {
		case 0:
			if len(lines) > 1 {
				lines = append(lines[:i:i], lines[i+1:]...)
			}
		case 1:
			lines = append(lines[:i+1:i+1], lines[i:]...)
		case 2:
			j := r.IntN(len(lines))
			lines[i], lines[j] = lines[j], lines[i]
		default:
			fields := bytes.Fields(lines[i])
			if len(fields) > 0 {
				k := r.IntN(len(fields))
				v := interesting[r.IntN(len(interesting))]
				fields[k] = []byte("0x" + strconv.FormatUint(v, 16))
				lines[i] = bytes.Join(fields, []byte(" "))
			}
		}
		return bytes.Join(lines, []byte("\n"))
	}
}

// Chain picks one of muts at random for every mutation.
func Chain(muts ...Mutator) Mutator {
	return func(r *rand.Rand, in []byte) []byte {
		return muts[r.IntN(len(muts))](r, in)
	}
}

// Run executes a fuzzing campaign until the duration elapses, MaxExecs is
// reached or ctx is done. Each worker starts from a corpus entry and keeps
// mutating its current input. A nil mut uses ByteMutator.
func Run(ctx context.Context, opts Options, corpus []CorpusEntry, target Target, mut Mutator) (Stats, []Crash) {
	if opts.Duration <= 0 {
		opts.Duration = 3 * time.Second
	}
	if opts.MaxInput <= 0 {
		opts.MaxInput = 1 << 12
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if mut == nil {
		mut = ByteMutator()
	}
	if len(corpus) == 0 {
		corpus = []CorpusEntry{nil}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var (
		execs   atomic.Uint64
		mu      sync.Mutex
		crashes []Crash
	)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Concurrency; w++ {
		r := rand.New(rand.NewPCG(opts.Seed, uint64(w)))
		g.Go(func() error {
			cur := []byte(corpus[w%len(corpus)])
			for ctx.Err() == nil {
				n := execs.Add(1)
				if opts.MaxExecs > 0 && n > opts.MaxExecs {
					return nil
				}

				cand := mut(r, cur)
				if len(cand) > opts.MaxInput {
					cand = cand[:opts.MaxInput]
				}
				if err := callTargetSafe(target, cand); err != nil {
					mu.Lock()
					crashes = append(crashes, Crash{Input: cand, Err: err})
					mu.Unlock()
					// Restart from a seed so one crash does not dominate.
					cur = []byte(corpus[r.IntN(len(corpus))])
					continue
				}
				cur = cand
				if r.IntN(16) == 0 {
					cur = []byte(corpus[r.IntN(len(corpus))])
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	total := execs.Load()
	if opts.MaxExecs > 0 && total > opts.MaxExecs {
		total = opts.MaxExecs
	}
	return Stats{Executions: total, Crashes: uint64(len(crashes))}, crashes
}

// callTargetSafe invokes the target and converts panics into errors for recording.
func callTargetSafe(t Target, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t(data)
}

// Minimize shrinks a failing input while the target keeps failing. It drops
// whole lines first and then single bytes, stopping when budget is spent or
// no single removal preserves the failure.
func Minimize(in []byte, target Target, budget time.Duration) []byte {
	fails := func(b []byte) bool { return callTargetSafe(target, b) != nil }
	best := append([]byte(nil), in...)
	if !fails(best) {
		return best
	}
	deadline := time.Now().Add(budget)

	for progressed := true; progressed && time.Now().Before(deadline); {
		progressed = false
		lines := bytes.Split(best, []byte("\n"))
		for i := 0; i < len(lines) && len(lines) > 1; i++ {
			cand := bytes.Join(append(append([][]byte(nil), lines[:i]...), lines[i+1:]...), []byte("\n"))
			if fails(cand) {
				best, progressed = cand, true
				break
			}
		}
	}
	for progressed := true; progressed && time.Now().Before(deadline); {
		progressed = false
		for i := 0; i < len(best) && time.Now().Before(deadline); i++ {
			cand := append(append([]byte(nil), best[:i]...), best[i+1:]...)
			if len(cand) > 0 && fails(cand) {
				best, progressed = cand, true
				break
			}
		}
	}
	return best
}
