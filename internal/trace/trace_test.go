package trace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orizon-lang/heapcore/internal/errors"
	"github.com/orizon-lang/heapcore/internal/region"
	"github.com/orizon-lang/heapcore/internal/testrunner/assert"
	"github.com/orizon-lang/heapcore/internal/testrunner/fuzz"
	"github.com/orizon-lang/heapcore/internal/testrunner/golden"
)

const (
	page  = 0x1000
	begin = 0x10000
)

func newAllocator(t *testing.T) *region.Allocator {
	t.Helper()
	a, err := region.New(begin, 16*page, page)
	assert.NoError(t, err)
	return a
}

func mustParse(t *testing.T, src string) *Trace {
	t.Helper()
	tr, err := Parse(strings.NewReader(src))
	assert.NoError(t, err)
	return tr
}

func TestParse(t *testing.T) {
	tr := mustParse(t, `
# warm up
heapctl-trace 1.2.0
alloc 0x2000
alloc 0x1000 0x4000   # aligned
alloc-random 4096
alloc-at 0x1c000 0x1000
free 0x10000 0x2000
free-at 0x14000
check
`)
	assert.Equal(t, tr.Version.String(), "1.2.0")
	assert.Equal(t, len(tr.Ops), 7)
	assert.Equal(t, tr.Ops[0], Op{Kind: Alloc, Size: 0x2000, Line: 4})
	assert.Equal(t, tr.Ops[1], Op{Kind: Alloc, Size: 0x1000, Alignment: 0x4000, Line: 5})
	assert.Equal(t, tr.Ops[2].Kind, AllocRandom)
	assert.Equal(t, tr.Ops[3], Op{Kind: AllocAt, Addr: 0x1c000, Size: 0x1000, Line: 7})
	assert.Equal(t, tr.Ops[4], Op{Kind: Free, Addr: 0x10000, Size: 0x2000, Line: 8})
	assert.Equal(t, tr.Ops[5], Op{Kind: FreeAt, Addr: 0x14000, Line: 9})
	assert.Equal(t, tr.Ops[6].Kind, Check)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"empty", "# nothing\n", 1},
		{"missing header", "alloc 4096\n", 1},
		{"bad version", "heapctl-trace one\n", 1},
		{"unsupported version", "heapctl-trace 2.0.0\n", 1},
		{"unknown op", "heapctl-trace 1.0\nresize 1\n", 2},
		{"bad number", "heapctl-trace 1.0\nalloc 4k\n", 2},
		{"too few args", "heapctl-trace 1.0\nalloc-at 0x1000\n", 2},
		{"too many args", "heapctl-trace 1.0\ncheck 1\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.src))
			var pe *ParseError
			if !assert.True(t, errors.As(err, &pe), "want ParseError, got %v", err) {
				return
			}
			assert.Equal(t, pe.Line, tt.line)
		})
	}
}

func TestFormatParsesBack(t *testing.T) {
	tr := mustParse(t, "heapctl-trace 1.0.0\nalloc 0x2000 0x2000\nalloc-at 0x18000 0x1000\nfree-at 0x18000\nfree 0x10000 0x1000\ncheck\n")
	var buf bytes.Buffer
	assert.NoError(t, Format(&buf, tr))
	again := mustParse(t, buf.String())
	assert.Equal(t, len(again.Ops), len(tr.Ops))
	for i := range tr.Ops {
		assert.Equal(t, again.Ops[i].String(), tr.Ops[i].String())
	}
}

func TestReplay(t *testing.T) {
	a := newAllocator(t)
	tr := mustParse(t, `heapctl-trace 1.0
alloc 0x2000
alloc 0x1000 0x4000
alloc-at 0x1c000 0x1000
alloc-at 0x1c000 0x1000
free-at 0x10000
free-at 0x10000
alloc 0x100000
free 0x14000 0x1000
check
`)
	results, err := NewReplayer(a, nil, nil).Replay(context.Background(), tr.Ops)
	assert.NoError(t, err)
	assert.Equal(t, len(results), len(tr.Ops))

	assert.Equal(t, results[0].Addr, region.Address(0x10000))
	assert.Equal(t, results[1].Addr, region.Address(0x14000))
	assert.True(t, results[2].OK)
	assert.False(t, results[3].OK, "second alloc-at of the same span must fail")
	assert.Equal(t, results[4].Size, uintptr(0x2000))
	assert.False(t, results[5].OK)
	assert.False(t, results[6].OK, "oversized alloc must fail")
	assert.True(t, strings.HasSuffix(results[6].String(), "failed"))
	assert.Equal(t, a.AllocatedSize(), uintptr(0x1000))
	assert.True(t, a.IsUsed(0x1c000))

	var out strings.Builder
	for _, r := range results {
		fmt.Fprintln(&out, r)
	}
	golden.Assert(t, "replay_basic", out.String())
}

func TestReplayRandom(t *testing.T) {
	a := newAllocator(t)
	tr := mustParse(t, "heapctl-trace 1.0\nalloc-random 0x1000\nalloc-random 0x2000 0x2000\n")

	_, err := NewReplayer(a, nil, nil).Replay(context.Background(), tr.Ops)
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	results, err := NewReplayer(a, region.NewRandomSource(7), nil).Replay(context.Background(), tr.Ops)
	assert.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.OK)
		assert.True(t, a.IsUsed(r.Addr))
	}
	assert.Equal(t, uintptr(results[1].Addr)%0x2000, uintptr(0))
}

func TestReplayRejectsInvalidOps(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"unaligned size", "alloc 0x1800", errors.ErrMisaligned},
		{"zero size", "alloc 0", errors.ErrMisaligned},
		{"alignment not power of two", "alloc 0x1000 0x3000", errors.ErrNotPowerOfTwo},
		{"alloc-at outside", "alloc-at 0x8000 0x1000", errors.ErrOutOfRange},
		{"alloc-at past end", "alloc-at 0x1f000 0x2000", errors.ErrOutOfRange},
		{"alloc-at unaligned", "alloc-at 0x10800 0x1000", errors.ErrMisaligned},
		{"free unaligned", "free 0x10010 0x1000", errors.ErrMisaligned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := mustParse(t, "heapctl-trace 1.0\nalloc 0x1000\n"+tt.src+"\n")
			results, err := NewReplayer(newAllocator(t), nil, nil).Replay(context.Background(), tr.Ops)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, strings.HasPrefix(err.Error(), "line 3:"), "got %v", err)
			assert.Equal(t, len(results), 1)
		})
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := mustParse(t, "heapctl-trace 1.0\nalloc 0x1000\n")
	results, err := NewReplayer(newAllocator(t), nil, nil).Replay(ctx, tr.Ops)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, len(results), 0)
}

func TestWatchReportsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.trace")
	assert.NoError(t, os.WriteFile(path, []byte("heapctl-trace 1.0\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func() error {
			calls.Add(1)
			return nil
		})
	}()

	// The watcher registers asynchronously; keep writing until it notices.
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("heapctl-trace 1.0\ncheck\n"), 0o644)
		return calls.Load() > 0
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// Malformed traces must come back as errors, never as allocator panics.
func TestFuzzParseAndReplay(t *testing.T) {
	corpus := []fuzz.CorpusEntry{
		[]byte("heapctl-trace 1.0\nalloc 0x2000\nalloc 0x1000 0x4000\nfree-at 0x10000\ncheck\n"),
		[]byte("heapctl-trace 1.1.0\nalloc-at 0x1c000 0x2000\nfree 0x1b000 0x3000\nalloc-random 0x1000\n"),
		[]byte("heapctl-trace 1.0\nalloc-random 0x4000 0x8000\nfree 0x0 0x100000\nalloc 0x10000\n"),
	}
	target := func(data []byte) error {
		tr, err := Parse(bytes.NewReader(data))
		if err != nil {
			return nil
		}
		_, err = NewReplayer(newAllocator(t), region.NewRandomSource(1), nil).Replay(context.Background(), tr.Ops)
		if err != nil && !errors.Is(err, errors.ErrInvalidState) && !errors.Is(err, errors.ErrMisaligned) &&
			!errors.Is(err, errors.ErrInvalidSize) && !errors.Is(err, errors.ErrNotPowerOfTwo) &&
			!errors.Is(err, errors.ErrOutOfRange) {
			return err
		}
		return nil
	}
	stats, crashes := fuzz.Run(context.Background(), fuzz.Options{Seed: 11, MaxExecs: 5000, Duration: 20 * time.Second},
		corpus, target, fuzz.Chain(fuzz.LineMutator(), fuzz.ByteMutator()))
	for _, c := range crashes {
		t.Errorf("crash: %s\nminimized: %q", c, fuzz.Minimize(c.Input, target, time.Second))
	}
	assert.True(t, stats.Executions > 0)
}
