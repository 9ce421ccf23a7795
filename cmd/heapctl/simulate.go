package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/orizon-lang/heapcore/internal/config"
	"github.com/orizon-lang/heapcore/internal/heap"
	"github.com/orizon-lang/heapcore/internal/pagealloc"
	"github.com/orizon-lang/heapcore/internal/platform"
	"github.com/orizon-lang/heapcore/internal/region"
)

// thresholdCounter counts allocation observer notifications.
type thresholdCounter struct {
	increased, decreased int
}

func (c *thresholdCounter) AllocatedObjectSizeIncreased(uintptr) { c.increased++ }
func (c *thresholdCounter) AllocatedObjectSizeDecreased(uintptr) { c.decreased++ }

type simulation struct {
	cfg    *config.Config
	logger *slog.Logger
	rng    region.RandomSource

	space *pagealloc.VirtualSpace
	plat  *platform.DefaultPlatform
	heap  *heap.Heap
}

func newSimulation(cfg *config.Config, logger *slog.Logger) (*simulation, error) {
	var pa pagealloc.PageAllocator
	if cfg.SimulatedPages {
		pa = pagealloc.NewSimulatedPageAllocator(pagealloc.SimulatedBase, 4096)
	} else {
		pa = pagealloc.NewOSPageAllocator()
	}

	rng := region.NewRandomSource(cfg.Seed)
	opts := []pagealloc.Option{pagealloc.WithLogger(logger)}
	if cfg.Randomize {
		opts = append(opts, pagealloc.WithRandomization(rng))
	}
	space, err := pagealloc.Reserve(pa, uintptr(cfg.ReservationSize), uintptr(cfg.MinRegionSize), opts...)
	if err != nil {
		return nil, fmt.Errorf("reserve heap: %w", err)
	}

	plat := platform.NewDefaultPlatform(cfg.Platform(logger))
	h, err := heap.New(cfg.Heap(), space, plat, heap.WithLogger(logger))
	if err != nil {
		_ = space.Close()
		return nil, err
	}
	return &simulation{cfg: cfg, logger: logger, rng: rng, space: space, plat: plat, heap: h}, nil
}

func (s *simulation) close() error {
	err := s.heap.Close()
	s.plat.Wait()
	if cerr := s.space.Close(); err == nil {
		err = cerr
	}
	return err
}

// objectSize draws from a mix of small objects with the occasional large
// one.
func (s *simulation) objectSize() uintptr {
	r := s.rng.Uint64()
	switch {
	case r%100 == 0:
		return uintptr(s.cfg.LargeObjectThreshold) + uintptr(r>>8)%uintptr(s.cfg.PageSize)
	case r%10 == 0:
		return 64 + uintptr(r>>8)%1024
	default:
		return 8 + uintptr(r>>8)%56
	}
}

// cycle allocates n objects, keeps each live object with probability
// survival percent and collects the rest.
func (s *simulation) cycle(live []heap.Address, n int, survival uint64) ([]heap.Address, heap.Event, error) {
	for i := 0; i < n; i++ {
		addr, err := s.heap.Allocate(s.objectSize())
		if err != nil {
			return live, heap.Event{}, err
		}
		live = append(live, addr)
	}
	survivors := live[:0]
	for _, addr := range live {
		if s.rng.Uint64()%100 < survival {
			survivors = append(survivors, addr)
		}
	}
	ev, err := s.heap.CollectGarbage(survivors)
	return survivors, ev, err
}

func runSimulate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	var (
		common     commonFlags
		objects    int
		cycles     int
		survival   uint64
		concurrent bool
		atomic     bool
	)
	common.register(fs)
	fs.IntVar(&objects, "objects", 10000, "objects allocated per cycle")
	fs.IntVar(&cycles, "cycles", 3, "number of collection cycles")
	fs.Uint64Var(&survival, "survival", 50, "percentage of live objects kept by each cycle")
	fs.BoolVar(&concurrent, "concurrent", false, "unmark concurrently after each cycle")
	fs.BoolVar(&atomic, "atomic", false, "unmark atomically after each cycle")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if concurrent && atomic {
		return fmt.Errorf("-concurrent and -atomic are mutually exclusive")
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	mode, _ := cfg.Unmark()
	switch {
	case concurrent:
		mode = heap.UnmarkConcurrent
	case atomic:
		mode = heap.UnmarkAtomic
	}

	sim, err := newSimulation(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sim.close(); err != nil {
			logger.Error("teardown failed", "error", err)
		}
	}()

	counter := &thresholdCounter{}
	sim.heap.Stats().RegisterObserver(counter)
	defer sim.heap.Stats().UnregisterObserver(counter)

	fmt.Fprintf(out, "%-6s %-10s %-12s %-12s %-12s %s\n", "cycle", "live", "marked", "allocated", "committed", "regions")
	var live []heap.Address
	for i := 1; i <= cycles; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev heap.Event
		live, ev, err = sim.cycle(live, objects, survival)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		if err := sim.heap.StartUnmarking(mode); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		st := sim.space.Stats()
		fmt.Fprintf(out, "%-6d %-10d %-12d %-12d %-12d %d\n",
			i, len(live), ev.MarkedBytes, sim.heap.Stats().AllocatedObjectSize(), st.Committed, st.Regions)
	}
	sim.heap.FinishUnmarking()

	fmt.Fprintf(out, "\nobserver notifications: %d increases, %d decreases (unmark mode %s)\n",
		counter.increased, counter.decreased, mode)
	if err := sim.space.CheckInvariants(); err != nil {
		return err
	}
	sim.space.Dump(out)
	return nil
}
