package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/orizon-lang/heapcore/internal/region"
	"github.com/orizon-lang/heapcore/internal/trace"
)

func runReplay(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var (
		common commonFlags
		watch  bool
		seed   uint64
		base   uint64
	)
	common.register(fs)
	fs.BoolVar(&watch, "watch", false, "replay again whenever the trace file changes")
	fs.Uint64Var(&seed, "seed", 0, "seed for alloc-random (overrides the configured seed)")
	fs.Uint64Var(&base, "base", 0, "first address of the replayed range")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: heapctl replay [OPTIONS] <trace>\n\nOPTIONS:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("replay takes exactly one trace file")
	}
	path := fs.Arg(0)

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if seed == 0 {
		seed = cfg.Seed
	}

	run := func() error {
		alloc, err := region.New(region.Address(base), uintptr(cfg.ReservationSize), uintptr(cfg.MinRegionSize))
		if err != nil {
			return err
		}
		return replayFile(ctx, path, alloc, region.NewRandomSource(seed), logger, out)
	}
	if err := run(); err != nil && !watch {
		return err
	} else if err != nil {
		logger.Error("replay failed", "path", path, "error", err)
	}
	if !watch {
		return nil
	}
	logger.Info("watching trace", "path", path)
	return trace.Watch(ctx, path, logger, run)
}

func replayFile(ctx context.Context, path string, alloc *region.Allocator, rng region.RandomSource, logger *slog.Logger, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tr, err := trace.Parse(f)
	if err != nil {
		return err
	}
	logger.Debug("parsed trace", "path", path, "version", tr.Version.String(), "ops", len(tr.Ops))

	results, err := trace.NewReplayer(alloc, rng, logger).Replay(ctx, tr.Ops)
	for _, r := range results {
		fmt.Fprintln(out, r)
	}
	fmt.Fprintf(out, "\nfree %#x of %#x bytes in %d regions\n", alloc.FreeSize(), alloc.Size(), alloc.RegionCount())
	alloc.Dump(out)
	return err
}
