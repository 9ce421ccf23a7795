//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pagealloc

import "log/slog"

// NewOSPageAllocator falls back to the simulated allocator on platforms
// without mmap.
func NewOSPageAllocator() PageAllocator {
	slog.Warn("pagealloc: no OS page allocator for this platform, using simulated pages")
	return NewSimulatedPageAllocator(SimulatedBase, 4096)
}
