package trace

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses the burst of events an editor save produces.
const debounce = 50 * time.Millisecond

// Watch calls onChange every time the file at path is written or replaced,
// until ctx is done. The parent directory is watched so that editors which
// save by rename keep triggering. Errors from onChange are logged and do not
// stop the watch.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "path", abs, "error", err)
		case <-timer.C:
			if err := onChange(); err != nil {
				logger.Error("reload failed", "path", abs, "error", err)
			}
		}
	}
}
