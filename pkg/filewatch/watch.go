// Package filewatch reloads small config files when they change on disk.
package filewatch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 200 * time.Millisecond

// Watch calls reload whenever path is written, created or renamed into
// place. It watches the parent directory so atomic replace-on-save is seen.
// Watch blocks until ctx ends. Reload errors are logged and the watch
// continues.
func Watch(ctx context.Context, path string, logger *zap.Logger, reload func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(DefaultDebounce)
			} else {
				timer.Reset(DefaultDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := reload(); err != nil {
				logger.Warn("Reload failed, keeping previous contents",
					zap.String("path", abs),
					zap.Error(err))
				continue
			}
			logger.Info("Reloaded file", zap.String("path", abs))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error", zap.String("path", abs), zap.Error(err))
		}
	}
}
