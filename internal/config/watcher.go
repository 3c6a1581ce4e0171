package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the settings snapshot when settings.json changes on
// disk. Editors and the settings API both write via rename, so the
// watcher listens on the directory rather than the file itself.
type Watcher struct {
	manager *Manager
	logger  *slog.Logger
}

func NewWatcher(manager *Manager, logger *slog.Logger) *Watcher {
	return &Watcher{manager: manager, logger: logger}
}

// Run blocks until ctx is cancelled. Reload failures are logged and the
// previous snapshot stays current.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.manager.GetPath())
	if err := fw.Add(dir); err != nil {
		return err
	}

	// Renames arrive as bursts of events; debounce before reloading.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.manager.GetPath() {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(200 * time.Millisecond)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("settings watcher error", "error", err)
		case <-pending:
			pending = nil
			if _, err := w.manager.Load(); err != nil {
				w.logger.Warn("settings reload failed", "error", err)
			} else {
				w.logger.Info("settings reloaded", "path", w.manager.GetPath())
			}
		}
	}
}
