package router

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long to wait for further writes before reloading.
const reloadDebounce = 500 * time.Millisecond

// Watcher hot-reloads the routing table when the policy file changes.
type Watcher struct {
	router *Router
	path   string
	logger *slog.Logger
}

// NewWatcher creates a policy-file watcher for the router.
func NewWatcher(r *Router, path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{router: r, path: path, logger: logger}
}

// Run watches the policy file until ctx is cancelled. Editors replace
// files on save, so the parent directory is watched and events are
// filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Policy watcher error", "error", err)

		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	table, err := LoadTable(w.path)
	if err != nil {
		w.logger.Error("Failed to reload routing policy, keeping previous table",
			"path", w.path, "error", err)
		return
	}
	if err := w.router.Reload(table); err != nil {
		w.logger.Error("Rejected reloaded routing policy", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Routing policy reloaded", "path", w.path, "task_types", len(table)-1)
}
