package config

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flapi-io/flapi/pkg/logger"
)

// debounceWindow coalesces editor write bursts into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watcher watches the template root and reloads descriptors that change
// on disk, feeding the live-edit surface without a restart.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher over the registry's template root,
// registering every subdirectory.
func NewWatcher(registry *Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	root := registry.Snapshot().Project.TemplateRoot()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{registry: registry, watcher: fsw}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounceWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isYAML(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("template watcher: %v", err)

		case now := <-ticker.C:
			for path, seen := range pending {
				if now.Sub(seen) < debounceWindow {
					continue
				}
				delete(pending, path)
				if err := w.registry.Reload(path); err != nil {
					logger.Warnf("auto-reload of %s failed: %v", path, err)
				}
			}
		}
	}
}
