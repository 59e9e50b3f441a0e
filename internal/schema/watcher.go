package schema

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"kgraph/internal/logging"
)

// Watcher auto-registers schema descriptor files from a directory. Files
// ending in .yaml, .yml, or .json are loaded on startup and re-registered
// whenever they are created or modified. Invalid descriptors are logged and
// skipped; the previously registered schema stays active.
type Watcher struct {
	registry *Registry
	dir      string
}

// NewWatcher returns a watcher feeding the given registry.
func NewWatcher(registry *Registry, dir string) *Watcher {
	return &Watcher{registry: registry, dir: dir}
}

// Start performs the initial directory scan and then watches for changes
// until ctx is cancelled. It blocks; run it on its own goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Scan(); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	logging.Schema("Watching %s for schema descriptors", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isDescriptor(ev.Name) {
				continue
			}
			w.loadFile(ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategorySchema).Warn("Watcher error: %v", err)
		}
	}
}

// Scan registers every descriptor already present in the directory. Start
// calls it; one-shot callers can use it alone.
func (w *Watcher) Scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isDescriptor(e.Name()) {
			continue
		}
		w.loadFile(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *Watcher) loadFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logging.Get(logging.CategorySchema).Warn("Could not read %s: %v", path, err)
		return
	}
	kbID, warnings, err := w.registry.Register(raw)
	if err != nil {
		logging.Get(logging.CategorySchema).Warn("Skipping %s: %v", path, err)
		return
	}
	logging.Schema("Loaded schema %s from %s (%d warnings)", kbID, path, len(warnings))
}

func isDescriptor(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
