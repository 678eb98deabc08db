package mapping

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher reloads a mapping file into a Set whenever it changes on disk.
// The parent directory is watched so editors that replace the file via
// rename are picked up too.
type Watcher struct {
	path   string
	set    *Set
	logger Logger
}

func NewWatcher(path string, set *Set, logger Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{path: filepath.Clean(path), set: set, logger: logger}
}

// Reload reads the file once and swaps the rules in. A file that fails to
// parse leaves the previous rules active.
func (w *Watcher) Reload() error {
	rules, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	w.set.Replace(rules)
	return nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mapping: create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("mapping: watch %s: %w", filepath.Dir(w.path), err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Printf("mapping reload failed: %v", err)
				continue
			}
			w.logger.Printf("mapping reloaded from %s", w.path)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("mapping watcher error: %v", err)
		}
	}
}
