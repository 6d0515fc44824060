package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the defaults file into a Holder on change.
type Watcher struct {
	watcher *fsnotify.Watcher
	holder  *Holder
	path    string
}

func NewWatcher(holder *Holder, path string) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("defaults file path required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat defaults file: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	return &Watcher{watcher: w, holder: holder, path: path}, nil
}

// Run blocks until ctx is cancelled. Edits are debounced so editors
// that write in several syscalls trigger a single reload; a reload that
// fails validation keeps the previous defaults.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					d, err := Load(w.path)
					if err != nil {
						log.Printf("defaults hot-reload failed, keeping previous: %v", err)
						return
					}
					w.holder.Swap(d)
					log.Printf("defaults hot-reload: %s applied", w.path)
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("defaults file watcher error: %v", err)
		}
	}
}
