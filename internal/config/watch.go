package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the project and user config file paths and signals
// Changed whenever either is written. The signal only invalidates the
// next Resolve call — a TurnContext already in flight is never mutated
// mid-turn, matching "TurnContext is immutable once constructed".
type Watcher struct {
	fsw     *fsnotify.Watcher
	Changed chan struct{}
	done    chan struct{}
}

// NewWatcher watches the given file paths. Missing files are skipped
// rather than erroring, since a project or user config file is optional.
func NewWatcher(paths ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fsw: fsw, Changed: make(chan struct{}, 1), done: make(chan struct{})}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := fsw.Add(p); err != nil {
			slog.Debug("config: not watching path", "path", p, "err", err)
		}
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				select {
				case w.Changed <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "err", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
