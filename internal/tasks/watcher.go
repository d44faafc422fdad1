package tasks

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher signals when the task file is edited outside the orchestrator,
// so the run loop can cut its poll interval short. The watcher is purely
// advisory; the store re-reads the file at the start of every cycle
// regardless.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	logger *zap.Logger
	ch     chan struct{}
	done   chan struct{}
}

// NewWatcher watches the directory containing the task file. Watching the
// directory rather than the file survives the atomic rename the store uses
// on every save.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		fsw:    fsw,
		path:   path,
		logger: logger,
		ch:     make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Changed returns a channel that receives a signal when the task file
// changes. The channel has capacity one; coalesced bursts deliver a single
// signal.
func (w *Watcher) Changed() <-chan struct{} {
	return w.ch
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("task file changed", zap.String("op", event.Op.String()))
			select {
			case w.ch <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("task file watcher error", zap.Error(err))
		}
	}
}
