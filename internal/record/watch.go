package record

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watch keeps the in-memory view in sync with instance directories appearing
// in or leaving the barn directory. It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("record: watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("record: watch %s: %w", s.dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handle(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Barn watcher error", "error", err)
		}
	}
}

func (s *FileStore) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if filepath.Dir(ev.Name) != filepath.Clean(s.dir) || isHidden(name) || !ValidName(name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		s.refresh(name)
		slog.Info("Instance discovered", "name", name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		s.forget(name)
		slog.Info("Instance removed", "name", name)
	}
}

// Watcher runs Watch as a scheduler loop controller and resyncs the whole
// barn on every tick in case an event was missed.
type Watcher struct {
	Store *FileStore

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *Watcher) Name() string { return "barn-watcher" }

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.Store.Watch(ctx); err != nil {
			slog.Error("Barn watcher stopped", "error", err)
		}
	}()
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (w *Watcher) OnTick(ctx context.Context) error {
	return w.Store.Reload(ctx)
}
