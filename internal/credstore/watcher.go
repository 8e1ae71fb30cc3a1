package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// RootEvent reports a session directory appearing or disappearing under
// the sessions root outside this process, e.g. an operator dropping in a
// migrated session or wiping one by hand.
type RootEvent struct {
	SessionID string
	Removed   bool
}

// RootWatcher monitors the sessions root for externally added or removed
// session directories.
type RootWatcher struct {
	root   string
	logger *slog.Logger
	events chan RootEvent
}

// NewRootWatcher creates a watcher over the store's root directory.
func NewRootWatcher(store *Store, logger *slog.Logger) *RootWatcher {
	return &RootWatcher{
		root:   store.Root(),
		logger: logger,
		events: make(chan RootEvent, 16),
	}
}

// Events returns the channel of root events. Closed when Watch returns.
func (w *RootWatcher) Events() <-chan RootEvent {
	return w.events
}

// Watch blocks until the context is cancelled, emitting RootEvents for
// session directories created or removed under the root. Only the top
// level is watched; churn inside session directories is not reported.
func (w *RootWatcher) Watch(ctx context.Context) error {
	defer close(w.events)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.root); err != nil {
		return fmt.Errorf("watching sessions root: %w", err)
	}

	w.logger.Info("sessions root watcher started", slog.String("dir", w.root))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue // temp files from write-then-rename
			}

			switch {
			case event.Has(fsnotify.Create):
				info, err := os.Stat(event.Name)
				if err != nil || !info.IsDir() {
					continue
				}

				w.emit(ctx, RootEvent{SessionID: name})

			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				w.emit(ctx, RootEvent{SessionID: name, Removed: true})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("sessions root watcher error", slog.Any("error", err))
		}
	}
}

func (w *RootWatcher) emit(ctx context.Context, ev RootEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
