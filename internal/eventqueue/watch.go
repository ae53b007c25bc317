package eventqueue

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch runs the filesystem-to-Queue translation loop: it recursively adds
// every directory under root to watcher, converts each fsnotify.Event into
// an Event relative to root, fans RENAME out into a DELETE (the paired
// CREATE for the new name arrives as its own fsnotify event, per spec.md
// §4.5 "Event types"), and calls Enqueue. It blocks until ctx is cancelled
// or watcher.Events()/Errors() closes, adapted from the teacher's
// LocalObserver watch loop (internal/sync/observer_local.go) from a
// scan-then-diff baseline to direct event translation, since StorageEventQueue
// already owns debounce/dedup downstream.
func (q *Queue) Watch(ctx context.Context, watcher FsWatcher, root string) error {
	if err := addRecursive(watcher, root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			q.handleFsEvent(ctx, watcher, root, ev)

		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			q.logger.Warn("eventqueue: watcher error", "error", err)
		}
	}
}

func (q *Queue) handleFsEvent(ctx context.Context, watcher FsWatcher, root string, ev fsnotify.Event) {
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		return
	}

	rel = filepath.ToSlash(rel)

	switch {
	case ev.Op&fsnotify.Create != 0:
		info, statErr := os.Stat(ev.Name)
		if statErr != nil {
			return
		}

		if info.IsDir() {
			_ = watcher.Add(ev.Name)

			return
		}

		q.Enqueue(ctx, Event{Path: rel, Type: Create, Mtime: info.ModTime(), Size: info.Size()})

	case ev.Op&fsnotify.Write != 0:
		info, statErr := os.Stat(ev.Name)
		if statErr != nil {
			return
		}

		q.Enqueue(ctx, Event{Path: rel, Type: Changed, Mtime: info.ModTime(), Size: info.Size()})

	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		q.Enqueue(ctx, Event{Path: rel, Type: Delete, Mtime: time.Now()})
	}
}

func addRecursive(watcher FsWatcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
}
