package eventqueue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timing constants per spec.md §5.
const (
	DebounceWindow  = 500 * time.Millisecond
	TouchRingWait   = 10 * time.Millisecond
	ApplyGracePause = 1 * time.Second
)

// StoreFunc is store_file_to_db: persists a CREATE/CHANGED event's file
// content into LocalStore (spec.md §4.6). force bypasses the
// content-identity short-circuit.
type StoreFunc func(ctx context.Context, ev Event, force bool) error

// DeleteFunc is delete_file_from_db: writes a tombstone for a DELETE event.
type DeleteFunc func(ctx context.Context, ev Event) error

// Queue is the StorageEventQueue: it debounces and deduplicates raw vault
// events, suppresses self-triggered feedback via the TouchRing and
// ProcessingSet, and dispatches survivors to StoreFunc/DeleteFunc.
//
// Per-path ordering is preserved by funneling every event for a path
// through that path's own debounce timer and, ultimately, a single
// dispatch goroutine per path at a time (spec.md §5 "Ordering
// guarantees").
type Queue struct {
	logger *slog.Logger

	touchRing  *TouchRing
	processing *ProcessingSet
	ignore     IgnoreMatcher

	store  StoreFunc
	delete DeleteFunc

	watching  atomic.Bool
	suspended atomic.Bool

	mu               sync.Mutex
	debounceTimers   map[string]*time.Timer
	lastProcessedMts map[lastProcessedKey]time.Time

	debounceWindow time.Duration
	touchRingWait  time.Duration

	sleepFunc func(d time.Duration)
}

type lastProcessedKey struct {
	eventType Type
	path      string
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithIgnoreMatcher sets the admission-time ignore-pattern filter.
func WithIgnoreMatcher(m IgnoreMatcher) Option {
	return func(q *Queue) { q.ignore = m }
}

// WithDebounceWindow overrides the debounce duration, used by tests that
// need a fast feedback loop.
func WithDebounceWindow(d time.Duration) Option {
	return func(q *Queue) { q.debounceWindow = d }
}

// WithTouchRingWait overrides the touch-ring recheck delay, used by tests.
func WithTouchRingWait(d time.Duration) Option {
	return func(q *Queue) { q.touchRingWait = d }
}

// New constructs a Queue. store and delete must be non-nil.
func New(logger *slog.Logger, store StoreFunc, delete DeleteFunc, opts ...Option) *Queue {
	q := &Queue{
		logger:           logger,
		touchRing:        NewTouchRing(),
		processing:       NewProcessingSet(),
		ignore:           NoopIgnore{},
		store:            store,
		delete:           delete,
		debounceTimers:   make(map[string]*time.Timer),
		lastProcessedMts: make(map[lastProcessedKey]time.Time),
		debounceWindow:   DebounceWindow,
		touchRingWait:    TouchRingWait,
		sleepFunc:        time.Sleep,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Start begins admitting events (spec.md §4.5 admission filter 1: "If the
// global watching flag is false... drop").
func (q *Queue) Start() { q.watching.Store(true) }

// Stop stops admitting new events. In-flight debounce timers still fire and
// dispatch, matching spec.md §5's drain-then-stop cancellation semantics
// for a graceful stop_sync; callers that need a hard stop should cancel the
// context passed to Enqueue/dispatch instead.
func (q *Queue) Stop() { q.watching.Store(false) }

// Suspend drops all incoming events without processing them, used while
// applying remote updates (spec.md §4.5 admission filter 1).
func (q *Queue) Suspend() { q.suspended.Store(true) }

// Resume undoes Suspend.
func (q *Queue) Resume() { q.suspended.Store(false) }

// Touch records that the engine itself just wrote (path, mtime, size) to
// the vault, so the feedback event fsnotify delivers for that write is
// recognized and dropped (spec.md §4.6 "apply_doc_to_file" step 4).
func (q *Queue) Touch(path string, mtime time.Time, size int64) {
	q.touchRing.Touch(path, mtime, size)
}

// MarkProcessing marks path in the processing-set for the default TTL.
func (q *Queue) MarkProcessing(path string) { q.processing.Mark(path, 0) }

// UnmarkProcessing removes path from the processing-set.
func (q *Queue) UnmarkProcessing(path string) { q.processing.Unmark(path) }

// Enqueue admits a raw vault event, applying the filters and debounce of
// spec.md §4.5. CHANGED events are debounced per path; DELETE cancels any
// pending debounce timer for the same path.
func (q *Queue) Enqueue(ctx context.Context, ev Event) {
	if !q.admit(ev) {
		return
	}

	if ev.Type == Delete {
		q.cancelDebounce(ev.Path)
		q.dispatch(ctx, ev)

		return
	}

	q.debounce(ctx, ev)
}

func (q *Queue) admit(ev Event) bool {
	if !q.watching.Load() || q.suspended.Load() {
		return false
	}

	if q.processing.Contains(ev.Path) {
		q.logger.Debug("dropping event for path in processing-set", "path", ev.Path)

		return false
	}

	if q.ignore.Ignored(ev.Path) {
		return false
	}

	return true
}

func (q *Queue) debounce(ctx context.Context, ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.debounceTimers[ev.Path]; ok {
		existing.Stop()
	}

	q.debounceTimers[ev.Path] = time.AfterFunc(q.debounceWindow, func() {
		q.mu.Lock()
		delete(q.debounceTimers, ev.Path)
		q.mu.Unlock()

		q.dispatch(ctx, ev)
	})
}

func (q *Queue) cancelDebounce(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.debounceTimers[path]; ok {
		existing.Stop()
		delete(q.debounceTimers, path)
	}
}

// dispatch performs the touch-ring recheck, the last-processed-mtime
// dedup, and finally calls StoreFunc/DeleteFunc (spec.md §4.5
// "Processing").
func (q *Queue) dispatch(ctx context.Context, ev Event) {
	q.sleepFunc(q.touchRingWait)

	if q.touchRing.Matches(ev.Path, ev.Mtime, ev.Size) {
		q.logger.Debug("dropping event matched by touch-ring", "path", ev.Path)

		return
	}

	if ev.Type == Delete {
		if err := q.delete(ctx, ev); err != nil {
			q.logger.Warn("delete_file_from_db failed", "path", ev.Path, "error", err)
		}

		return
	}

	key := lastProcessedKey{eventType: ev.Type, path: ev.Path}

	q.mu.Lock()
	last, seen := q.lastProcessedMts[key]
	q.mu.Unlock()

	if seen && last.Equal(ev.Mtime) {
		return
	}

	if err := q.store(ctx, ev, false); err != nil {
		q.logger.Warn("store_file_to_db failed", "path", ev.Path, "error", err)

		return
	}

	q.mu.Lock()
	q.lastProcessedMts[key] = ev.Mtime
	q.mu.Unlock()
}

// ProcessDirect is process_direct: the bypass path used by rebuild-remote.
// It skips debounce, touch-ring, and the last-processed-mtime cache, but
// still applies the ignore-pattern filter (spec.md §4.5).
func (q *Queue) ProcessDirect(ctx context.Context, ev Event, force bool) error {
	if q.ignore.Ignored(ev.Path) {
		return nil
	}

	if ev.Type == Delete {
		return q.delete(ctx, ev)
	}

	return q.store(ctx, ev, force)
}
