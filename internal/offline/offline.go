// Package offline implements OfflineTracker (spec.md §4.10, component
// C11): records vault file events observed while the replicator is
// unreachable and replays them once connectivity returns, so no edit made
// during an outage is silently lost. Grounded on the teacher's
// internal/sync/failure_tracker.go shape (an in-memory map guarded by a
// mutex, with an injectable clock for deterministic tests) and
// spec.md §6's "friday-offline-changes" persisted-state entry.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fridaysync/vaultsync/internal/eventqueue"
)

// ChangeType mirrors the three kinds of pending change OfflineTracker
// records (spec.md §4.10 "{path, type: CREATE|MODIFY|DELETE, timestamp}").
type ChangeType string

const (
	Create ChangeType = "CREATE"
	Modify ChangeType = "MODIFY"
	Delete ChangeType = "DELETE"
)

// Change is one pending offline edit for a path.
type Change struct {
	Path      string     `json:"path"`
	Type      ChangeType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}

// Persister durably records the pending-change map so a crash mid-outage
// doesn't lose it (spec.md §4.10 "Persists the pending map to the
// key-value side-store after each mutation (crash-safety)").
type Persister interface {
	SavePending(changes map[string]Change) error
	LoadPending() (map[string]Change, error)
}

// Replayer is the subset of StorageEventQueue OfflineTracker needs to
// replay pending changes (spec.md §4.10 "apply_pending(): replay each
// change through StorageEventQueue.process_direct").
type Replayer interface {
	ProcessDirect(ctx context.Context, ev eventqueue.Event, force bool) error
}

// Tracker implements OfflineTracker.
type Tracker struct {
	logger    *slog.Logger
	persist   Persister
	replay    Replayer

	mu      sync.Mutex
	offline bool
	pending map[string]Change
}

// New constructs a Tracker and loads any previously-persisted pending
// changes (spec.md §4.11 "construct OfflineTracker (loads persisted
// pending)").
func New(logger *slog.Logger, persist Persister, replay Replayer) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		logger:  logger,
		persist: persist,
		replay:  replay,
		pending: make(map[string]Change),
	}

	if persist != nil {
		loaded, err := persist.LoadPending()
		if err != nil {
			return nil, fmt.Errorf("offline: loading pending changes: %w", err)
		}

		if loaded != nil {
			t.pending = loaded
		}
	}

	return t, nil
}

// IsOffline reports the tracker's current connectivity belief.
func (t *Tracker) IsOffline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.offline
}

// PendingCount returns the number of distinct paths with a pending change.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

// SetOffline transitions the tracker's connectivity belief. Only the
// online->offline transition begins recording (spec.md §4.10 "On
// transition online->offline, begins recording"); further calls with the
// same value are no-ops.
func (t *Tracker) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.offline = offline
}

// Record stores a pending change for path, overwriting any earlier pending
// change for the same path (spec.md §4.10 "last write wins per path"). It
// is a no-op when the tracker is not currently offline. Every mutation is
// flushed to the Persister immediately.
func (t *Tracker) Record(path string, kind ChangeType, now time.Time) error {
	t.mu.Lock()

	if !t.offline {
		t.mu.Unlock()

		return nil
	}

	t.pending[path] = Change{Path: path, Type: kind, Timestamp: now}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	return t.persistSnapshot(snapshot)
}

func (t *Tracker) snapshotLocked() map[string]Change {
	snapshot := make(map[string]Change, len(t.pending))
	for k, v := range t.pending {
		snapshot[k] = v
	}

	return snapshot
}

func (t *Tracker) persistSnapshot(snapshot map[string]Change) error {
	if t.persist == nil {
		return nil
	}

	if err := t.persist.SavePending(snapshot); err != nil {
		return fmt.Errorf("offline: persisting pending changes: %w", err)
	}

	return nil
}

// ApplyPending replays every pending change through the Replayer's
// process_direct bypass, in path order, then clears the pending set
// (spec.md §4.10, §8 P7). Replay errors are logged and skipped rather than
// aborting the whole replay, matching spec.md §7's VaultIO policy ("log,
// count, continue next file").
func (t *Tracker) ApplyPending(ctx context.Context) error {
	t.mu.Lock()
	pending := t.snapshotLocked()
	t.mu.Unlock()

	paths := make([]string, 0, len(pending))
	for path := range pending {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	for _, path := range paths {
		change := pending[path]
		ev := eventqueue.Event{Path: path, Mtime: change.Timestamp}

		switch change.Type {
		case Delete:
			ev.Type = eventqueue.Delete
		case Create:
			ev.Type = eventqueue.Create
		default:
			ev.Type = eventqueue.Changed
		}

		if err := t.replay.ProcessDirect(ctx, ev, false); err != nil {
			t.logger.Warn("offline: replaying pending change failed", "path", path, "type", change.Type, "error", err)

			continue
		}
	}

	t.mu.Lock()
	t.pending = make(map[string]Change)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	return t.persistSnapshot(snapshot)
}

// MarshalPending and UnmarshalPending are used by a Persister implementation
// that stores the pending map as a single JSON blob under one KV key
// ("friday-offline-changes", spec.md §6). The blob is a JSON array holding
// one {"path": ..., "change": {...}} object per path; entries are not
// encoded as two-element [path, change] arrays.
func MarshalPending(changes map[string]Change) ([]byte, error) {
	ordered := make([]kvPair, 0, len(changes))
	for path, change := range changes {
		ordered = append(ordered, kvPair{Path: path, Change: change})
	}

	return json.Marshal(ordered)
}

type kvPair struct {
	Path   string `json:"path"`
	Change Change `json:"change"`
}

// UnmarshalPending is the inverse of MarshalPending; a nil or empty blob
// yields an empty, non-nil map.
func UnmarshalPending(data []byte) (map[string]Change, error) {
	result := make(map[string]Change)

	if len(data) == 0 {
		return result, nil
	}

	var ordered []kvPair
	if err := json.Unmarshal(data, &ordered); err != nil {
		return nil, fmt.Errorf("offline: decoding pending changes: %w", err)
	}

	for _, kp := range ordered {
		result[kp.Path] = kp.Change
	}

	return result, nil
}
