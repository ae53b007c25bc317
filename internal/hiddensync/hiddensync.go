// Package hiddensync implements HiddenFileSync (spec.md §4.7, component
// C9): the parallel sync path for dotfiles (configuration/plugin files),
// which are addressed in the database's "i:" namespace and reconciled by
// periodic storage/database scans rather than the main StorageEventQueue,
// with a dedicated conflict queue for the merge-or-tiebreak resolution
// three-way JSON documents need.
package hiddensync

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fridaysync/vaultsync/internal/docid"
	"github.com/fridaysync/vaultsync/internal/docmodel"
	"github.com/fridaysync/vaultsync/internal/jsonmerge"
	"github.com/fridaysync/vaultsync/internal/store"
	"github.com/fridaysync/vaultsync/internal/vaultio"
)

// DefaultScanInterval is how often the storage side is rescanned in full
// when no faster trigger (the raw-event firehose) fires first (spec.md
// §4.7 "Periodic scan: every N seconds (default 60)").
const DefaultScanInterval = 60 * time.Second

// ConflictQueueDelay paces the conflict queue so resolving one path never
// starves others (spec.md §4.7 "processed one path at a time, delay 10ms").
const ConflictQueueDelay = 10 * time.Millisecond

// MaxConcurrentScans bounds how many paths a single storage/database scan
// processes at once (SPEC_FULL.md DOMAIN STACK: "golang.org/x/sync
// semaphore... hiddensync bounded concurrency, default 10").
const MaxConcurrentScans = 10

// ancestorRevision is the sentinel revision tag under which the last known
// conflict-free content for a document is kept, standing in for a real
// common-ancestor revision the simplified local store does not track
// (documented in DESIGN.md as an approximation of true CouchDB revision
// trees).
const ancestorRevision = "__ancestor__"

// Matcher reports whether a hidden-tree path should be treated specially;
// satisfied by eventqueue.IgnoreMatcher (same shape, reused here so
// ignore/target/overwrite all share one compiled-pattern type).
type Matcher interface {
	Ignored(path string) bool
}

type noopMatcher struct{}

func (noopMatcher) Ignored(string) bool { return false }

// alwaysMatcher treats every path as matched, used as the default "target"
// filter so hidden sync includes everything unless narrowed.
type alwaysMatcher struct{}

func (alwaysMatcher) Ignored(string) bool { return true }

// Sync implements HiddenFileSync.
type Sync struct {
	logger *slog.Logger
	vault  *vaultio.Vault
	store  *store.Store
	codec  *docid.Codec

	ignore    Matcher // excludes matching paths
	target    Matcher // includes only matching paths (Ignored == "is a target")
	overwrite Matcher // "overwrite-by-newer" patterns skip JSON merge

	sem *semaphore.Weighted

	mu         sync.Mutex
	lastFileKy map[string]string
	lastDBKey  map[string]string

	conflictQueue chan string
	sleepFunc     func(time.Duration)
}

// Option configures a Sync at construction.
type Option func(*Sync)

// WithIgnore sets the exclude-pattern matcher.
func WithIgnore(m Matcher) Option { return func(s *Sync) { s.ignore = m } }

// WithTarget sets the include-pattern matcher; a path syncs only if Ignored
// reports true for it (spec.md §4.7 "filtered through... target-pattern
// lists").
func WithTarget(m Matcher) Option { return func(s *Sync) { s.target = m } }

// WithOverwritePatterns sets the "overwrite-by-newer" matcher for JSON
// files that should skip merge entirely (spec.md §4.7 "Overwrite
// patterns").
func WithOverwritePatterns(m Matcher) Option { return func(s *Sync) { s.overwrite = m } }

// New constructs a Sync.
func New(logger *slog.Logger, vault *vaultio.Vault, st *store.Store, codec *docid.Codec, opts ...Option) *Sync {
	s := &Sync{
		logger:        logger,
		vault:         vault,
		store:         st,
		codec:         codec,
		ignore:        noopMatcher{},
		target:        alwaysMatcher{},
		overwrite:     noopMatcher{},
		sem:           semaphore.NewWeighted(MaxConcurrentScans),
		lastFileKy:    make(map[string]string),
		lastDBKey:     make(map[string]string),
		conflictQueue: make(chan string, 1024),
		sleepFunc:     time.Sleep,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// IsHiddenPath reports whether path belongs to the hidden sync tree: its
// top-level segment begins with "." but is not ".trash" (spec.md §4.7
// "Path selection").
func IsHiddenPath(path string) bool {
	first, _, _ := strings.Cut(path, "/")

	return strings.HasPrefix(first, ".") && first != ".trash"
}

func (s *Sync) included(path string) bool {
	if !IsHiddenPath(path) {
		return false
	}

	if s.ignore.Ignored(path) {
		return false
	}

	return s.target.Ignored(path)
}

// fileKey is the storage-side change-detection key (spec.md §4.7
// "last_file_key[path] = '<mtime>-<size>-<ctime>'").
func fileKey(stat docmodel.Stat) string {
	return fmt.Sprintf("%d-%d-%d", stat.MtimeMs, stat.Size, stat.CtimeMs)
}

// ScanStorage walks the hidden tree and, for every path whose (mtime, size,
// ctime) differs from the cached last_file_key, runs trackStorageModification
// (spec.md §4.7 "A storage scan enumerates the hidden tree...").
func (s *Sync) ScanStorage(ctx context.Context) error {
	paths, err := s.vault.List()
	if err != nil {
		return fmt.Errorf("hiddensync: listing vault: %w", err)
	}

	var wg sync.WaitGroup

	var firstErr error

	var errMu sync.Mutex

	for _, path := range paths {
		if !s.included(path) {
			continue
		}

		stat, err := s.vault.Stat(path)
		if err != nil {
			s.logger.Warn("hiddensync: stat failed during storage scan", "path", path, "error", err)

			continue
		}

		key := fileKey(stat)

		s.mu.Lock()
		unchanged := s.lastFileKy[path] == key
		s.mu.Unlock()

		if unchanged {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("hiddensync: acquiring scan slot: %w", err)
		}

		wg.Add(1)

		go func(path, key string) {
			defer wg.Done()
			defer s.sem.Release(1)

			if err := s.trackStorageModification(ctx, path); err != nil {
				s.logger.Warn("hiddensync: track_storage_modification failed", "path", path, "error", err)

				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()

				return
			}

			s.mu.Lock()
			s.lastFileKy[path] = key
			s.mu.Unlock()
		}(path, key)
	}

	wg.Wait()

	return firstErr
}

// ScanDB iterates the "i:" document range and, for every document whose
// revision differs from the cached last_db_key, runs TrackDBModification
// (spec.md §4.7 "A database scan iterates the i: range...").
func (s *Sync) ScanDB(ctx context.Context) error {
	entries, err := s.store.IterateRange(ctx, docid.HiddenPrefix, prefixRangeEnd(docid.HiddenPrefix), true)
	if err != nil {
		return fmt.Errorf("hiddensync: iterating hidden range: %w", err)
	}

	for _, meta := range entries {
		s.mu.Lock()
		unchanged := s.lastDBKey[meta.Path] == meta.Revision
		s.mu.Unlock()

		if unchanged {
			continue
		}

		if err := s.TrackDBModification(ctx, meta); err != nil {
			s.logger.Warn("hiddensync: track_db_modification failed", "path", meta.Path, "error", err)

			continue
		}

		s.mu.Lock()
		s.lastDBKey[meta.Path] = meta.Revision
		s.mu.Unlock()
	}

	return nil
}

// prefixRangeEnd returns the smallest string greater than every string with
// prefix, giving IterateRange an exclusive upper bound for a prefix scan.
func prefixRangeEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++

	return string(b)
}

// trackStorageModification reads path's current content and writes it
// through to LocalStore under the hidden-document ID (spec.md §4.7).
func (s *Sync) trackStorageModification(ctx context.Context, path string) error {
	data, stat, err := s.vault.Read(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	entryType := docmodel.TypePlain
	blob := data

	if vaultio.IsPlainText(path) {
		entryType = docmodel.TypeNotes
	} else {
		blob = []byte(encodeBinary(data))
	}

	entry := docmodel.SavingEntry{
		Path: path,
		ID:   s.codec.Encode(path, docid.HiddenPrefix),
		Type: entryType,
		Blob: blob,
		Stat: stat,
	}

	if _, err := s.store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("storing %s: %w", path, err)
	}

	return nil
}

// TrackDBModification applies an incoming hidden-document revision to the
// vault, or enqueues it for conflict resolution if it carries unresolved
// conflicting revisions (spec.md §4.7). Exported so the coordinator's
// replication-result ingestion (spec.md §4.11) can route "i:"-prefixed
// documents here directly, outside the periodic scan.
func (s *Sync) TrackDBModification(ctx context.Context, meta docmodel.MetaEntry) error {
	if len(meta.Conflicts) > 0 {
		s.enqueueConflict(meta.ID)

		return nil
	}

	if err := s.snapshotAncestor(ctx, meta); err != nil {
		s.logger.Warn("hiddensync: snapshotting ancestor failed", "path", meta.Path, "error", err)
	}

	return s.applyToVault(ctx, meta)
}

func (s *Sync) applyToVault(ctx context.Context, meta docmodel.MetaEntry) error {
	if meta.Deleted {
		return s.vault.Remove(meta.Path)
	}

	_, content, err := s.store.GetEntryFull(ctx, meta.ID, false)
	if err != nil {
		return fmt.Errorf("resolving content for %s: %w", meta.Path, err)
	}

	var payload []byte
	if content.IsText() {
		payload = []byte(content.Text)
	} else {
		payload = content.Binary
	}

	if _, err := s.vault.Write(meta.Path, payload, meta.Mtime()); err != nil {
		return fmt.Errorf("writing %s: %w", meta.Path, err)
	}

	return nil
}

// snapshotAncestor records the current conflict-free content as the
// baseline a future three-way merge would diff against.
func (s *Sync) snapshotAncestor(ctx context.Context, meta docmodel.MetaEntry) error {
	_, content, err := s.store.GetEntryFull(ctx, meta.ID, true)
	if err != nil {
		return err
	}

	var raw []byte
	if content.IsText() {
		raw = []byte(content.Text)
	} else {
		raw = content.Binary
	}

	return s.store.PutConflictRevision(ctx, store.ConflictRevision{
		DocID: meta.ID, Revision: ancestorRevision, Content: raw, IsText: content.IsText(), MtimeMs: meta.MtimeMs,
	})
}

// enqueueConflict schedules docID for conflict processing, dropping the
// request rather than blocking if the queue is saturated (the next periodic
// scan will re-discover an unresolved conflict).
func (s *Sync) enqueueConflict(docID string) {
	select {
	case s.conflictQueue <- docID:
	default:
		s.logger.Warn("hiddensync: conflict queue full, dropping re-enqueue", "doc_id", docID)
	}
}

// RunConflictQueue drains the conflict queue one document at a time with a
// fixed pacing delay, until ctx is canceled (spec.md §4.7 "Conflict queue:
// processed one path at a time, delay 10ms").
func (s *Sync) RunConflictQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case docID := <-s.conflictQueue:
			if err := s.resolveConflict(ctx, docID); err != nil {
				s.logger.Warn("hiddensync: resolving conflict failed", "doc_id", docID, "error", err)
			}

			s.sleepFunc(ConflictQueueDelay)
		}
	}
}

// resolveConflict implements the per-document conflict step described in
// spec.md §4.7: JSON files attempt a three-way merge first; everything
// else (and any failed JSON merge) falls back to a newer-mtime tiebreak.
func (s *Sync) resolveConflict(ctx context.Context, docID string) error {
	meta, err := s.store.GetMeta(ctx, docID, true)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", docID, err)
	}

	if len(meta.Conflicts) == 0 {
		return s.applyToVault(ctx, meta)
	}

	rev := meta.Conflicts[0]

	isJSON := strings.EqualFold(filepath.Ext(meta.Path), ".json")
	skipMerge := s.overwrite.Ignored(meta.Path)

	if isJSON && !skipMerge {
		merged, mergeErr := s.tryMerge(ctx, meta, rev)
		if mergeErr == nil {
			return s.finishMerge(ctx, meta, rev, merged)
		}

		s.logger.Info("hiddensync: JSON merge failed, falling back to newer-mtime tiebreak",
			"path", meta.Path, "revision", rev, "error", mergeErr)
	}

	return s.tiebreak(ctx, meta, rev)
}

func (s *Sync) tryMerge(ctx context.Context, meta docmodel.MetaEntry, rev string) ([]byte, error) {
	_, ours, err := s.store.GetEntryFull(ctx, meta.ID, true)
	if err != nil {
		return nil, fmt.Errorf("resolving current content: %w", err)
	}

	oursBytes := contentBytes(ours)

	theirs, ok, err := s.store.GetConflictRevision(ctx, meta.ID, rev)
	if err != nil {
		return nil, fmt.Errorf("resolving conflicting revision: %w", err)
	}

	if !ok {
		return nil, fmt.Errorf("no recorded content for conflicting revision %s", rev)
	}

	base, baseOK, err := s.store.GetConflictRevision(ctx, meta.ID, ancestorRevision)
	if err != nil {
		return nil, fmt.Errorf("resolving ancestor content: %w", err)
	}

	baseBytes := []byte("{}")
	if baseOK {
		baseBytes = base.Content
	}

	return jsonmerge.Merge(baseBytes, oursBytes, theirs.Content)
}

// contentBytes returns c's payload as raw bytes regardless of variant.
func contentBytes(c docmodel.Content) []byte {
	if c.IsText() {
		return []byte(c.Text)
	}

	return c.Binary
}

// finishMerge writes a successful three-way merge back to the vault and the
// store, drops the now-resolved conflicting revision, and re-queues the
// document in case further conflicts remain (spec.md §4.7).
func (s *Sync) finishMerge(ctx context.Context, meta docmodel.MetaEntry, rev string, merged []byte) error {
	if _, err := s.vault.Write(meta.Path, merged, time.Now()); err != nil {
		return fmt.Errorf("writing merged content for %s: %w", meta.Path, err)
	}

	entry := docmodel.SavingEntry{
		Path: meta.Path,
		Type: docmodel.TypeNotes,
		Blob: merged,
		Stat: docmodel.Stat{MtimeMs: time.Now().UnixMilli(), Size: int64(len(merged))},
	}

	if _, err := s.store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("storing merged content for %s: %w", meta.Path, err)
	}

	if err := s.store.RemoveRevision(ctx, meta.ID, rev); err != nil {
		return fmt.Errorf("removing merged revision %s: %w", rev, err)
	}

	if err := s.store.DeleteConflictRevision(ctx, meta.ID, rev); err != nil {
		s.logger.Warn("hiddensync: cleaning up merged conflict revision failed", "doc_id", meta.ID, "error", err)
	}

	s.recordHistory(ctx, meta, "merged", "auto")
	s.requeueIfConflicted(ctx, meta.ID)

	return nil
}

// tiebreak picks whichever of the current content or the conflicting
// revision has the newer mtime, discards the loser, and either re-queues
// (more conflicts remain) or extracts the winner to the vault (spec.md
// §4.7 "pick the revision with the newer mtime...").
func (s *Sync) tiebreak(ctx context.Context, meta docmodel.MetaEntry, rev string) error {
	conflicting, ok, err := s.store.GetConflictRevision(ctx, meta.ID, rev)
	if err != nil {
		return fmt.Errorf("resolving conflicting revision: %w", err)
	}

	if !ok {
		// Nothing recorded for this revision: drop the stale label and move on.
		return s.dropConflict(ctx, meta, rev, "tiebreak-missing")
	}

	if conflicting.MtimeMs > meta.MtimeMs {
		entry := docmodel.SavingEntry{
			Path: meta.Path,
			Type: meta.Type,
			Blob: conflicting.Content,
			Stat: docmodel.Stat{MtimeMs: conflicting.MtimeMs, Size: int64(len(conflicting.Content))},
		}

		if _, err := s.store.PutEntry(ctx, entry); err != nil {
			return fmt.Errorf("applying winning conflict revision: %w", err)
		}
	}

	return s.dropConflict(ctx, meta, rev, "tiebreak-newer-mtime")
}

func (s *Sync) dropConflict(ctx context.Context, meta docmodel.MetaEntry, rev, resolution string) error {
	if err := s.store.RemoveRevision(ctx, meta.ID, rev); err != nil {
		return fmt.Errorf("removing revision %s: %w", rev, err)
	}

	if err := s.store.DeleteConflictRevision(ctx, meta.ID, rev); err != nil {
		s.logger.Warn("hiddensync: cleaning up conflict revision failed", "doc_id", meta.ID, "error", err)
	}

	s.recordHistory(ctx, meta, resolution, "auto")

	if s.requeueIfConflicted(ctx, meta.ID) {
		return nil
	}

	refreshed, err := s.store.GetMeta(ctx, meta.ID, false)
	if err != nil {
		return fmt.Errorf("reloading %s after conflict resolution: %w", meta.ID, err)
	}

	return s.applyToVault(ctx, refreshed)
}

// requeueIfConflicted re-enqueues docID when it still carries unresolved
// conflicting revisions, reporting whether it did.
func (s *Sync) requeueIfConflicted(ctx context.Context, docID string) bool {
	meta, err := s.store.GetMeta(ctx, docID, true)
	if err != nil {
		return false
	}

	if len(meta.Conflicts) == 0 {
		return false
	}

	s.enqueueConflict(docID)

	return true
}

func (s *Sync) recordHistory(ctx context.Context, meta docmodel.MetaEntry, resolution, resolvedBy string) {
	now := time.Now().UnixMilli()

	rec := store.ConflictRecord{
		ConflictID: fmt.Sprintf("%s-%d", meta.ID, now),
		DocID:      meta.ID,
		Path:       meta.Path,
		DetectedAt: now,
		Resolution: resolution,
		ResolvedBy: resolvedBy,
		ResolvedAt: now,
	}

	if err := s.store.RecordConflictHistory(ctx, rec); err != nil {
		s.logger.Warn("hiddensync: recording conflict history failed", "doc_id", meta.ID, "error", err)
	}
}

// encodeBinary base64-encodes data so it matches the encoding
// docmodel.ReadContent expects to find in a TypePlain document's chunk
// stream (spec.md §4.2).
func encodeBinary(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
