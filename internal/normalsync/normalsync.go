// Package normalsync implements NormalFileSync (spec.md §4.6, component
// C8): the two directions that move a regular vault file into and out of
// LocalStore — store_file_to_db on a local write, apply_doc_to_file on an
// incoming remote document.
package normalsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fridaysync/vaultsync/internal/docid"
	"github.com/fridaysync/vaultsync/internal/docmodel"
	"github.com/fridaysync/vaultsync/internal/eventqueue"
	"github.com/fridaysync/vaultsync/internal/mtimecache"
	"github.com/fridaysync/vaultsync/internal/reconcile"
	"github.com/fridaysync/vaultsync/internal/store"
	"github.com/fridaysync/vaultsync/internal/vaultio"
)

// ErrNotFound is returned by StoreFileToDB when the triggering event's file
// is no longer present in the vault (spec.md §4.6 step 1).
var ErrNotFound = errors.New("normalsync: vault file not found")

// applyGracePause covers filesystem event delivery latency after a write:
// the processing-set entry for the written path is held this long past the
// write itself before being released (spec.md §4.6 step 5).
const applyGracePause = eventqueue.ApplyGracePause

// Touch is the subset of StorageEventQueue NormalFileSync needs to
// suppress the feedback event its own writes generate.
type Touch interface {
	Touch(path string, mtime time.Time, size int64)
	MarkProcessing(path string)
	UnmarkProcessing(path string)
}

// Sync implements NormalFileSync against a Vault, a Store, the
// MtimeReconciler, and the MtimePairCache.
type Sync struct {
	logger *slog.Logger
	vault  *vaultio.Vault
	store  *store.Store
	codec  *docid.Codec
	recon  *reconcile.Reconciler
	cache  *mtimecache.Cache
	queue  Touch
}

// New constructs a Sync.
func New(logger *slog.Logger, vault *vaultio.Vault, st *store.Store, codec *docid.Codec, recon *reconcile.Reconciler, cache *mtimecache.Cache, queue Touch) *Sync {
	return &Sync{
		logger: logger,
		vault:  vault,
		store:  st,
		codec:  codec,
		recon:  recon,
		cache:  cache,
		queue:  queue,
	}
}

// StoreFileToDB implements store_file_to_db (spec.md §4.6). force bypasses
// the mtime-reconcile/content-equality short-circuit and always writes.
func (s *Sync) StoreFileToDB(ctx context.Context, ev eventqueue.Event, force bool) error {
	data, stat, err := s.vault.Read(ev.Path)
	if errors.Is(err, vaultio.ErrNotFound) {
		return fmt.Errorf("normalsync: %s: %w", ev.Path, ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("normalsync: reading %s: %w", ev.Path, err)
	}

	if !force {
		skipped, skipErr := s.trySkip(ctx, ev.Path, stat)
		if skipErr != nil {
			return skipErr
		}

		if skipped {
			return nil
		}
	}

	entry := docmodel.BuildSavingEntry(ev.Path, data, stat)
	entry.ID = s.codec.Encode(ev.Path, "")

	if _, err := s.store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("normalsync: storing %s: %w", ev.Path, err)
	}

	return nil
}

// trySkip implements spec.md §4.6 step 3: when the filesystem and database
// mtimes agree, or the content hashes to the same chunks, no write is
// needed. It returns true when the caller should stop without writing.
func (s *Sync) trySkip(ctx context.Context, path string, stat docmodel.Stat) (bool, error) {
	meta, err := s.store.GetMeta(ctx, path, false)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("normalsync: looking up %s: %w", path, err)
	}

	if meta.Deleted {
		return false, nil
	}

	mtimeFS := time.UnixMilli(stat.MtimeMs)

	result := s.recon.Reconcile(
		&reconcile.Side{Path: path, Mtime: mtimeFS},
		&reconcile.Side{Path: path, Mtime: meta.Mtime()},
	)

	if result == reconcile.Even {
		return true, nil
	}

	data, _, err := s.vault.Read(path)
	if err != nil {
		return false, fmt.Errorf("normalsync: re-reading %s: %w", path, err)
	}

	entry := docmodel.BuildSavingEntry(path, data, stat)

	if sameIDs(store.ChunkIDs(entry.Blob), meta.Children) {
		if s.cache != nil {
			if err := s.cache.MarkSame(path, mtimeFS, meta.Mtime()); err != nil {
				s.logger.Warn("marking mtime pair same failed", "path", path, "error", err)
			}
		}

		return true, nil
	}

	if s.cache != nil {
		if err := s.cache.Clear(path); err != nil {
			s.logger.Warn("clearing mtime pair cache failed", "path", path, "error", err)
		}
	}

	return false, nil
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// DeleteFileFromDB implements delete_file_from_db: writes a tombstone for
// the deleted path.
func (s *Sync) DeleteFileFromDB(ctx context.Context, ev eventqueue.Event) error {
	if err := s.store.DeleteEntry(ctx, ev.Path); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("normalsync: deleting %s: %w", ev.Path, err)
	}

	return nil
}

// ApplyDocToFile implements apply_doc_to_file (spec.md §4.6): writes an
// incoming remote meta-document's content into the vault, marking the
// target path in the processing-set and touch-ring so the write's own
// filesystem event is recognized and dropped by StorageEventQueue.
func (s *Sync) ApplyDocToFile(ctx context.Context, meta docmodel.MetaEntry) error {
	s.queue.MarkProcessing(meta.Path)
	defer s.releaseAfterGrace(meta.Path)

	if meta.Deleted {
		if err := s.vault.Remove(meta.Path); err != nil {
			return fmt.Errorf("normalsync: applying delete for %s: %w", meta.Path, err)
		}

		return nil
	}

	_, content, err := s.store.GetEntryFull(ctx, meta.ID, false)
	if err != nil {
		// Missing-chunk errors are aggregated by bulk callers (e.g.
		// coordinator.materializeAll) into a single NOTICE rather than
		// logged here per file.
		return fmt.Errorf("normalsync: resolving content for %s: %w", meta.Path, err)
	}

	var payload []byte
	if content.IsText() {
		payload = []byte(content.Text)
	} else {
		payload = content.Binary
	}

	stat, err := s.vault.Write(meta.Path, payload, meta.Mtime())
	if err != nil {
		return fmt.Errorf("normalsync: writing %s: %w", meta.Path, err)
	}

	s.queue.Touch(meta.Path, time.UnixMilli(stat.MtimeMs), stat.Size)

	return nil
}

// releaseAfterGrace unmarks path from the processing-set after
// applyGracePause, covering the delay between the write and fsnotify's
// delivery of the resulting event (spec.md §4.6 step 5).
func (s *Sync) releaseAfterGrace(path string) {
	time.AfterFunc(applyGracePause, func() {
		s.queue.UnmarkProcessing(path)
	})
}
