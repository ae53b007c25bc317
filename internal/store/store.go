// Package store implements LocalStore (spec.md §4.3, component C4): the
// local document database wrapping content-addressed chunk storage and
// meta-document CRUD, backed by an embedded WAL-mode SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, registers as "sqlite"

	"github.com/fridaysync/vaultsync/internal/docmodel"
)

// walJournalSizeLimit bounds the WAL file so a long offline period doesn't
// let it grow unbounded.
const walJournalSizeLimit = 67108864 // 64 MiB

// ErrNotFound is returned when a requested meta-document does not exist.
var ErrNotFound = errors.New("store: not found")

// InitHook is invoked once after Open, letting callers install the
// transparent encryption transform before any entry is read or written
// (spec.md §6 "database-initialisation hook").
type InitHook func(ctx context.Context, db *sql.DB) error

// Store is the SQLite-backed LocalStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	stmts entryStatements
}

type entryStatements struct {
	getByID, getByPath, upsert, markDeleted, removeRevision, iterateRange, allKeys *sql.Stmt
}

// Open creates or opens the database at path, applies pending migrations,
// and runs the init hook if given. Use ":memory:" for tests.
func Open(ctx context.Context, path string, logger *slog.Logger, hook InitHook) (*Store, error) {
	logger.Info("opening local store", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	if hook != nil {
		if err := hook(ctx, db); err != nil {
			db.Close()

			return nil, fmt.Errorf("store: database-initialisation hook: %w", err)
		}
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct{ sql, desc string }{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

const (
	sqlGetByID = `SELECT id, path, mtime_ms, ctime_ms, size, type, children, deleted, revision, conflicts
		FROM meta_entries WHERE id = ?`

	sqlGetByPath = `SELECT id, path, mtime_ms, ctime_ms, size, type, children, deleted, revision, conflicts
		FROM meta_entries WHERE path = ?`

	sqlUpsert = `INSERT INTO meta_entries
		(id, path, mtime_ms, ctime_ms, size, type, children, deleted, revision, conflicts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path       = excluded.path,
			mtime_ms   = excluded.mtime_ms,
			ctime_ms   = excluded.ctime_ms,
			size       = excluded.size,
			type       = excluded.type,
			children   = excluded.children,
			deleted    = excluded.deleted,
			revision   = excluded.revision,
			conflicts  = excluded.conflicts,
			updated_at = excluded.updated_at`

	sqlMarkDeleted = `UPDATE meta_entries
		SET deleted = 1, revision = ?, updated_at = ? WHERE path = ? AND deleted = 0`

	sqlRemoveRevision = `UPDATE meta_entries
		SET conflicts = ? WHERE id = ?`

	sqlIterateRange = `SELECT id, path, mtime_ms, ctime_ms, size, type, children, deleted, revision, conflicts
		FROM meta_entries WHERE id >= ? AND id < ? ORDER BY id`

	sqlAllKeys = `SELECT id FROM meta_entries ORDER BY id`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	prep := func(query string) (*sql.Stmt, error) {
		return s.db.PrepareContext(ctx, query)
	}

	var err error

	if s.stmts.getByID, err = prep(sqlGetByID); err != nil {
		return err
	}

	if s.stmts.getByPath, err = prep(sqlGetByPath); err != nil {
		return err
	}

	if s.stmts.upsert, err = prep(sqlUpsert); err != nil {
		return err
	}

	if s.stmts.markDeleted, err = prep(sqlMarkDeleted); err != nil {
		return err
	}

	if s.stmts.removeRevision, err = prep(sqlRemoveRevision); err != nil {
		return err
	}

	if s.stmts.iterateRange, err = prep(sqlIterateRange); err != nil {
		return err
	}

	if s.stmts.allKeys, err = prep(sqlAllKeys); err != nil {
		return err
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutResult is returned by PutEntry.
type PutResult struct {
	Revision string
}

// PutEntry chunks entry.Blob, writes any new leaves, and writes the meta
// document referencing the resulting leaf IDs. Unchanged content returns the
// previous revision (idempotent), per spec.md §4.3.
func (s *Store) PutEntry(ctx context.Context, entry docmodel.SavingEntry) (PutResult, error) {
	chunkIDs, err := s.writeChunks(ctx, entry.Blob)
	if err != nil {
		return PutResult{}, fmt.Errorf("store: writing chunks for %s: %w", entry.Path, err)
	}

	existing, lookupErr := s.getByPathRow(ctx, entry.Path)

	found := lookupErr == nil
	if lookupErr != nil && !errors.Is(lookupErr, ErrNotFound) {
		return PutResult{}, lookupErr
	}

	if found && !existing.Deleted && sameChildren(existing.Children, chunkIDs) {
		return PutResult{Revision: existing.Revision}, nil
	}

	id := entry.Path
	if entry.ID != "" {
		id = entry.ID
	}

	if found {
		id = existing.ID
	}

	revision := nextRevision(existing)

	childrenJSON, err := json.Marshal(chunkIDs)
	if err != nil {
		return PutResult{}, fmt.Errorf("store: marshal children: %w", err)
	}

	conflictsJSON := "[]"
	if found && len(existing.Conflicts) > 0 {
		b, marshalErr := json.Marshal(existing.Conflicts)
		if marshalErr != nil {
			return PutResult{}, fmt.Errorf("store: marshal conflicts: %w", marshalErr)
		}

		conflictsJSON = string(b)
	}

	now := time.Now().UnixMilli()

	_, err = s.stmts.upsert.ExecContext(ctx,
		id, entry.Path, entry.Stat.MtimeMs, entry.Stat.CtimeMs, entry.Stat.Size,
		string(entry.Type), string(childrenJSON), false, revision, conflictsJSON, now,
	)
	if err != nil {
		return PutResult{}, fmt.Errorf("store: upsert meta entry for %s: %w", entry.Path, err)
	}

	return PutResult{Revision: revision}, nil
}

func sameChildren(a, b []string) bool {
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

// nextRevision derives a new opaque revision tag. Real CouchDB-protocol
// revisions are "<seq>-<hash>"; the Replicator owns their true semantics,
// so this is a local monotonic stand-in used before any remote round-trip
// has assigned a server-issued revision.
func nextRevision(existing docmodel.MetaEntry) string {
	if existing.Revision == "" {
		return "1-local"
	}

	seq := 1

	if _, scanErr := fmt.Sscanf(existing.Revision, "%d-", &seq); scanErr == nil {
		seq++
	}

	return fmt.Sprintf("%d-local", seq)
}

// PutRemoteEntry upserts a meta-document exactly as delivered by the
// Replicator, preserving its server-issued revision, children, and
// conflict-revision tags rather than re-chunking a local blob (spec.md §4.11
// "Replication-result ingestion"). Chunk content itself arrives separately,
// either inline with the pull or via a later active-fetch pass.
func (s *Store) PutRemoteEntry(ctx context.Context, entry docmodel.MetaEntry) error {
	childrenJSON, err := json.Marshal(entry.Children)
	if err != nil {
		return fmt.Errorf("store: marshal children for %s: %w", entry.ID, err)
	}

	conflicts := entry.Conflicts
	if conflicts == nil {
		conflicts = []string{}
	}

	conflictsJSON, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("store: marshal conflicts for %s: %w", entry.ID, err)
	}

	_, err = s.stmts.upsert.ExecContext(ctx,
		entry.ID, entry.Path, entry.MtimeMs, entry.CtimeMs, entry.Size,
		string(entry.Type), string(childrenJSON), entry.Deleted, entry.Revision, string(conflictsJSON),
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: upsert remote entry %s: %w", entry.ID, err)
	}

	return nil
}

// Reset wipes every meta-document, chunk, and conflict record, used by
// rebuild_local_from_remote's "reset local DB" step (spec.md §4.11 step 3).
// The mtime-pair cache and key-value side-store (known salt, checkpoints,
// offline-change queue) are left untouched; callers update the stored salt
// explicitly once the rebuild completes (spec.md §4.11 step 5), and a fresh
// mtime-pair cache is simply rebuilt organically as files are re-materialized.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"meta_entries", "chunks", "conflict_revisions", "conflict_history"}

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("store: resetting table %s: %w", table, err)
		}
	}

	return nil
}

// GetMeta returns the meta-document for id or path (both columns are
// queried; callers pass whichever they have). includeConflicts controls
// whether the Conflicts field is populated.
func (s *Store) GetMeta(ctx context.Context, idOrPath string, includeConflicts bool) (docmodel.MetaEntry, error) {
	entry, err := s.getByIDRow(ctx, idOrPath)
	if errors.Is(err, ErrNotFound) {
		entry, err = s.getByPathRow(ctx, idOrPath)
	}

	if err != nil {
		return docmodel.MetaEntry{}, err
	}

	if !includeConflicts {
		entry.Conflicts = nil
	}

	return entry, nil
}

// GetEntryFull resolves the meta plus its content. If allowPartial is false
// and any chunk is missing, returns a *docmodel.MissingChunksError.
func (s *Store) GetEntryFull(ctx context.Context, idOrPath string, allowPartial bool) (docmodel.MetaEntry, docmodel.Content, error) {
	meta, err := s.GetMeta(ctx, idOrPath, false)
	if err != nil {
		return docmodel.MetaEntry{}, docmodel.Content{}, err
	}

	content, err := docmodel.ReadContent(meta, chunkResolverFunc(func(id string) ([]byte, bool) {
		data, ok, resolveErr := s.resolveChunk(ctx, id)
		if resolveErr != nil {
			return nil, false
		}

		return data, ok
	}))

	var missing *docmodel.MissingChunksError

	if errors.As(err, &missing) && allowPartial {
		return meta, docmodel.Content{}, err
	}

	return meta, content, err
}

type chunkResolverFunc func(id string) ([]byte, bool)

func (f chunkResolverFunc) ResolveChunk(id string) ([]byte, bool) { return f(id) }

// ResolveChunk implements docmodel.ChunkResolver against the live database,
// so callers outside this package (e.g. rebuild_local_from_remote's
// active-fetch loop) can reuse docmodel.ReadContent directly.
func (s *Store) ResolveChunk(id string) ([]byte, bool) {
	data, ok, err := s.resolveChunk(context.Background(), id)
	if err != nil {
		return nil, false
	}

	return data, ok
}

// DeleteEntry writes a tombstone for path (spec.md §4.3 "delete_entry").
func (s *Store) DeleteEntry(ctx context.Context, path string) error {
	now := time.Now().UnixMilli()

	existing, err := s.getByPathRow(ctx, path)
	if err != nil {
		return err
	}

	revision := nextRevision(existing)

	res, err := s.stmts.markDeleted.ExecContext(ctx, revision, now, path)
	if err != nil {
		return fmt.Errorf("store: delete entry %s: %w", path, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete entry %s: %w", path, err)
	}

	if n == 0 {
		return fmt.Errorf("store: delete entry %s: %w", path, ErrNotFound)
	}

	return nil
}

// RemoveRevision drops rev from id's conflict set, used during conflict
// resolution (spec.md §4.3 "remove_revision").
func (s *Store) RemoveRevision(ctx context.Context, id, rev string) error {
	meta, err := s.getByIDRow(ctx, id)
	if err != nil {
		return err
	}

	remaining := make([]string, 0, len(meta.Conflicts))

	for _, c := range meta.Conflicts {
		if c != rev {
			remaining = append(remaining, c)
		}
	}

	data, err := json.Marshal(remaining)
	if err != nil {
		return fmt.Errorf("store: marshal conflicts for %s: %w", id, err)
	}

	if _, err := s.stmts.removeRevision.ExecContext(ctx, string(data), id); err != nil {
		return fmt.Errorf("store: remove revision %s from %s: %w", rev, id, err)
	}

	return nil
}

// SetConflicts replaces id's conflict set, used by the replication
// coordinator to record the losing revision tags a pull surfaced for a
// document (spec.md §4.3; CouchDB protocol's `_conflicts` array).
func (s *Store) SetConflicts(ctx context.Context, id string, conflicts []string) error {
	if conflicts == nil {
		conflicts = []string{}
	}

	data, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("store: marshal conflicts for %s: %w", id, err)
	}

	if _, err := s.stmts.removeRevision.ExecContext(ctx, string(data), id); err != nil {
		return fmt.Errorf("store: set conflicts for %s: %w", id, err)
	}

	return nil
}

// IterateRange yields every meta-document whose ID lies in [startKey,
// endKey), ordered by ID (spec.md §4.3 "iterate_range").
func (s *Store) IterateRange(ctx context.Context, startKey, endKey string, includeConflicts bool) ([]docmodel.MetaEntry, error) {
	rows, err := s.stmts.iterateRange.QueryContext(ctx, startKey, endKey)
	if err != nil {
		return nil, fmt.Errorf("store: iterate range [%s, %s): %w", startKey, endKey, err)
	}
	defer rows.Close()

	return scanEntries(rows, includeConflicts)
}

// AllKeys returns every document ID in the store, ordered (spec.md §4.3
// "all_keys").
func (s *Store) AllKeys(ctx context.Context) ([]string, error) {
	rows, err := s.stmts.allKeys.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: all keys: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string

		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan key: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *Store) getByIDRow(ctx context.Context, id string) (docmodel.MetaEntry, error) {
	return scanOne(s.stmts.getByID.QueryRowContext(ctx, id))
}

func (s *Store) getByPathRow(ctx context.Context, path string) (docmodel.MetaEntry, error) {
	return scanOne(s.stmts.getByPath.QueryRowContext(ctx, path))
}

func scanOne(row *sql.Row) (docmodel.MetaEntry, error) {
	var (
		entry                docmodel.MetaEntry
		entryType            string
		childrenJSON, conflJ string
		deleted              int
	)

	err := row.Scan(&entry.ID, &entry.Path, &entry.MtimeMs, &entry.CtimeMs, &entry.Size,
		&entryType, &childrenJSON, &deleted, &entry.Revision, &conflJ)

	if errors.Is(err, sql.ErrNoRows) {
		return docmodel.MetaEntry{}, ErrNotFound
	}

	if err != nil {
		return docmodel.MetaEntry{}, fmt.Errorf("store: scan meta entry: %w", err)
	}

	entry.Type = docmodel.EntryType(entryType)
	entry.Deleted = deleted != 0

	if err := json.Unmarshal([]byte(childrenJSON), &entry.Children); err != nil {
		return docmodel.MetaEntry{}, fmt.Errorf("store: unmarshal children: %w", err)
	}

	if err := json.Unmarshal([]byte(conflJ), &entry.Conflicts); err != nil {
		return docmodel.MetaEntry{}, fmt.Errorf("store: unmarshal conflicts: %w", err)
	}

	return entry, nil
}

func scanEntries(rows *sql.Rows, includeConflicts bool) ([]docmodel.MetaEntry, error) {
	var entries []docmodel.MetaEntry

	for rows.Next() {
		var (
			entry                docmodel.MetaEntry
			entryType            string
			childrenJSON, conflJ string
			deleted              int
		)

		if err := rows.Scan(&entry.ID, &entry.Path, &entry.MtimeMs, &entry.CtimeMs, &entry.Size,
			&entryType, &childrenJSON, &deleted, &entry.Revision, &conflJ); err != nil {
			return nil, fmt.Errorf("store: scan meta entry: %w", err)
		}

		entry.Type = docmodel.EntryType(entryType)
		entry.Deleted = deleted != 0

		if err := json.Unmarshal([]byte(childrenJSON), &entry.Children); err != nil {
			return nil, fmt.Errorf("store: unmarshal children: %w", err)
		}

		if includeConflicts {
			if err := json.Unmarshal([]byte(conflJ), &entry.Conflicts); err != nil {
				return nil, fmt.Errorf("store: unmarshal conflicts: %w", err)
			}
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
