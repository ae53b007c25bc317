package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fridaysync/vaultsync/internal/mtimecache"
	"github.com/fridaysync/vaultsync/internal/offline"
)

// KV is the key-value side-store (spec.md §6 "Persisted state layout"):
// holds the known replication salt, offline-change queue, mtime-pair cache,
// and replication checkpoints. Single-writer per key.
type KV struct {
	db *sql.DB
}

// KV returns the key-value side-store view of this database.
func (s *Store) KV() *KV { return &KV{db: s.db} }

// Get returns the raw value stored under key, or (nil, false) if absent.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte

	err := kv.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("store: kv get %s: %w", key, err)
	}

	return value, true, nil
}

// Set stores value under key, overwriting any prior value.
func (kv *KV) Set(ctx context.Context, key string, value []byte) error {
	_, err := kv.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: kv set %s: %w", key, err)
	}

	return nil
}

// Delete removes key, if present.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if _, err := kv.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: kv delete %s: %w", key, err)
	}

	return nil
}

// saltKeyPrefix namespaces the known-salt key per spec.md §6
// "known_salt_<dbname>".
const saltKeyPrefix = "known_salt_"

// GetKnownSalt returns the last stored replication salt for dbname.
func (kv *KV) GetKnownSalt(ctx context.Context, dbname string) (string, bool, error) {
	value, ok, err := kv.Get(ctx, saltKeyPrefix+dbname)
	if err != nil || !ok {
		return "", ok, err
	}

	return string(value), true, nil
}

// SetKnownSalt stores salt as the known-good replication salt for dbname.
func (kv *KV) SetKnownSalt(ctx context.Context, dbname, salt string) error {
	return kv.Set(ctx, saltKeyPrefix+dbname, []byte(salt))
}

// ClearKnownSalt removes the stored salt, used on an explicit user reset.
func (kv *KV) ClearKnownSalt(ctx context.Context, dbname string) error {
	return kv.Delete(ctx, saltKeyPrefix+dbname)
}

// pausedKey persists the CLI's pause/resume command across daemon restarts
// and lets a freshly-started `sync --watch` come up already paused.
const pausedKey = "vaultsync-paused"

// SetPaused records whether the vault is paused.
func (kv *KV) SetPaused(ctx context.Context, paused bool) error {
	value := []byte("false")
	if paused {
		value = []byte("true")
	}

	return kv.Set(ctx, pausedKey, value)
}

// IsPaused reports whether the vault was last left paused.
func (kv *KV) IsPaused(ctx context.Context) (bool, error) {
	value, ok, err := kv.Get(ctx, pausedKey)
	if err != nil || !ok {
		return false, err
	}

	return string(value) == "true", nil
}

// checkpointKeyPrefix namespaces replication checkpoints per spec.md §6
// "friday-store-checkpoint-*".
const checkpointKeyPrefix = "friday-store-checkpoint-"

// GetCheckpoint returns the opaque replication checkpoint stored for name.
func (kv *KV) GetCheckpoint(ctx context.Context, name string) ([]byte, bool, error) {
	return kv.Get(ctx, checkpointKeyPrefix+name)
}

// offlineChangesKey is the single key the offline-change queue is stored
// under, per spec.md §6 "friday-offline-changes".
const offlineChangesKey = "friday-offline-changes"

// offlinePersister adapts the kv_store's single-blob storage to
// offline.Persister.
type offlinePersister struct {
	db *sql.DB
}

// OfflinePersister returns an offline.Persister backed by this database's
// kv_store table.
func (s *Store) OfflinePersister() offline.Persister {
	return &offlinePersister{db: s.db}
}

func (p *offlinePersister) SavePending(changes map[string]offline.Change) error {
	data, err := offline.MarshalPending(changes)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(
		`INSERT INTO kv_store (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, offlineChangesKey, data)
	if err != nil {
		return fmt.Errorf("store: saving offline changes: %w", err)
	}

	return nil
}

func (p *offlinePersister) LoadPending() (map[string]offline.Change, error) {
	var data []byte

	err := p.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, offlineChangesKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return offline.UnmarshalPending(nil)
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading offline changes: %w", err)
	}

	return offline.UnmarshalPending(data)
}

// SetCheckpoint stores an opaque replication checkpoint under name.
func (kv *KV) SetCheckpoint(ctx context.Context, name string, checkpoint []byte) error {
	return kv.Set(ctx, checkpointKeyPrefix+name, checkpoint)
}

// mtimePairPersister adapts the kv_store's dedicated mtime_pairs table to
// mtimecache.Persister.
type mtimePairPersister struct {
	db *sql.DB
}

// MtimePairPersister returns an mtimecache.Persister backed by this
// database's mtime_pairs table.
func (s *Store) MtimePairPersister() mtimecache.Persister {
	return &mtimePairPersister{db: s.db}
}

func (p *mtimePairPersister) SaveMark(path string, a, b time.Time) error {
	aMs, bMs := normalizedMillis(a, b)

	_, err := p.db.Exec(
		`INSERT INTO mtime_pairs (path, mtime_a, mtime_b) VALUES (?, ?, ?)
		 ON CONFLICT(path, mtime_a, mtime_b) DO NOTHING`,
		path, aMs, bMs)

	return err
}

func (p *mtimePairPersister) DeleteMarks(path string) error {
	_, err := p.db.Exec(`DELETE FROM mtime_pairs WHERE path = ?`, path)

	return err
}

func (p *mtimePairPersister) LoadAll() (map[string][]mtimecache.MarkPair, error) {
	rows, err := p.db.Query(`SELECT path, mtime_a, mtime_b FROM mtime_pairs`)
	if err != nil {
		return nil, fmt.Errorf("store: loading mtime pairs: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]mtimecache.MarkPair)

	for rows.Next() {
		var (
			path     string
			aMs, bMs int64
		)

		if err := rows.Scan(&path, &aMs, &bMs); err != nil {
			return nil, fmt.Errorf("store: scanning mtime pair: %w", err)
		}

		result[path] = append(result[path], mtimecache.MarkPair{
			A: time.UnixMilli(aMs),
			B: time.UnixMilli(bMs),
		})
	}

	return result, rows.Err()
}

// normalizedMillis returns (a, b) in millisecond form, ordered so the same
// unordered pair always inserts under one row regardless of call order.
func normalizedMillis(a, b time.Time) (int64, int64) {
	aMs, bMs := a.UnixMilli(), b.UnixMilli()
	if aMs > bMs {
		return bMs, aMs
	}

	return aMs, bMs
}
