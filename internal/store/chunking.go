package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/fridaysync/vaultsync/internal/docid"
	"github.com/fridaysync/vaultsync/internal/docmodel"
)

// chunkSize bounds how large a single leaf may be. Splitting large blobs
// keeps individual documents small enough for the replication protocol's
// attachment limits and lets unchanged regions of a file be recognized as
// already-present leaves on re-save.
const chunkSize = 1 << 20 // 1 MiB

// writeChunks splits blob into content-addressed chunks, inserts any that
// are not already present, and returns the ordered list of chunk IDs
// (spec.md §4.3 "chunks the body, writes any new leaves").
func (s *Store) writeChunks(ctx context.Context, blob []byte) ([]string, error) {
	for _, piece := range splitChunks(blob) {
		if _, err := s.writeChunk(ctx, piece); err != nil {
			return nil, err
		}
	}

	return ChunkIDs(blob), nil
}

// splitChunks divides blob into chunkSize-bounded pieces, with a single
// empty piece standing in for a zero-length blob so it still round-trips
// through one content-addressed chunk.
func splitChunks(blob []byte) [][]byte {
	if len(blob) == 0 {
		return [][]byte{nil}
	}

	pieces := make([][]byte, 0, (len(blob)+chunkSize-1)/chunkSize)

	for offset := 0; offset < len(blob); offset += chunkSize {
		end := offset + chunkSize
		if end > len(blob) {
			end = len(blob)
		}

		pieces = append(pieces, blob[offset:end])
	}

	return pieces
}

// ChunkIDs computes the ordered chunk IDs blob would be split into, without
// writing anything to the database. NormalFileSync uses this to compare a
// vault file's current content against a meta-document's recorded children
// (spec.md §4.6 step 3) without paying for a chunk write on every poll.
func ChunkIDs(blob []byte) []string {
	pieces := splitChunks(blob)
	ids := make([]string, len(pieces))

	for i, piece := range pieces {
		ids[i] = chunkID(piece)
	}

	return ids
}

func (s *Store) writeChunk(ctx context.Context, data []byte) (string, error) {
	id := chunkID(data)

	if _, ok, err := s.resolveChunk(ctx, id); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, data) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, id, data)
	if err != nil {
		return "", fmt.Errorf("store: writing chunk %s: %w", id, err)
	}

	return id, nil
}

// chunkID computes the content-addressed ID for data, per spec.md §3
// "IDs are content-addressed; identical content from any device yields the
// same ID."
func chunkID(data []byte) string {
	sum := blake2b.Sum256(data)

	return docid.ChunkPrefix + hex.EncodeToString(sum[:])
}

// PutLeaf writes a leaf fetched from the remote directly into the chunk
// table under its own content-addressed ID, used by
// rebuild_local_from_remote's active chunk-fetch step (spec.md §4.11 step
// 7). Idempotent: an already-present leaf is left untouched (spec.md §3
// "Leaves are write-once").
func (s *Store) PutLeaf(ctx context.Context, leaf docmodel.Leaf) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, data) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, leaf.ID, leaf.Data)
	if err != nil {
		return fmt.Errorf("store: writing fetched leaf %s: %w", leaf.ID, err)
	}

	return nil
}

func (s *Store) resolveChunk(ctx context.Context, id string) ([]byte, bool, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `SELECT data FROM chunks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("store: resolving chunk %s: %w", id, err)
	}

	return data, true, nil
}
