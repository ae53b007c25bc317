package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fridaysync/vaultsync/internal/docid"
	"github.com/fridaysync/vaultsync/internal/docmodel"
	"github.com/fridaysync/vaultsync/internal/replicator"
)

func timeFromStatMs(ms int64) time.Time { return time.UnixMilli(ms) }

// fetchChunkBatchSize bounds how many chunk IDs FetchRemoteChunks is asked
// for in a single call during the active chunk-fetch step (spec.md §4.11
// step 7), matching the replicator's own batching for _bulk_docs-style
// calls (internal/replicator/operations.go fetchChunkBatchSize).
const fetchChunkBatchSize = 100

// missingChunksNoticeExamples bounds how many example paths the aggregated
// MissingChunks NOTICE names (spec.md §7 "log aggregated").
const missingChunksNoticeExamples = 3

// missingChunksFetchSuggestThreshold is the "small threshold" past which
// the aggregated NOTICE suggests fetch_from_server (spec.md §7
// "MissingChunks(ids): ... suggest fetch-from-remote when count exceeds
// small threshold").
const missingChunksFetchSuggestThreshold = 5

// runManualOp wraps fn in the manual-operation framing spec.md I6
// describes: reconnect is paused for the duration so no background
// reconnect attempt races with the operation, and a uuid tags the
// operation in logs for end-to-end traceability across its steps.
//
// Callers gate on device-rejection themselves: fetch_from_server is the
// prescribed escape from a rejected device (spec.md §4.11 "Device-rejection
// (salt mismatch)") and must run even while rejected, so the gate can't
// live inside this shared wrapper.
func (c *Coordinator) runManualOp(ctx context.Context, name string, fn func(ctx context.Context, opID string) error) error {
	opID := uuid.NewString()

	c.reconnectSched.Pause()
	defer c.reconnectSched.Resume()

	c.logger.Info("coordinator: manual operation starting", "op", name, "op_id", opID)

	if err := fn(ctx, opID); err != nil {
		c.setState(Errored, fmt.Sprintf("%s failed: %s", name, err))
		c.logger.Error("coordinator: manual operation failed", "op", name, "op_id", opID, "error", err)

		return err
	}

	c.setState(Completed, name+" completed")
	c.logger.Info("coordinator: manual operation completed", "op", name, "op_id", opID)

	return nil
}

// PullFromServer implements pull_from_server() (spec.md §4.11): a one-shot
// replicate-from-remote, logged as NOTICE.
func (c *Coordinator) PullFromServer(ctx context.Context) error {
	if err := c.checkDeviceRejection(); err != nil {
		return err
	}

	settings := c.Settings()

	c.logger.Info("coordinator: pull_from_server starting (NOTICE)")

	if _, err := c.repl.ReplicateAllFromServer(ctx, settings, true); err != nil {
		c.setState(Errored, "pull_from_server failed: "+err.Error())

		return fmt.Errorf("coordinator: pull_from_server: %w", err)
	}

	c.setState(Completed, "pull_from_server completed")

	return nil
}

// PushToServer implements push_to_server() (spec.md §4.11): a manual-op
// wrapping a one-shot replicate-to-remote.
func (c *Coordinator) PushToServer(ctx context.Context) error {
	return c.runManualOp(ctx, "push_to_server", func(ctx context.Context, opID string) error {
		if err := c.checkDeviceRejection(); err != nil {
			return err
		}

		settings := c.Settings()

		if _, err := c.repl.ReplicateAllToServer(ctx, settings, true); err != nil {
			return fmt.Errorf("push_to_server: %w", err)
		}

		return nil
	})
}

// FetchFromServer implements fetch_from_server() (spec.md §4.11): a
// manual-op that marks this device resolved on the remote, then runs the
// full rebuild_local_from_remote sequence.
func (c *Coordinator) FetchFromServer(ctx context.Context) error {
	return c.runManualOp(ctx, "fetch_from_server", func(ctx context.Context, opID string) error {
		settings := c.Settings()

		if err := c.repl.MarkRemoteResolved(ctx, settings); err != nil {
			return fmt.Errorf("fetch_from_server: mark_remote_resolved: %w", err)
		}

		return c.rebuildLocalFromRemote(ctx, settings)
	})
}

// RebuildRemote implements rebuild_remote() (spec.md §4.11): scans every
// vault file through process_direct, resets and recreates the remote
// database, then replicates to it twice (a second pass catches any chunk
// that the first pass's documents referenced but hadn't yet pushed).
func (c *Coordinator) RebuildRemote(ctx context.Context) error {
	return c.runManualOp(ctx, "rebuild_remote", func(ctx context.Context, opID string) error {
		if err := c.checkDeviceRejection(); err != nil {
			return err
		}

		settings := c.Settings()

		paths, err := c.vault.List()
		if err != nil {
			return fmt.Errorf("rebuild_remote: listing vault: %w", err)
		}

		for _, path := range paths {
			stat, statErr := c.vault.Stat(path)
			if statErr != nil {
				c.logger.Warn("rebuild_remote: stat failed, skipping", "path", path, "error", statErr)

				continue
			}

			ev := eventFromPath(path, timeFromStatMs(stat.MtimeMs))

			if err := c.queue.ProcessDirect(ctx, ev, true); err != nil {
				c.logger.Warn("rebuild_remote: process_direct failed, skipping", "path", path, "error", err)
			}
		}

		if err := c.repl.TryResetRemoteDatabase(ctx, settings); err != nil {
			return fmt.Errorf("rebuild_remote: reset remote database: %w", err)
		}

		if err := c.repl.TryCreateRemoteDatabase(ctx, settings); err != nil {
			return fmt.Errorf("rebuild_remote: create remote database: %w", err)
		}

		for pass := 0; pass < 2; pass++ {
			if _, err := c.repl.ReplicateAllToServer(ctx, settings, pass == 0); err != nil {
				return fmt.Errorf("rebuild_remote: replicate-to-remote pass %d: %w", pass+1, err)
			}
		}

		return nil
	})
}

// RebuildLocalFromRemote implements rebuild_local_from_remote() (spec.md
// §4.11). It is invoked both as a standalone operation and as the last
// step of fetch_from_server; callers that already hold the manual-op frame
// (fetch_from_server) call rebuildLocalFromRemote directly, while this
// exported entry point frames its own.
func (c *Coordinator) RebuildLocalFromRemote(ctx context.Context) error {
	return c.runManualOp(ctx, "rebuild_local_from_remote", func(ctx context.Context, opID string) error {
		return c.rebuildLocalFromRemote(ctx, c.Settings())
	})
}

func (c *Coordinator) rebuildLocalFromRemote(ctx context.Context, settings replicator.Settings) error {
	c.queue.Suspend()
	defer c.queue.Resume()

	c.queue.Stop()

	if err := c.store.Reset(ctx); err != nil {
		return fmt.Errorf("rebuild_local_from_remote: resetting local store: %w", err)
	}

	if err := c.store.KV().ClearKnownSalt(ctx, settings.DBName); err != nil {
		return fmt.Errorf("rebuild_local_from_remote: clearing known salt: %w", err)
	}

	if err := c.repl.MarkRemoteResolved(ctx, settings); err != nil {
		return fmt.Errorf("rebuild_local_from_remote: mark_remote_resolved: %w", err)
	}

	c.setDeviceRejected(false)

	salt, err := c.repl.GetReplicationPBKDF2Salt(ctx, settings, true)
	if err != nil {
		return fmt.Errorf("rebuild_local_from_remote: fetching fresh salt: %w", err)
	}

	if err := c.store.KV().SetKnownSalt(ctx, settings.DBName, string(salt)); err != nil {
		return fmt.Errorf("rebuild_local_from_remote: storing fresh salt: %w", err)
	}

	for pass := 0; pass < 2; pass++ {
		if _, err := c.repl.ReplicateAllFromServer(ctx, settings, pass == 0); err != nil {
			return fmt.Errorf("rebuild_local_from_remote: replicate-from-remote pass %d: %w", pass+1, err)
		}
	}

	if err := c.fetchMissingChunks(ctx, settings); err != nil {
		return fmt.Errorf("rebuild_local_from_remote: active chunk fetch: %w", err)
	}

	if err := c.materializeAll(ctx); err != nil {
		return fmt.Errorf("rebuild_local_from_remote: materializing vault: %w", err)
	}

	if c.cfg.Sync.LiveSync {
		if _, err := c.StartSync(ctx, true, "REBUILD_RESTART"); err != nil {
			return fmt.Errorf("rebuild_local_from_remote: restarting live sync: %w", err)
		}
	}

	return nil
}

// fetchMissingChunks implements spec.md §4.11 step 7: actively fetches
// every leaf referenced by any meta-document that isn't already present
// locally, in fetchChunkBatchSize batches.
func (c *Coordinator) fetchMissingChunks(ctx context.Context, settings replicator.Settings) error {
	ids, err := c.store.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing document keys: %w", err)
	}

	var missing []string

	for _, id := range ids {
		meta, err := c.store.GetMeta(ctx, id, false)
		if err != nil {
			continue
		}

		for _, chunkID := range meta.Children {
			if _, ok := c.store.ResolveChunk(chunkID); !ok {
				missing = append(missing, chunkID)
			}
		}
	}

	for start := 0; start < len(missing); start += fetchChunkBatchSize {
		end := start + fetchChunkBatchSize
		if end > len(missing) {
			end = len(missing)
		}

		batch := missing[start:end]

		leaves, _, err := c.repl.FetchRemoteChunks(ctx, settings, batch, false)
		if err != nil {
			return fmt.Errorf("fetching chunk batch: %w", err)
		}

		for _, leaf := range leaves {
			if err := c.store.PutLeaf(ctx, leaf); err != nil {
				return fmt.Errorf("writing fetched leaf %s: %w", leaf.ID, err)
			}
		}
	}

	return nil
}

// materializeAll implements spec.md §4.11 step 9: writes every
// non-hidden, non-deleted meta-document into the vault via
// apply_doc_to_file, touching each written file so StorageEventQueue
// recognizes and drops the resulting filesystem event once it restarts.
func (c *Coordinator) materializeAll(ctx context.Context) error {
	ids, err := c.store.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing document keys: %w", err)
	}

	var missingChunkPaths []string

	for _, id := range ids {
		if docid.IsReservedID(id) || docid.IsChunkID(id) {
			continue
		}

		meta, err := c.store.GetMeta(ctx, id, false)
		if err != nil {
			continue
		}

		if meta.Deleted {
			continue
		}

		if docid.IsHiddenID(id) {
			if err := c.hidden.TrackDBModification(ctx, meta); err != nil {
				c.logger.Error("rebuild_local_from_remote: materializing hidden doc failed", "path", meta.Path, "error", err)
			}

			continue
		}

		if err := c.normal.ApplyDocToFile(ctx, meta); err != nil {
			var missing *docmodel.MissingChunksError
			if errors.As(err, &missing) {
				missingChunkPaths = append(missingChunkPaths, meta.Path)

				continue
			}

			c.logger.Error("rebuild_local_from_remote: materializing doc failed", "path", meta.Path, "error", err)
		}
	}

	c.reportMissingChunks(missingChunkPaths)

	return nil
}

// reportMissingChunks implements spec.md §7's MissingChunks(ids) behavior:
// a single aggregated NOTICE naming up to missingChunksNoticeExamples
// example paths plus the total count, suggesting fetch_from_server once the
// count exceeds missingChunksFetchSuggestThreshold, rather than one log
// line per skipped file.
func (c *Coordinator) reportMissingChunks(paths []string) {
	if len(paths) == 0 {
		return
	}

	examples := paths
	if len(examples) > missingChunksNoticeExamples {
		examples = examples[:missingChunksNoticeExamples]
	}

	suggestion := ""
	if len(paths) > missingChunksFetchSuggestThreshold {
		suggestion = "; consider running fetch_from_server"
	}

	c.logger.Warn("rebuild_local_from_remote: skipped files with missing chunks (NOTICE)",
		"count", len(paths), "examples", examples, "suggestion", suggestion)
}
