package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fridaysync/vaultsync/internal/connguard"
	"github.com/fridaysync/vaultsync/internal/docid"
	"github.com/fridaysync/vaultsync/internal/docmodel"
	"github.com/fridaysync/vaultsync/internal/eventqueue"
	"github.com/fridaysync/vaultsync/internal/reconnect"
	"github.com/fridaysync/vaultsync/internal/replicator"
)

// ErrDeviceRejected is returned when the remote has rejected this device's
// salt (spec.md §4.11 "Device-rejection (salt mismatch)") and the caller
// must fetch-from-remote before any other operation proceeds.
var ErrDeviceRejected = errors.New("coordinator: device rejected by remote, fetch-from-remote required")

// checkDeviceRejection implements spec.md §4.11's gate run before every
// start_sync and one-shot operation: "before every start_sync and every
// one-shot operation, check the replicator's remote_locked_and_device_not_
// accepted flag. If set, emit a NOTICE... and return false without
// attempting any write" (spec.md §4.11). The coordinator's own
// deviceRejected flag — set by checkSalt the moment a salt mismatch is
// detected locally, and cleared by rebuild_local_from_remote — is checked
// alongside the replicator's flag, since a thin HTTP client never raises
// RemoteLockedAndDeviceNotAccepted on its own (see DESIGN.md).
func (c *Coordinator) checkDeviceRejection() error {
	if c.isDeviceRejected() || c.repl.Flags().RemoteLockedAndDeviceNotAccepted {
		c.logger.Warn("coordinator: remote rejected this device, fetch-from-remote required")

		return ErrDeviceRejected
	}

	return nil
}

// checkSalt implements the salt-consistency protocol (spec.md §6): compares
// the replicator's freshly-fetched PBKDF2 salt against the locally known
// value. A missing known salt is adopted. A mismatch means the remote has
// been reset (I5): the device is marked rejected, the coordinator
// transitions to ERRORED with a single NOTICE, and the caller must abort
// without opening replication or making any further write (P6) until the
// user runs fetch-from-remote.
func (c *Coordinator) checkSalt(ctx context.Context, settings replicator.Settings) error {
	salt, err := c.repl.GetReplicationPBKDF2Salt(ctx, settings, true)
	if err != nil {
		return fmt.Errorf("coordinator: fetching replication salt: %w", err)
	}

	known, ok, err := c.store.KV().GetKnownSalt(ctx, settings.DBName)
	if err != nil {
		return fmt.Errorf("coordinator: reading known salt: %w", err)
	}

	if !ok {
		return c.store.KV().SetKnownSalt(ctx, settings.DBName, string(salt))
	}

	if known != string(salt) {
		c.setDeviceRejected(true)
		c.logger.Warn("coordinator: Remote database has been reset, fetch-from-remote required (NOTICE)")
		c.setState(Errored, "Remote database has been reset, fetch-from-remote required")

		return ErrDeviceRejected
	}

	return nil
}

// StartSync implements start_sync(continuous, reason) (spec.md §4.11). It
// returns false (without error) when the remote is currently unreachable,
// having already entered offline mode and scheduled a reconnect.
func (c *Coordinator) StartSync(ctx context.Context, continuous bool, reason string) (bool, error) {
	if err := c.checkDeviceRejection(); err != nil {
		return false, err
	}

	settings := c.Settings()

	force := reason == "PLUGIN_STARTUP"

	guardSettings := connguard.Settings{URI: settings.URI, User: settings.User, Password: settings.Password}

	result := c.guard.Check(ctx, guardSettings, force)
	if result.Status != connguard.Reachable {
		c.logger.Info("coordinator: remote unreachable, entering offline mode", "reason", reason)
		c.offlineTracker.SetOffline(true)
		c.reconnectSched.Schedule(ctx, reconnect.BaseDelay)
		c.setState(NotConnected, "Server unreachable, offline mode")

		return false, nil
	}

	c.offlineTracker.SetOffline(false)

	if err := c.checkSalt(ctx, settings); err != nil {
		return false, err
	}

	if _, err := c.repl.OpenReplication(ctx, settings, continuous, true, false); err != nil {
		c.setState(Errored, "open_replication failed: "+err.Error())

		return false, fmt.Errorf("coordinator: opening replication: %w", err)
	}

	c.setState(Started, "replication opened")
	c.armWatchdog()

	go func() {
		time.Sleep(eventQueueStartDelay)
		c.queue.Start()
	}()

	c.reconnectSched.StartHealthLoop(ctx)

	c.startWatching(ctx)
	c.startHiddenPolling(ctx)

	c.disarmWatchdog()
	c.setState(Live, "live")

	return true, nil
}

// startWatching launches the recursive fsnotify watch over the vault root
// feeding StorageEventQueue, unless one is already running (spec.md §4.10
// "suspendFileWatching" toggles this off entirely; honored by simply never
// calling StartSync with watching desired).
func (c *Coordinator) startWatching(ctx context.Context) {
	if c.watcher != nil {
		return
	}

	watcher, err := eventqueue.NewFsWatcher()
	if err != nil {
		c.logger.Error("coordinator: starting filesystem watcher failed", "error", err)

		return
	}

	c.watcher = watcher
	c.watchCtx, c.watchStop = context.WithCancel(ctx)

	go func() {
		if err := c.queue.Watch(c.watchCtx, watcher, c.vault.Root()); err != nil {
			c.logger.Warn("coordinator: filesystem watch loop exited", "error", err)
		}
	}()
}

// stopWatching tears down the fsnotify watch started by startWatching.
func (c *Coordinator) stopWatching() {
	if c.watcher == nil {
		return
	}

	c.watchStop()
	c.watcher.Close()
	c.watcher = nil
}

// startHiddenPolling runs HiddenFileSync's periodic storage/DB scan on the
// configured interval (spec.md §4.7 "Periodic scan" / §6
// "syncInternalFilesInterval"), stopping on StopSync/Pause.
func (c *Coordinator) startHiddenPolling(ctx context.Context) {
	if c.hiddenCtx != nil {
		return
	}

	c.hiddenCtx, c.hiddenStop = context.WithCancel(ctx)
	interval := c.cfg.SyncInternalsEvery

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.hiddenCtx.Done():
				return
			case <-ticker.C:
				if err := c.hidden.ScanStorage(c.hiddenCtx); err != nil {
					c.logger.Warn("coordinator: hidden-file storage scan failed", "error", err)
				}

				if err := c.hidden.ScanDB(c.hiddenCtx); err != nil {
					c.logger.Warn("coordinator: hidden-file database scan failed", "error", err)
				}
			}
		}
	}()
}

// stopHiddenPolling cancels the periodic hidden-file scan loop.
func (c *Coordinator) stopHiddenPolling() {
	if c.hiddenCtx == nil {
		return
	}

	c.hiddenStop()
	c.hiddenCtx = nil
	c.hiddenStop = nil
}

// armWatchdog schedules the stuck-STARTED timeout (spec.md §5 "Stuck-STARTED
// watchdog: 30 s"): if the coordinator is still in STARTED when it fires,
// the attempt is considered failed.
func (c *Coordinator) armWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
	}

	c.watchdog = time.AfterFunc(watchdogDelay, func() {
		if c.State() == Started {
			c.setState(Errored, "stuck in STARTED past watchdog timeout")
		}
	})
}

// disarmWatchdog cancels a pending stuck-STARTED timer, called once the
// coordinator reaches LIVE or any terminal state.
func (c *Coordinator) disarmWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// onReachable is the reconnect.ResumeFunc: attempts to resume continuous
// replication once ConnectivityGuard reports REACHABLE again (spec.md §4.9
// "resume continuous replication").
func (c *Coordinator) onReachable(ctx context.Context) bool {
	ok, err := c.StartSync(ctx, true, "RECONNECT")
	if err != nil {
		c.logger.Warn("coordinator: resume after reconnect failed", "error", err)

		return false
	}

	return ok
}

// StopSync implements stop_sync() (spec.md §4.11): stops StorageEventQueue,
// closes replication, cancels scheduled timers, and transitions to CLOSED.
func (c *Coordinator) StopSync(ctx context.Context) error {
	c.disarmWatchdog()
	c.stopWatching()
	c.stopHiddenPolling()
	c.queue.Stop()
	c.reconnectSched.Cancel()
	c.reconnectSched.StopHealthLoop()

	if err := c.repl.CloseReplication(); err != nil {
		c.setState(Errored, "close_replication failed: "+err.Error())

		return fmt.Errorf("coordinator: closing replication: %w", err)
	}

	c.setState(Closed, "stopped")

	return nil
}

// Pause puts the coordinator into PAUSED: replication is closed and the
// event queue and reconnect scheduler are stopped, but the local store and
// every other collaborator stay open so Resume can restart cheaply. Used by
// the CLI's pause command reaching a running `sync --watch` daemon via
// SIGHUP (spec.md §4.11 PAUSED state; no operation table row names its
// trigger, so this mirrors stop_sync minus tearing down the coordinator).
func (c *Coordinator) Pause(ctx context.Context) error {
	c.disarmWatchdog()
	c.stopWatching()
	c.stopHiddenPolling()
	c.queue.Stop()
	c.reconnectSched.Cancel()

	if err := c.repl.CloseReplication(); err != nil {
		c.setState(Errored, "pause: close_replication failed: "+err.Error())

		return fmt.Errorf("coordinator: pausing: %w", err)
	}

	c.setState(Paused, "paused")

	return nil
}

// Resume leaves PAUSED by re-running start_sync with the configured
// live-sync mode.
func (c *Coordinator) Resume(ctx context.Context) (bool, error) {
	return c.StartSync(ctx, c.cfg.Sync.LiveSync, "RESUME")
}

// handleDocumentBatch implements spec.md §4.11's "Replication-result
// ingestion": drops system documents, routes hidden-namespace documents to
// HiddenFileSync, and enqueues everything else into a per-path serialized
// apply_doc_to_file call.
//
// Our DocumentModel (spec.md §4.2) never introduced the CouchDB-protocol
// system-doc type tags (versioninfo/milestoneinfo/nodeinfo/leaf) the
// original filter names, so the system-doc check here is ID-prefix only
// (docid.IsReservedID, docid.IsChunkID); see DESIGN.md.
func (c *Coordinator) handleDocumentBatch(ctx context.Context, batch replicator.DocumentBatch) {
	for _, entry := range batch.Entries {
		if docid.IsReservedID(entry.ID) || docid.IsChunkID(entry.ID) {
			continue
		}

		if err := c.store.PutRemoteEntry(ctx, entry); err != nil {
			c.logger.Error("coordinator: persisting remote entry failed", "id", entry.ID, "error", err)

			continue
		}

		if docid.IsHiddenID(entry.ID) {
			c.applyHiddenEntry(ctx, entry)

			continue
		}

		c.applyNormalEntry(ctx, entry)
	}
}

func (c *Coordinator) applyHiddenEntry(ctx context.Context, entry docmodel.MetaEntry) {
	lock := c.pathLock(entry.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.hidden.TrackDBModification(ctx, entry); err != nil {
		c.logger.Error("coordinator: hidden-file apply failed", "path", entry.Path, "error", err)
	}
}

func (c *Coordinator) applyNormalEntry(ctx context.Context, entry docmodel.MetaEntry) {
	lock := c.pathLock(entry.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.normal.ApplyDocToFile(ctx, entry); err != nil {
		c.logger.Error("coordinator: apply_doc_to_file failed", "path", entry.Path, "error", err)
	}
}

// eventFromPath builds a synthetic process_direct event for a vault file
// discovered by a full scan (used by rebuild_remote).
func eventFromPath(path string, mtime time.Time) eventqueue.Event {
	return eventqueue.Event{Path: path, Type: eventqueue.Changed, Mtime: mtime}
}
