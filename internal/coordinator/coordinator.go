// Package coordinator implements SyncCoordinator (spec.md §4.11, component
// C13): the top-level state machine that owns every other component and
// exposes initialize/start_sync/pull/push/rebuild-remote/fetch-from-remote
// and manual-operation framing. Grounded on the teacher's internal/sync
// package shape — a long-lived struct wiring the HTTP client, local state,
// and watcher together behind a handful of top-level verbs — and on
// status.go's status-enum-plus-observer pattern for progress reporting.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fridaysync/vaultsync/internal/config"
	"github.com/fridaysync/vaultsync/internal/connguard"
	"github.com/fridaysync/vaultsync/internal/docid"
	"github.com/fridaysync/vaultsync/internal/eventqueue"
	"github.com/fridaysync/vaultsync/internal/hiddensync"
	"github.com/fridaysync/vaultsync/internal/mtimecache"
	"github.com/fridaysync/vaultsync/internal/normalsync"
	"github.com/fridaysync/vaultsync/internal/offline"
	"github.com/fridaysync/vaultsync/internal/reconcile"
	"github.com/fridaysync/vaultsync/internal/reconnect"
	"github.com/fridaysync/vaultsync/internal/replicator"
	"github.com/fridaysync/vaultsync/internal/store"
	"github.com/fridaysync/vaultsync/internal/vaultio"
)

// State is one of the coordinator's lifecycle states (spec.md §4.11).
type State int

const (
	NotConnected State = iota
	Started
	Live
	Paused
	Completed
	Errored
	Closed
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Started:
		return "STARTED"
	case Live:
		return "LIVE"
	case Paused:
		return "PAUSED"
	case Completed:
		return "COMPLETED"
	case Errored:
		return "ERRORED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Status is the observable state the coordinator publishes to subscribers
// (spec.md §4.11 "Progress events (observable)", §9 "small observer
// registry").
type Status struct {
	State     State
	Message   string
	UpdatedAt time.Time
}

// Observer receives every status transition.
type Observer func(Status)

// watchdogDelay bounds how long start_sync may dwell in STARTED before the
// coordinator assumes the replicator has stalled (spec.md §5 "Stuck-STARTED
// watchdog: 30 s").
const watchdogDelay = 30 * time.Second

// eventQueueStartDelay lets startup-generated filesystem events settle
// before StorageEventQueue begins admitting them (spec.md §4.11 "start
// StorageEventQueue after 1500 ms delay").
const eventQueueStartDelay = 1500 * time.Millisecond

// Coordinator implements SyncCoordinator, owning every other component.
type Coordinator struct {
	logger *slog.Logger
	cfg    *config.Resolved

	vault *vaultio.Vault
	store *store.Store
	codec *docid.Codec
	cache *mtimecache.Cache
	recon *reconcile.Reconciler

	queue  *eventqueue.Queue
	normal *normalsync.Sync
	hidden *hiddensync.Sync

	repl  replicator.Replicator
	guard *connguard.Guard

	offlineTracker *offline.Tracker
	reconnectSched *reconnect.Scheduler

	watcher    eventqueue.FsWatcher
	watchCtx   context.Context
	watchStop  context.CancelFunc
	hiddenCtx  context.Context
	hiddenStop context.CancelFunc

	mu             sync.Mutex
	state          State
	message        string
	deviceRejected bool
	manualOp       bool

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int

	applyMu    sync.Mutex
	applyLocks map[string]*sync.Mutex

	watchdog *time.Timer

	nowFunc func() time.Time
}

// Settings derives the replicator.Settings this coordinator's config maps
// to (spec.md §6 CLI/config surface).
func (c *Coordinator) Settings() replicator.Settings {
	return replicator.Settings{
		URI:       c.cfg.Couch.URI,
		User:      c.cfg.Couch.User,
		Password:  c.cfg.Couch.Password,
		DBName:    c.cfg.Couch.DBName,
		UserAgent: c.cfg.Network.UserAgent,
	}
}

// Initialize performs spec.md §4.11's `initialize(config)` operation: loads
// settings, constructs LocalStore (firing the database-initialisation hook),
// the Replicator, HiddenFileSync, and OfflineTracker (which loads any
// persisted pending changes), and wires ConnectivityGuard/ReconnectScheduler.
// The coordinator starts in NOT_CONNECTED.
func Initialize(ctx context.Context, logger *slog.Logger, cfg *config.Resolved, vaultRoot string, dbPath string, repl replicator.Replicator, hook store.InitHook) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vault := vaultio.New(vaultRoot)

	st, err := store.Open(ctx, dbPath, logger, hook)
	if err != nil {
		return nil, fmt.Errorf("coordinator: opening local store: %w", err)
	}

	codec := docid.New(cfg.Couch.UsePathObfuscation, cfg.Couch.Passphrase, false)

	cache := mtimecache.New(st.MtimePairPersister())
	if err := cache.Warm(); err != nil {
		return nil, fmt.Errorf("coordinator: warming mtime-pair cache: %w", err)
	}

	recon := reconcile.New(cache)

	ignore := eventqueue.NewCompiledIgnore(cfg.Filter.SyncInternalFilesIgnorePatterns)

	c := &Coordinator{
		logger:     logger,
		cfg:        cfg,
		vault:      vault,
		store:      st,
		codec:      codec,
		cache:      cache,
		recon:      recon,
		repl:       repl,
		observers:  make(map[int]Observer),
		applyLocks: make(map[string]*sync.Mutex),
		nowFunc:    time.Now,
	}

	c.queue = eventqueue.New(logger,
		func(ctx context.Context, ev eventqueue.Event, force bool) error { return c.normal.StoreFileToDB(ctx, ev, force) },
		func(ctx context.Context, ev eventqueue.Event) error { return c.normal.DeleteFileFromDB(ctx, ev) },
		eventqueue.WithIgnoreMatcher(ignore))

	c.normal = normalsync.New(logger, vault, st, codec, recon, cache, c.queue)

	hiddenOpts := []hiddensync.Option{
		hiddensync.WithIgnore(eventqueue.NewCompiledIgnore(cfg.Filter.SyncInternalFilesIgnorePatterns)),
		hiddensync.WithOverwritePatterns(eventqueue.NewCompiledIgnore(cfg.Filter.SyncInternalFileOverwritePatterns)),
	}

	if len(cfg.Filter.SyncInternalFilesTargetPatterns) > 0 {
		hiddenOpts = append(hiddenOpts, hiddensync.WithTarget(eventqueue.NewCompiledIgnore(cfg.Filter.SyncInternalFilesTargetPatterns)))
	}

	c.hidden = hiddensync.New(logger, vault, st, codec, hiddenOpts...)

	c.guard = connguard.New(nil, logger)

	offlineTracker, err := offline.New(logger, st.OfflinePersister(), c.queue)
	if err != nil {
		return nil, fmt.Errorf("coordinator: constructing offline tracker: %w", err)
	}

	c.offlineTracker = offlineTracker

	c.reconnectSched = reconnect.New(logger, c.guard,
		func() connguard.Settings {
			return connguard.Settings{URI: cfg.Couch.URI, User: cfg.Couch.User, Password: cfg.Couch.Password}
		},
		c.onReachable,
		func() bool { return cfg.Sync.LiveSync },
		func() bool { return c.State() == Errored || c.State() == Closed },
	)

	repl.SetOnDocuments(func(batch replicator.DocumentBatch) { c.handleDocumentBatch(context.Background(), batch) })

	c.setState(NotConnected, "initialized")

	return c, nil
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// StatusSnapshot returns the coordinator's full current status.
func (c *Coordinator) StatusSnapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{State: c.state, Message: c.message, UpdatedAt: c.nowFunc()}
}

// setDeviceRejected records whether this device's stored salt currently
// disagrees with the remote's (spec.md §4.11 "Device-rejection (salt
// mismatch)"). Set by checkSalt on mismatch; cleared by
// rebuild_local_from_remote once the device has re-synced.
func (c *Coordinator) setDeviceRejected(rejected bool) {
	c.mu.Lock()
	c.deviceRejected = rejected
	c.mu.Unlock()
}

// isDeviceRejected reports the coordinator's own device-rejected state,
// checked by checkDeviceRejection alongside the replicator's flag.
func (c *Coordinator) isDeviceRejected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.deviceRejected
}

// Subscribe registers fn to receive every future status transition,
// returning a handle for Unsubscribe (spec.md §9 "small observer registry
// exposing subscribe(fn) -> handle").
func (c *Coordinator) Subscribe(fn Observer) int {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	c.nextObs++
	handle := c.nextObs
	c.observers[handle] = fn

	return handle
}

// Unsubscribe removes a previously-registered observer.
func (c *Coordinator) Unsubscribe(handle int) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	delete(c.observers, handle)
}

func (c *Coordinator) setState(s State, message string) {
	c.mu.Lock()
	c.state = s
	c.message = message
	c.mu.Unlock()

	c.logger.Info("coordinator: state transition", "state", s, "message", message)
	c.notify(Status{State: s, Message: message, UpdatedAt: c.nowFunc()})
}

func (c *Coordinator) notify(status Status) {
	c.obsMu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}

// pathLock returns the per-path mutex used to serialize apply_doc_to_file
// calls for id (spec.md §5 "serialized by key... file-<id> locks").
func (c *Coordinator) pathLock(id string) *sync.Mutex {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	lock, ok := c.applyLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.applyLocks[id] = lock
	}

	return lock
}

// Store returns the coordinator's underlying LocalStore, for callers that
// need direct KV access (e.g. the CLI's persisted pause flag).
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Close releases the coordinator's underlying resources without going
// through the stop_sync state transition; used by callers that are tearing
// down after an initialize() failure.
func (c *Coordinator) Close() error {
	c.reconnectSched.Cancel()
	c.reconnectSched.StopHealthLoop()

	return c.store.Close()
}
