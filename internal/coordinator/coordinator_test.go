package coordinator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fridaysync/vaultsync/internal/config"
	"github.com/fridaysync/vaultsync/internal/docmodel"
	"github.com/fridaysync/vaultsync/internal/replicator"
)

// fakeReplicator is a minimal in-memory stand-in for replicator.Replicator,
// grounded on the teacher's own httpmock-free fake-client test pattern
// (internal/graph/client_test.go's scripted fake transport).
type fakeReplicator struct {
	mu sync.Mutex

	openErr  error
	closeErr error
	flags    replicator.Flags
	salt     []byte

	openCalls  int
	closeCalls int
}

func (f *fakeReplicator) OpenReplication(_ context.Context, _ replicator.Settings, _, _, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openCalls++

	if f.openErr != nil {
		return false, f.openErr
	}

	return true, nil
}

func (f *fakeReplicator) CloseReplication() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeCalls++

	return f.closeErr
}

func (f *fakeReplicator) ReplicateAllFromServer(_ context.Context, _ replicator.Settings, _ bool) (bool, error) {
	return true, nil
}

func (f *fakeReplicator) ReplicateAllToServer(_ context.Context, _ replicator.Settings, _ bool) (bool, error) {
	return true, nil
}

func (f *fakeReplicator) FetchRemoteChunks(_ context.Context, _ replicator.Settings, _ []string, _ bool) ([]docmodel.Leaf, bool, error) {
	return nil, true, nil
}

func (f *fakeReplicator) TryResetRemoteDatabase(_ context.Context, _ replicator.Settings) error {
	return nil
}

func (f *fakeReplicator) TryCreateRemoteDatabase(_ context.Context, _ replicator.Settings) error {
	return nil
}

func (f *fakeReplicator) MarkRemoteResolved(_ context.Context, _ replicator.Settings) error {
	return nil
}

func (f *fakeReplicator) GetReplicationPBKDF2Salt(_ context.Context, _ replicator.Settings, _ bool) ([]byte, error) {
	if f.salt != nil {
		return f.salt, nil
	}

	return []byte("test-salt"), nil
}

func (f *fakeReplicator) Flags() replicator.Flags {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.flags
}

func (f *fakeReplicator) SetOnDocuments(_ replicator.OnDocuments) {}

func testConfig(couchURI string) *config.Resolved {
	cfg := &config.Resolved{}
	cfg.Couch.URI = couchURI
	cfg.Couch.DBName = "vault"
	cfg.Sync.LiveSync = true
	cfg.SyncInternalsEvery = time.Hour // long enough not to fire during a test

	return cfg
}

func newTestCoordinator(t *testing.T, cfg *config.Resolved, repl replicator.Replicator) *Coordinator {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	vaultRoot := t.TempDir()

	co, err := Initialize(context.Background(), logger, cfg, vaultRoot, ":memory:", repl, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = co.Close() })

	return co
}

func TestInitialize_StartsNotConnected(t *testing.T) {
	t.Parallel()

	co := newTestCoordinator(t, testConfig("http://127.0.0.1:1"), &fakeReplicator{})

	assert.Equal(t, NotConnected, co.State())
}

func TestStartSync_UnreachableEntersOfflineModeWithoutError(t *testing.T) {
	t.Parallel()

	// Port 1 refuses connections immediately, standing in for an
	// unreachable remote without relying on network access.
	co := newTestCoordinator(t, testConfig("http://127.0.0.1:1"), &fakeReplicator{})

	ok, err := co.StartSync(context.Background(), false, "PLUGIN_STARTUP")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unreachable start_sync never reaches LIVE.
	assert.NotEqual(t, Live, co.State())
}

func TestStartSync_ReachableTransitionsToLive(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	repl := &fakeReplicator{}
	co := newTestCoordinator(t, testConfig(server.URL), repl)

	ok, err := co.StartSync(context.Background(), false, "PLUGIN_STARTUP")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Live, co.State())
	assert.Equal(t, 1, repl.openCalls)

	require.NoError(t, co.StopSync(context.Background()))
	assert.Equal(t, Closed, co.State())
	assert.Equal(t, 1, repl.closeCalls)
}

func TestStartSync_DeviceRejectedReturnsError(t *testing.T) {
	t.Parallel()

	repl := &fakeReplicator{flags: replicator.Flags{RemoteLockedAndDeviceNotAccepted: true}}
	co := newTestCoordinator(t, testConfig("http://127.0.0.1:1"), repl)

	_, err := co.StartSync(context.Background(), false, "PLUGIN_STARTUP")
	assert.ErrorIs(t, err, ErrDeviceRejected)
}

func TestPauseAndResume_RoundTrip(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	co := newTestCoordinator(t, testConfig(server.URL), &fakeReplicator{})

	ok, err := co.StartSync(context.Background(), false, "PLUGIN_STARTUP")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, co.Pause(context.Background()))
	assert.Equal(t, Paused, co.State())

	resumed, err := co.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, Live, co.State())
}

func TestSubscribe_ReceivesStateTransitions(t *testing.T) {
	t.Parallel()

	co := newTestCoordinator(t, testConfig("http://127.0.0.1:1"), &fakeReplicator{})

	var mu sync.Mutex
	var seen []State

	handle := co.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, s.State)
	})
	defer co.Unsubscribe(handle)

	_, err := co.StartSync(context.Background(), false, "PLUGIN_STARTUP")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	assert.NotEmpty(t, seen)
}

func TestStartSync_SaltMismatchRejectsDeviceAndBlocksReplication(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	repl := &fakeReplicator{salt: []byte("new-salt")}
	cfg := testConfig(server.URL)
	co := newTestCoordinator(t, cfg, repl)

	ctx := context.Background()
	require.NoError(t, co.store.KV().SetKnownSalt(ctx, cfg.Couch.DBName, "old-salt"))

	ok, err := co.StartSync(ctx, false, "PLUGIN_STARTUP")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDeviceRejected)
	assert.Equal(t, Errored, co.State())
	assert.True(t, co.isDeviceRejected())
	assert.Equal(t, 0, repl.openCalls, "replication must not open while the salt mismatch is unresolved")

	// Every gated operation is blocked until fetch-from-remote.
	_, err = co.StartSync(ctx, false, "RECONNECT")
	assert.ErrorIs(t, err, ErrDeviceRejected)
	assert.ErrorIs(t, co.PushToServer(ctx), ErrDeviceRejected)

	// fetch_from_server clears the rejected state (spec.md scenario 3).
	require.NoError(t, co.FetchFromServer(ctx))
	assert.False(t, co.isDeviceRejected())
	assert.NotEqual(t, Errored, co.State())

	t.Cleanup(func() { _ = co.StopSync(context.Background()) })
}

func TestStatusSnapshot_ReflectsCurrentState(t *testing.T) {
	t.Parallel()

	co := newTestCoordinator(t, testConfig("http://127.0.0.1:1"), &fakeReplicator{})

	snap := co.StatusSnapshot()
	assert.Equal(t, NotConnected, snap.State)
	assert.Equal(t, "initialized", snap.Message)
}
