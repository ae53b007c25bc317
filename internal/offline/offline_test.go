package offline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fridaysync/vaultsync/internal/eventqueue"
)

type fakePersister struct {
	saved map[string]Change
}

func (f *fakePersister) SavePending(changes map[string]Change) error {
	f.saved = changes
	return nil
}

func (f *fakePersister) LoadPending() (map[string]Change, error) {
	return f.saved, nil
}

type fakeReplayer struct {
	processed []eventqueue.Event
}

func (f *fakeReplayer) ProcessDirect(_ context.Context, ev eventqueue.Event, _ bool) error {
	f.processed = append(f.processed, ev)
	return nil
}

func TestRecord_OnlyRecordsWhileOffline(t *testing.T) {
	tr, err := New(nil, nil, &fakeReplayer{})
	require.NoError(t, err)

	require.NoError(t, tr.Record("a.md", Modify, time.Now()))
	assert.Equal(t, 0, tr.PendingCount(), "online Record calls should be no-ops")

	tr.SetOffline(true)
	require.NoError(t, tr.Record("a.md", Modify, time.Now()))
	assert.Equal(t, 1, tr.PendingCount())
}

func TestRecord_LastWriteWinsPerPath(t *testing.T) {
	tr, err := New(nil, nil, &fakeReplayer{})
	require.NoError(t, err)

	tr.SetOffline(true)
	require.NoError(t, tr.Record("a.md", Create, time.Unix(1, 0)))
	require.NoError(t, tr.Record("a.md", Modify, time.Unix(2, 0)))

	assert.Equal(t, 1, tr.PendingCount())
}

func TestApplyPending_ReplaysAndClears(t *testing.T) {
	persist := &fakePersister{}
	replayer := &fakeReplayer{}

	tr, err := New(nil, persist, replayer)
	require.NoError(t, err)

	tr.SetOffline(true)
	require.NoError(t, tr.Record("a.md", Create, time.Unix(1, 0)))
	require.NoError(t, tr.Record("b.md", Modify, time.Unix(2, 0)))
	require.NoError(t, tr.Record("c.md", Delete, time.Unix(3, 0)))

	require.NoError(t, tr.ApplyPending(context.Background()))

	assert.Len(t, replayer.processed, 3)
	assert.Equal(t, 0, tr.PendingCount())
	assert.Empty(t, persist.saved)
}

func TestApplyPending_EffectiveEventsOnly(t *testing.T) {
	// spec.md P7: create a; modify a; modify b; delete c -> only the final
	// effective events (modify a, modify b, delete c) replay.
	replayer := &fakeReplayer{}
	tr, err := New(nil, nil, replayer)
	require.NoError(t, err)

	tr.SetOffline(true)
	require.NoError(t, tr.Record("a.md", Create, time.Unix(1, 0)))
	require.NoError(t, tr.Record("a.md", Modify, time.Unix(2, 0)))
	require.NoError(t, tr.Record("b.md", Modify, time.Unix(3, 0)))
	require.NoError(t, tr.Record("c.md", Delete, time.Unix(4, 0)))

	require.NoError(t, tr.ApplyPending(context.Background()))

	byPath := make(map[string]eventqueue.Event)
	for _, ev := range replayer.processed {
		byPath[ev.Path] = ev
	}

	require.Contains(t, byPath, "a.md")
	assert.Equal(t, eventqueue.Changed, byPath["a.md"].Type)
	require.Contains(t, byPath, "c.md")
	assert.Equal(t, eventqueue.Delete, byPath["c.md"].Type)
}

func TestNew_LoadsPersistedPending(t *testing.T) {
	persist := &fakePersister{saved: map[string]Change{
		"a.md": {Path: "a.md", Type: Modify, Timestamp: time.Unix(1, 0)},
	}}

	tr, err := New(nil, persist, &fakeReplayer{})
	require.NoError(t, err)

	assert.Equal(t, 1, tr.PendingCount())
}

func TestMarshalUnmarshalPending_RoundTrip(t *testing.T) {
	changes := map[string]Change{
		"a.md": {Path: "a.md", Type: Create, Timestamp: time.Unix(100, 0)},
		"b.md": {Path: "b.md", Type: Delete, Timestamp: time.Unix(200, 0)},
	}

	data, err := MarshalPending(changes)
	require.NoError(t, err)

	got, err := UnmarshalPending(data)
	require.NoError(t, err)

	assert.Equal(t, changes["a.md"].Type, got["a.md"].Type)
	assert.Equal(t, changes["b.md"].Type, got["b.md"].Type)
	assert.True(t, changes["a.md"].Timestamp.Equal(got["a.md"].Timestamp))
}

func TestUnmarshalPending_EmptyBlob(t *testing.T) {
	got, err := UnmarshalPending(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
