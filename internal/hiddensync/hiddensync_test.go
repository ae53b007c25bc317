package hiddensync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fridaysync/vaultsync/internal/docid"
	"github.com/fridaysync/vaultsync/internal/docmodel"
	"github.com/fridaysync/vaultsync/internal/store"
	"github.com/fridaysync/vaultsync/internal/vaultio"
)

func TestIsHiddenPath(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		".obsidian/config":    true,
		".obsidian/sub/a.txt": true,
		".trash/foo.md":       false,
		"notes/today.md":      false,
		".env":                true,
	}

	for path, want := range cases {
		assert.Equal(t, want, IsHiddenPath(path), "path %q", path)
	}
}

func newTestSync(t *testing.T) (*Sync, *store.Store, *vaultio.Vault, *docid.Codec) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), ":memory:", logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vault := vaultio.New(t.TempDir())
	codec := docid.New(false, "", false)

	return New(logger, vault, st, codec), st, vault, codec
}

func TestScanStorage_DetectsChangedDotfile(t *testing.T) {
	t.Parallel()

	sync, st, vault, codec := newTestSync(t)
	ctx := context.Background()

	path := ".obsidian/settings.txt"

	_, err := vault.Write(path, []byte("hello"), time.Now())
	require.NoError(t, err)

	require.NoError(t, sync.ScanStorage(ctx))

	id := codec.Encode(path, docid.HiddenPrefix)

	_, content, err := st.GetEntryFull(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, content.IsText())
	assert.Equal(t, "hello", content.Text)
}

func TestScanDB_AppliesConflictFreeDocument(t *testing.T) {
	t.Parallel()

	sync, st, vault, codec := newTestSync(t)
	ctx := context.Background()

	path := ".obsidian/remote.txt"
	id := codec.Encode(path, docid.HiddenPrefix)

	_, err := st.PutEntry(ctx, docmodel.SavingEntry{
		Path: path,
		ID:   id,
		Type: docmodel.TypeNotes,
		Blob: []byte("from remote"),
		Stat: docmodel.Stat{MtimeMs: 1000, Size: 11},
	})
	require.NoError(t, err)

	require.NoError(t, sync.ScanDB(ctx))

	data, _, err := vault.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "from remote", string(data))

	// the document was conflict-free, so a scan must snapshot it as the
	// ancestor baseline for any future three-way merge.
	rev, ok, err := st.GetConflictRevision(ctx, id, ancestorRevision)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from remote", string(rev.Content))
}

func TestResolveConflict_MergeSuccess(t *testing.T) {
	t.Parallel()

	sync, st, vault, codec := newTestSync(t)
	ctx := context.Background()

	path := ".obsidian/config.json"
	id := codec.Encode(path, docid.HiddenPrefix)

	_, err := st.PutEntry(ctx, docmodel.SavingEntry{
		Path: path,
		ID:   id,
		Type: docmodel.TypeNotes,
		Blob: []byte(`{"a":1,"shared":"orig"}`),
		Stat: docmodel.Stat{MtimeMs: 1000, Size: 23},
	})
	require.NoError(t, err)

	require.NoError(t, st.PutConflictRevision(ctx, store.ConflictRevision{
		DocID: id, Revision: ancestorRevision, Content: []byte(`{"a":1,"shared":"orig"}`), IsText: true, MtimeMs: 1000,
	}))

	require.NoError(t, st.PutConflictRevision(ctx, store.ConflictRevision{
		DocID: id, Revision: "1-remote", Content: []byte(`{"b":2,"shared":"orig"}`), IsText: true, MtimeMs: 2000,
	}))

	require.NoError(t, st.SetConflicts(ctx, id, []string{"1-remote"}))

	require.NoError(t, sync.resolveConflict(ctx, id))

	data, _, err := vault.Read(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"a": 1`)
	assert.Contains(t, string(data), `"b": 2`)
	assert.Contains(t, string(data), `"shared": "orig"`)

	meta, err := st.GetMeta(ctx, id, true)
	require.NoError(t, err)
	assert.Empty(t, meta.Conflicts)

	history, err := st.ListConflictHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "merged", history[0].Resolution)
}

func TestResolveConflict_TiebreakFallback(t *testing.T) {
	t.Parallel()

	sync, st, vault, codec := newTestSync(t)
	ctx := context.Background()

	path := ".obsidian/plain.txt"
	id := codec.Encode(path, docid.HiddenPrefix)

	_, err := st.PutEntry(ctx, docmodel.SavingEntry{
		Path: path,
		ID:   id,
		Type: docmodel.TypeNotes,
		Blob: []byte("old content"),
		Stat: docmodel.Stat{MtimeMs: 1000, Size: 11},
	})
	require.NoError(t, err)

	require.NoError(t, st.PutConflictRevision(ctx, store.ConflictRevision{
		DocID: id, Revision: "1-remote", Content: []byte("new content"), IsText: true, MtimeMs: 5000,
	}))

	require.NoError(t, st.SetConflicts(ctx, id, []string{"1-remote"}))

	require.NoError(t, sync.resolveConflict(ctx, id))

	data, _, err := vault.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))

	meta, err := st.GetMeta(ctx, id, true)
	require.NoError(t, err)
	assert.Empty(t, meta.Conflicts)

	history, err := st.ListConflictHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "tiebreak-newer-mtime", history[0].Resolution)
}
