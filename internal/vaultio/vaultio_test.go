package vaultio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	mtime := time.UnixMilli(1_700_000_000_000)
	stat, err := v.Write("notes/sub/a.md", []byte("hello"), mtime)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stat.Size)
	assert.Equal(t, mtime.UnixMilli(), stat.MtimeMs)

	data, readStat, err := v.Read("notes/sub/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, mtime.UnixMilli(), readStat.MtimeMs)
}

func TestWrite_NoPartialFileLeftBehind(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	_, err := v.Write("a.txt", []byte("x"), time.Now())
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(v.Root(), "a.txt"+partialSuffix))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRead_NotFound(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	_, _, err := v.Read("missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStat_NotFound(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	_, err := v.Stat("missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove_AbsentIsNotError(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	assert.NoError(t, v.Remove("never-existed.txt"))
}

func TestExists(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	assert.False(t, v.Exists("a.txt"))

	_, err := v.Write("a.txt", []byte("x"), time.Now())
	require.NoError(t, err)

	assert.True(t, v.Exists("a.txt"))
}

func TestList_SkipsPartialFiles(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	_, err := v.Write("a.md", []byte("1"), time.Now())
	require.NoError(t, err)
	_, err = v.Write("sub/b.md", []byte("2"), time.Now())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(v.Root(), "c.md"+partialSuffix), []byte("x"), filePerms))

	paths, err := v.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.md", "sub/b.md"}, paths)
}

func TestIsPlainText(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPlainText("notes/a.md"))
	assert.True(t, IsPlainText("config/x.JSON"))
	assert.False(t, IsPlainText("attachments/img.png"))
	assert.False(t, IsPlainText("binary"))
}

func TestScanStalePartials(t *testing.T) {
	t.Parallel()

	v := New(t.TempDir())

	stalePath := filepath.Join(v.Root(), "stale.md"+partialSuffix)
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), filePerms))

	old := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))

	freshPath := filepath.Join(v.Root(), "fresh.md"+partialSuffix)
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), filePerms))

	stale, err := v.ScanStalePartials(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale.md" + partialSuffix}, stale)
}
