package mtimecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_MarkAndIsSame(t *testing.T) {
	t.Parallel()

	c := New(nil)
	a := time.Unix(1000, 0)
	b := time.Unix(2000, 0)

	assert.False(t, c.IsSame("notes/a.md", a, b))

	require.NoError(t, c.MarkSame("notes/a.md", a, b))
	assert.True(t, c.IsSame("notes/a.md", a, b))
}

func TestCache_Symmetry(t *testing.T) {
	t.Parallel()

	c := New(nil)
	a := time.Unix(1000, 0)
	b := time.Unix(2000, 0)

	require.NoError(t, c.MarkSame("notes/a.md", a, b))

	// I3: if (p, a, b) = EVEN then (p, b, a) = EVEN.
	assert.True(t, c.IsSame("notes/a.md", b, a))
}

func TestCache_Clear(t *testing.T) {
	t.Parallel()

	c := New(nil)
	a := time.Unix(1000, 0)
	b := time.Unix(2000, 0)

	require.NoError(t, c.MarkSame("notes/a.md", a, b))
	require.NoError(t, c.Clear("notes/a.md"))

	assert.False(t, c.IsSame("notes/a.md", a, b))
	assert.False(t, c.IsSame("notes/a.md", b, a))
}

func TestCache_DistinctPathsIsolated(t *testing.T) {
	t.Parallel()

	c := New(nil)
	a := time.Unix(1000, 0)
	b := time.Unix(2000, 0)

	require.NoError(t, c.MarkSame("notes/a.md", a, b))
	assert.False(t, c.IsSame("notes/b.md", a, b))
}

type fakePersister struct {
	saved   map[string][]MarkPair
	deleted []string
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: make(map[string][]MarkPair)}
}

func (f *fakePersister) SaveMark(path string, a, b time.Time) error {
	f.saved[path] = append(f.saved[path], MarkPair{A: a, B: b})

	return nil
}

func (f *fakePersister) DeleteMarks(path string) error {
	delete(f.saved, path)
	f.deleted = append(f.deleted, path)

	return nil
}

func (f *fakePersister) LoadAll() (map[string][]MarkPair, error) {
	return f.saved, nil
}

func TestCache_PersisterRoundTrip(t *testing.T) {
	t.Parallel()

	persist := newFakePersister()
	a := time.Unix(1000, 0)
	b := time.Unix(2000, 0)

	c := New(persist)
	require.NoError(t, c.MarkSame("notes/a.md", a, b))

	warmed := New(persist)
	require.NoError(t, warmed.Warm())
	assert.True(t, warmed.IsSame("notes/a.md", a, b))
}

func TestCache_PersisterClearPropagates(t *testing.T) {
	t.Parallel()

	persist := newFakePersister()
	c := New(persist)
	a := time.Unix(1000, 0)
	b := time.Unix(2000, 0)

	require.NoError(t, c.MarkSame("notes/a.md", a, b))
	require.NoError(t, c.Clear("notes/a.md"))

	assert.Contains(t, persist.deleted, "notes/a.md")
}
