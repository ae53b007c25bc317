package docmodel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]byte

func (f fakeResolver) ResolveChunk(id string) ([]byte, bool) {
	data, ok := f[id]

	return data, ok
}

func TestIsText(t *testing.T) {
	t.Parallel()

	assert.True(t, IsText(TypeNotes))
	assert.True(t, IsText(TypeNewNote))
	assert.False(t, IsText(TypePlain))
}

func TestReadContent_Text(t *testing.T) {
	t.Parallel()

	meta := MetaEntry{ID: "f:a", Type: TypeNotes, Children: []string{"h:1", "h:2"}}
	resolver := fakeResolver{"h:1": []byte("hello "), "h:2": []byte("world")}

	content, err := ReadContent(meta, resolver)
	require.NoError(t, err)
	assert.True(t, content.IsText())
	assert.Equal(t, "hello world", content.Text)
}

func TestReadContent_Binary(t *testing.T) {
	t.Parallel()

	// base64("hello world") split across two chunks.
	meta := MetaEntry{ID: "f:a", Type: TypePlain, Children: []string{"h:1", "h:2"}}
	resolver := fakeResolver{"h:1": []byte("aGVsbG8g"), "h:2": []byte("d29ybGQ=")}

	content, err := ReadContent(meta, resolver)
	require.NoError(t, err)
	assert.False(t, content.IsText())
	assert.Equal(t, []byte("hello world"), content.Binary)
}

func TestReadContent_MissingChunks(t *testing.T) {
	t.Parallel()

	meta := MetaEntry{ID: "f:a", Type: TypeNotes, Children: []string{"h:1", "h:missing"}}
	resolver := fakeResolver{"h:1": []byte("hello")}

	_, err := ReadContent(meta, resolver)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingChunks))

	var missingErr *MissingChunksError

	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, []string{"h:missing"}, missingErr.IDs)
}

func TestBuildSavingEntry_Text(t *testing.T) {
	t.Parallel()

	entry := BuildSavingEntry("notes/a.md", []byte("# hello\nworld"), Stat{Size: 13})
	assert.Equal(t, TypeNotes, entry.Type)
	assert.Equal(t, "notes/a.md", entry.Path)
}

func TestBuildSavingEntry_Binary(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	entry := BuildSavingEntry("attachments/img.png", png, Stat{Size: int64(len(png))})
	assert.Equal(t, TypePlain, entry.Type)
}

func TestMetaEntry_Mtime(t *testing.T) {
	t.Parallel()

	m := MetaEntry{MtimeMs: 1_700_000_000_000}
	assert.Equal(t, int64(1_700_000_000_000), m.Mtime().UnixMilli())
}
