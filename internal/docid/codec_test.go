package docid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Transparent_RoundTrip(t *testing.T) {
	t.Parallel()

	c := New(false, "", false)
	id := c.Encode("notes/today.md", "")
	assert.Equal(t, "notes/today.md", id)
	assert.Equal(t, "notes/today.md", Decode(id, ""))
}

func TestCodec_Obfuscated_Deterministic(t *testing.T) {
	t.Parallel()

	a := New(true, "shared-secret", false)
	b := New(true, "shared-secret", false)

	idA := a.Encode("notes/today.md", "")
	idB := b.Encode("notes/today.md", "")

	require.Equal(t, idA, idB, "same passphrase must derive the same id for the same path")
	assert.NotEqual(t, "notes/today.md", idA)
}

func TestCodec_Obfuscated_DifferentPassphrasesDiverge(t *testing.T) {
	t.Parallel()

	a := New(true, "secret-one", false)
	b := New(true, "secret-two", false)

	assert.NotEqual(t, a.Encode("notes/today.md", ""), b.Encode("notes/today.md", ""))
}

func TestCodec_Obfuscated_NFCNormalizationCollapses(t *testing.T) {
	t.Parallel()

	c := New(true, "shared-secret", false)

	// Precomposed "e with acute" (U+00E9) vs decomposed "e" (U+0065) plus a
	// combining acute accent (U+0301) must encode to the same id once
	// NFC-normalized.
	precomposed := "caf\u00e9.md"
	decomposed := "cafe\u0301.md"

	require.NotEqual(t, precomposed, decomposed, "test fixture must exercise two distinct byte forms")
	assert.Equal(t, c.Encode(precomposed, ""), c.Encode(decomposed, ""))
}

func TestCodec_Obfuscated_CaseFolding(t *testing.T) {
	t.Parallel()

	folding := New(true, "shared-secret", true)
	assert.Equal(t, folding.Encode("Notes/Today.md", ""), folding.Encode("notes/today.md", ""))

	noFolding := New(true, "shared-secret", false)
	assert.NotEqual(t, noFolding.Encode("Notes/Today.md", ""), noFolding.Encode("notes/today.md", ""))
}

func TestCodec_HiddenPrefix(t *testing.T) {
	t.Parallel()

	c := New(false, "", false)
	id := c.Encode(".obsidian/config.json", HiddenPrefix)
	assert.Equal(t, "i:.obsidian/config.json", id)
	assert.True(t, IsHiddenID(id))
	assert.Equal(t, ".obsidian/config.json", Decode(id, ""))
}

func TestDecode_PrefersMetaPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "real/path.md", Decode("f:deadbeef", "real/path.md"))
}

func TestIsChunkID(t *testing.T) {
	t.Parallel()

	assert.True(t, IsChunkID("h:abc123"))
	assert.False(t, IsChunkID("f:abc123"))
}

func TestIsReservedID(t *testing.T) {
	t.Parallel()

	assert.True(t, IsReservedID("_design/replicate"))
	assert.False(t, IsReservedID("f:abc"))
	assert.False(t, IsReservedID(""))
}
