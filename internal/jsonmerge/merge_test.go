package jsonmerge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_DisjointKeyAdditionsUnion(t *testing.T) {
	t.Parallel()

	base := []byte(`{"a":1}`)
	ours := []byte(`{"a":1,"b":2}`)
	theirs := []byte(`{"a":1,"c":3}`)

	merged, err := Merge(base, ours, theirs)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))

	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2), "c": float64(3)}, got)
}

func TestMerge_ConflictingKeyEditsFail(t *testing.T) {
	t.Parallel()

	base := []byte(`{"a":1}`)
	ours := []byte(`{"a":2}`)
	theirs := []byte(`{"a":3}`)

	_, err := Merge(base, ours, theirs)
	require.ErrorIs(t, err, ErrConflictingKeys)
}

func TestMerge_IdenticalEditsOnBothSidesSucceed(t *testing.T) {
	t.Parallel()

	base := []byte(`{"a":1}`)
	ours := []byte(`{"a":2}`)
	theirs := []byte(`{"a":2}`)

	merged, err := Merge(base, ours, theirs)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	assert.Equal(t, float64(2), got["a"])
}

func TestMerge_NestedObjectDisjointKeysUnion(t *testing.T) {
	t.Parallel()

	base := []byte(`{"settings":{"x":1}}`)
	ours := []byte(`{"settings":{"x":1,"y":2}}`)
	theirs := []byte(`{"settings":{"x":1,"z":3}}`)

	merged, err := Merge(base, ours, theirs)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))

	settings, ok := got["settings"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), settings["x"])
	assert.Equal(t, float64(2), settings["y"])
	assert.Equal(t, float64(3), settings["z"])
}

func TestMerge_NestedObjectConflictFails(t *testing.T) {
	t.Parallel()

	base := []byte(`{"settings":{"x":1}}`)
	ours := []byte(`{"settings":{"x":2}}`)
	theirs := []byte(`{"settings":{"x":3}}`)

	_, err := Merge(base, ours, theirs)
	require.ErrorIs(t, err, ErrConflictingKeys)
}

func TestMerge_OnlyOneSideChangedNoConflict(t *testing.T) {
	t.Parallel()

	base := []byte(`{"a":1,"b":1}`)
	ours := []byte(`{"a":9,"b":1}`)
	theirs := []byte(`{"a":1,"b":1}`)

	merged, err := Merge(base, ours, theirs)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	assert.Equal(t, float64(9), got["a"])
}

func TestMerge_InvalidJSONErrors(t *testing.T) {
	t.Parallel()

	_, err := Merge([]byte(`not json`), []byte(`{}`), []byte(`{}`))
	require.Error(t, err)
}
