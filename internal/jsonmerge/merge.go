// Package jsonmerge implements the three-way JSON merge used by the
// hidden-file conflict processor: given a common ancestor revision and two
// divergent revisions, it produces a merged document containing the union
// of disjoint key additions, failing when both sides edited the same key
// to different values.
package jsonmerge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/imdario/mergo"
)

// ErrConflictingKeys is returned when ours and theirs both modify the same
// key to different values relative to base; callers fall back to the
// newer-mtime tiebreak in that case.
var ErrConflictingKeys = errors.New("jsonmerge: conflicting key edits")

// Merge performs a three-way merge of ours and theirs against their nearest
// common ancestor base. All three must be valid JSON objects. On success the
// result contains every key from base plus every addition or non-conflicting
// change from either side (spec.md P10: disjoint key additions union).
func Merge(base, ours, theirs []byte) ([]byte, error) {
	baseMap, err := decodeObject(base)
	if err != nil {
		return nil, fmt.Errorf("jsonmerge: decoding base: %w", err)
	}

	oursMap, err := decodeObject(ours)
	if err != nil {
		return nil, fmt.Errorf("jsonmerge: decoding ours: %w", err)
	}

	theirsMap, err := decodeObject(theirs)
	if err != nil {
		return nil, fmt.Errorf("jsonmerge: decoding theirs: %w", err)
	}

	oursDiff := diff(baseMap, oursMap)
	theirsDiff := diff(baseMap, theirsMap)

	if err := detectConflicts(oursDiff, theirsDiff); err != nil {
		return nil, err
	}

	merged := cloneMap(baseMap)

	if err := mergo.Merge(&merged, oursDiff, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("jsonmerge: applying our changes: %w", err)
	}

	if err := mergo.Merge(&merged, theirsDiff, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("jsonmerge: applying their changes: %w", err)
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("jsonmerge: encoding merged result: %w", err)
	}

	return out, nil
}

// diff returns the subset of variant that was added or changed relative to
// base, recursing into nested objects so nested disjoint additions are
// reported at their own level rather than forcing a whole-subtree conflict.
func diff(base, variant map[string]any) map[string]any {
	changed := make(map[string]any)

	for key, variantVal := range variant {
		baseVal, present := base[key]
		if !present {
			changed[key] = variantVal

			continue
		}

		if equalJSON(baseVal, variantVal) {
			continue
		}

		baseSub, baseIsObj := baseVal.(map[string]any)
		variantSub, variantIsObj := variantVal.(map[string]any)

		if baseIsObj && variantIsObj {
			if sub := diff(baseSub, variantSub); len(sub) > 0 {
				changed[key] = sub
			}

			continue
		}

		changed[key] = variantVal
	}

	return changed
}

// detectConflicts reports ErrConflictingKeys when a key changed on both
// sides to different values. Keys changed identically on both sides, or
// changed on only one side, are not conflicts.
func detectConflicts(oursDiff, theirsDiff map[string]any) error {
	for key, oursVal := range oursDiff {
		theirsVal, touched := theirsDiff[key]
		if !touched {
			continue
		}

		oursSub, oursIsObj := oursVal.(map[string]any)
		theirsSub, theirsIsObj := theirsVal.(map[string]any)

		if oursIsObj && theirsIsObj {
			if err := detectConflicts(oursSub, theirsSub); err != nil {
				return err
			}

			continue
		}

		if !equalJSON(oursVal, theirsVal) {
			return fmt.Errorf("%w: key %q", ErrConflictingKeys, key)
		}
	}

	return nil
}

func equalJSON(a, b any) bool {
	aBytes, err := json.Marshal(a)
	if err != nil {
		return false
	}

	bBytes, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return bytes.Equal(aBytes, bBytes)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func decodeObject(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return m, nil
}
