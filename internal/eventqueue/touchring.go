package eventqueue

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// touchRingBound is the default touch-ring size: evicted LRU by insertion
// once it exceeds this (spec.md §3 "Touch-ring entry... default 100, LRU by
// insertion").
const touchRingBound = 100

// touchKey identifies a touch-ring entry by the same tuple an admission
// check compares against (spec.md §4.5 "rechecks (path, mtime, size)").
type touchKey string

func makeTouchKey(path string, mtime time.Time, size int64) touchKey {
	return touchKey(fmt.Sprintf("%s\x00%d\x00%d", path, mtime.UnixMilli(), size))
}

// TouchRing records (path, mtime, size) tuples the engine itself just wrote,
// so the StorageEventQueue can recognize and drop the feedback event it
// causes (spec.md I4: touch-ring soundness).
type TouchRing struct {
	cache *lru.Cache[touchKey, struct{}]
}

// NewTouchRing constructs a TouchRing bounded to touchRingBound entries.
func NewTouchRing() *TouchRing {
	cache, err := lru.New[touchKey, struct{}](touchRingBound)
	if err != nil {
		// lru.New only errors for a non-positive size; touchRingBound is a
		// positive constant, so this can never happen.
		panic(fmt.Sprintf("eventqueue: constructing touch-ring: %v", err))
	}

	return &TouchRing{cache: cache}
}

// Touch records that the engine itself just wrote path with mtime and size.
// Writers call it right after the write, with the stat the write produced,
// so the key matches the vault event that write triggers.
func (r *TouchRing) Touch(path string, mtime time.Time, size int64) {
	r.cache.Add(makeTouchKey(path, mtime, size), struct{}{})
}

// Matches reports whether (path, mtime, size) was touched by the engine.
func (r *TouchRing) Matches(path string, mtime time.Time, size int64) bool {
	return r.cache.Contains(makeTouchKey(path, mtime, size))
}
