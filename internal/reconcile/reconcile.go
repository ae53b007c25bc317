// Package reconcile implements MtimeReconciler (spec.md §4.4): the pure
// decision of which of two timestamped sides of a file is newer, consulting
// the mtime-pair cache before falling back to a truncated-resolution
// comparison.
package reconcile

import (
	"time"

	"github.com/fridaysync/vaultsync/internal/mtimecache"
)

// Resolution is the truncation applied to mtimes before comparing them, wide
// enough to tolerate archive formats and filesystem timestamp rounding
// (spec.md §4.4).
const Resolution = 2000 * time.Millisecond

// Result is the outcome of Reconcile.
type Result int

const (
	// Even means both sides are considered to hold identical content.
	Even Result = iota
	// BaseIsNew means the base side is newer.
	BaseIsNew
	// TargetIsNew means the target side is newer.
	TargetIsNew
)

func (r Result) String() string {
	switch r {
	case Even:
		return "EVEN"
	case BaseIsNew:
		return "BASE_IS_NEW"
	case TargetIsNew:
		return "TARGET_IS_NEW"
	default:
		return "UNKNOWN"
	}
}

// Side is one half of a reconciliation comparison: a path and the mtime
// observed for it on that side (filesystem or database).
type Side struct {
	Path  string
	Mtime time.Time
}

// Reconciler implements reconcile(base?, target?), consulting an
// MtimePairCache before comparing truncated mtimes.
type Reconciler struct {
	cache *mtimecache.Cache
}

// New constructs a Reconciler backed by cache. cache may be nil, in which
// case every comparison falls through to the truncated-mtime rule.
func New(cache *mtimecache.Cache) *Reconciler {
	return &Reconciler{cache: cache}
}

// Reconcile decides which of base and target is newer. Either may be nil,
// meaning that side is absent (spec.md §4.4: "If both absent -> EVEN. If one
// absent -> the present side is newer.").
func (r *Reconciler) Reconcile(base, target *Side) Result {
	switch {
	case base == nil && target == nil:
		return Even
	case base == nil:
		return TargetIsNew
	case target == nil:
		return BaseIsNew
	}

	if r.cache != nil && r.cache.IsSame(base.Path, base.Mtime, target.Mtime) {
		return Even
	}

	baseTrunc := base.Mtime.Truncate(Resolution)
	targetTrunc := target.Mtime.Truncate(Resolution)

	switch {
	case baseTrunc.Equal(targetTrunc):
		return Even
	case baseTrunc.After(targetTrunc):
		return BaseIsNew
	default:
		return TargetIsNew
	}
}
