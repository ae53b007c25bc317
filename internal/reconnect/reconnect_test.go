package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fridaysync/vaultsync/internal/connguard"
)

// fakeTimer lets tests fire a scheduled callback synchronously instead of
// waiting on a real timer.
type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

func newFakeTimerFactory(record *[]*fakeTimer) func(d time.Duration, f func()) canceler {
	return func(_ time.Duration, f func()) canceler {
		t := &fakeTimer{fn: f}
		*record = append(*record, t)
		return t
	}
}

type fakeChecker struct {
	results []connguard.Result
	calls   int
}

func (f *fakeChecker) Check(_ context.Context, _ connguard.Settings, _ bool) connguard.Result {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx]
}

func TestNextDelay_Monotonic(t *testing.T) {
	var prev time.Duration
	for failures := 0; failures < 20; failures++ {
		d := NextDelay(failures)
		assert.GreaterOrEqual(t, d, prev, "backoff must be non-decreasing (P9)")
		assert.LessOrEqual(t, d, MaxDelay)
		prev = d
	}
}

func TestNextDelay_CapsAtMax(t *testing.T) {
	assert.Equal(t, MaxDelay, NextDelay(100))
}

func TestFire_UnreachableReschedules(t *testing.T) {
	var timers []*fakeTimer

	checker := &fakeChecker{results: []connguard.Result{{Status: connguard.Unreachable}}}

	s := New(nil, checker, func() connguard.Settings { return connguard.Settings{} }, nil, func() bool { return false }, nil,
		WithTimerFactory(newFakeTimerFactory(&timers)))

	s.Schedule(context.Background(), BaseDelay)
	require.Len(t, timers, 1)

	timers[0].fn()

	require.Len(t, timers, 2, "an unreachable fire should schedule another attempt")
}

func TestFire_ReachableWithLiveSyncResumes(t *testing.T) {
	var timers []*fakeTimer

	checker := &fakeChecker{results: []connguard.Result{{Status: connguard.Reachable}}}

	resumed := false
	onReachable := func(context.Context) bool {
		resumed = true
		return true
	}

	s := New(nil, checker, func() connguard.Settings { return connguard.Settings{} }, onReachable, func() bool { return true }, nil,
		WithTimerFactory(newFakeTimerFactory(&timers)))

	s.Schedule(context.Background(), BaseDelay)
	timers[0].fn()

	assert.True(t, resumed)
	assert.Len(t, timers, 1, "a successful resume should not schedule another attempt")
}

func TestPause_SkipsFire(t *testing.T) {
	var timers []*fakeTimer

	checker := &fakeChecker{results: []connguard.Result{{Status: connguard.Reachable}}}

	called := false
	onReachable := func(context.Context) bool {
		called = true
		return true
	}

	s := New(nil, checker, func() connguard.Settings { return connguard.Settings{} }, onReachable, func() bool { return true }, nil,
		WithTimerFactory(newFakeTimerFactory(&timers)))

	s.Schedule(context.Background(), BaseDelay)
	s.Pause()

	// Pause cancels the pending timer directly; simulate a race where the
	// timer still fires despite Stop() racing with the callback.
	timers[0].fn()

	assert.False(t, called, "a paused scheduler must not initiate connections (I6)")
}

func TestResume_AllowsFireAgain(t *testing.T) {
	var timers []*fakeTimer

	checker := &fakeChecker{results: []connguard.Result{{Status: connguard.Reachable}}}

	called := false
	onReachable := func(context.Context) bool {
		called = true
		return true
	}

	s := New(nil, checker, func() connguard.Settings { return connguard.Settings{} }, onReachable, func() bool { return true }, nil,
		WithTimerFactory(newFakeTimerFactory(&timers)))

	s.Pause()
	s.Resume()
	s.Schedule(context.Background(), BaseDelay)
	timers[len(timers)-1].fn()

	assert.True(t, called)
}

func TestStartHealthLoop_SchedulesReconnectWhenUnhealthy(t *testing.T) {
	var timers []*fakeTimer

	checker := &fakeChecker{results: []connguard.Result{{Status: connguard.Reachable}}}

	unhealthy := true
	healthCheck := func() bool { return unhealthy }

	s := New(nil, checker, func() connguard.Settings { return connguard.Settings{} }, nil, func() bool { return false }, healthCheck,
		WithTimerFactory(newFakeTimerFactory(&timers)))

	s.StartHealthLoop(context.Background())
	require.Len(t, timers, 1)

	timers[0].fn()

	// health loop fires -> schedules reconnect (timer 2) and reschedules
	// itself (timer 3).
	require.GreaterOrEqual(t, len(timers), 2)
}
