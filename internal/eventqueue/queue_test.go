package eventqueue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu      sync.Mutex
	stored  []Event
	deleted []Event
}

func (r *recorder) store(_ context.Context, ev Event, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stored = append(r.stored, ev)

	return nil
}

func (r *recorder) remove(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleted = append(r.deleted, ev)

	return nil
}

func (r *recorder) storedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.stored)
}

func newTestQueue(r *recorder) *Queue {
	q := New(testLogger(), r.store, r.remove,
		WithDebounceWindow(10*time.Millisecond),
		WithTouchRingWait(1*time.Millisecond))
	q.Start()

	return q
}

func TestQueue_DropsWhenNotWatching(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := New(testLogger(), r.store, r.remove, WithDebounceWindow(time.Millisecond))

	q.Enqueue(context.Background(), Event{Path: "a.md", Type: Create, Mtime: time.Now(), Size: 1})
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, r.storedCount())
}

func TestQueue_DropsWhenSuspended(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := newTestQueue(r)
	q.Suspend()

	q.Enqueue(context.Background(), Event{Path: "a.md", Type: Create, Mtime: time.Now(), Size: 1})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, r.storedCount())
}

func TestQueue_DebouncesChangedEvents(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := newTestQueue(r)

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, Event{Path: "a.md", Type: Changed, Mtime: now, Size: 10})
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, r.storedCount())
}

func TestQueue_DeleteCancelsPendingDebounce(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := newTestQueue(r)

	ctx := context.Background()
	now := time.Now()

	q.Enqueue(ctx, Event{Path: "a.md", Type: Changed, Mtime: now, Size: 10})
	q.Enqueue(ctx, Event{Path: "a.md", Type: Delete, Mtime: now, Size: 0})

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, r.storedCount())
	require.Len(t, r.deleted, 1)
}

func TestQueue_TouchRingSuppressesSelfTriggeredEvent(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := newTestQueue(r)

	mtime := time.Now()
	q.Touch("a.md", mtime, 5)

	q.Enqueue(context.Background(), Event{Path: "a.md", Type: Create, Mtime: mtime, Size: 5})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, r.storedCount())
}

func TestQueue_ProcessingSetDropsEvent(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := newTestQueue(r)
	q.MarkProcessing("a.md")

	q.Enqueue(context.Background(), Event{Path: "a.md", Type: Create, Mtime: time.Now(), Size: 5})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, r.storedCount())
}

func TestQueue_IgnorePatternDropsEvent(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := New(testLogger(), r.store, r.remove,
		WithDebounceWindow(10*time.Millisecond),
		WithIgnoreMatcher(NewCompiledIgnore([]string{"*.tmp"})))
	q.Start()

	q.Enqueue(context.Background(), Event{Path: "a.tmp", Type: Create, Mtime: time.Now(), Size: 5})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, r.storedCount())
}

func TestQueue_ProcessDirect_BypassesDebounceAndTouchRing(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := newTestQueue(r)

	mtime := time.Now()
	q.Touch("a.md", mtime, 5) // would normally suppress

	err := q.ProcessDirect(context.Background(), Event{Path: "a.md", Type: Create, Mtime: mtime, Size: 5}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, r.storedCount())
}

func TestQueue_LastProcessedMtimeDedup(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	q := newTestQueue(r)

	mtime := time.Now()
	ctx := context.Background()

	q.Enqueue(ctx, Event{Path: "a.md", Type: Changed, Mtime: mtime, Size: 5})
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, r.storedCount())

	q.Enqueue(ctx, Event{Path: "a.md", Type: Changed, Mtime: mtime, Size: 5})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, r.storedCount(), "unchanged mtime must not be reprocessed")
}

func TestTouchRing_MatchesExactTuple(t *testing.T) {
	t.Parallel()

	ring := NewTouchRing()
	mtime := time.Now()

	ring.Touch("a.md", mtime, 10)

	assert.True(t, ring.Matches("a.md", mtime, 10))
	assert.False(t, ring.Matches("a.md", mtime, 11))
	assert.False(t, ring.Matches("b.md", mtime, 10))
}

func TestProcessingSet_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	p := NewProcessingSet()
	p.Mark("a.md", 10*time.Millisecond)

	assert.True(t, p.Contains("a.md"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, p.Contains("a.md"))
}
