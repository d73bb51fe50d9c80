package eventbus

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	dir := t.TempDir()
	b, err := New(WithJournalPath(filepath.Join(dir, "events.jsonl")), WithWorkerPoolSize(4))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBus_PublishDispatchesToTypedSubscriber(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)

	var mu sync.Mutex
	var got []Event
	b.Subscribe("plugin.started", func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})

	b.Publish("plugin.started", "tester", map[string]any{"name": "p1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "plugin.started", got[0].Type)
	assert.Equal(t, "p1", got[0].Payload()["name"])
}

func TestBus_WildcardReceivesEveryType(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)

	var count int32 = 0
	var mu sync.Mutex
	b.SubscribeAll(func(ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	b.Publish("a", "src", nil)
	b.Publish("b", "src", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, time.Millisecond)
}

func TestBus_HandlerErrorGoesToDLQ(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)

	b.Subscribe("boom", func(ev Event) error { return errors.New("handler failed") })
	b.Publish("boom", "src", nil)

	require.Eventually(t, func() bool { return b.DLQSize() == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, b.TotalFailed())

	entries := b.DeadLetters(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Event.Type)
}

func TestBus_HandlerPanicGoesToDLQ(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)

	b.Subscribe("boom", func(ev Event) error { panic("kaboom") })
	b.Publish("boom", "src", nil)

	require.Eventually(t, func() bool { return b.DLQSize() == 1 }, time.Second, time.Millisecond)
}

func TestBus_DLQEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := New(WithJournalPath(filepath.Join(dir, "events.jsonl")), WithDLQMaxSize(2))
	require.NoError(t, err)
	defer b.Close()

	b.Subscribe("boom", func(ev Event) error { return errors.New("fail") })
	for i := 0; i < 3; i++ {
		b.Publish("boom", "src", map[string]any{"i": i})
	}

	require.Eventually(t, func() bool { return b.TotalFailed() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, b.DLQSize(), "capacity is bounded to 2")
}

func TestBus_ClearDLQ(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	b.Subscribe("boom", func(ev Event) error { return errors.New("fail") })
	b.Publish("boom", "src", nil)
	require.Eventually(t, func() bool { return b.DLQSize() == 1 }, time.Second, time.Millisecond)

	b.ClearDLQ()
	assert.Equal(t, 0, b.DLQSize())
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	id := b.Subscribe("t", func(ev Event) error { return nil })
	assert.Equal(t, 1, b.SubscriptionCount())

	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriptionCount())

	b.Unsubscribe(id) // unknown id now, must not panic
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestBus_ReplayRepublishesFromJournal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	b1, err := New(WithJournalPath(path))
	require.NoError(t, err)
	b1.Publish("a", "src", map[string]any{"n": 1})
	b1.Publish("b", "src", map[string]any{"n": 2})
	b1.Publish("a", "src", map[string]any{"n": 3})
	b1.Close()

	b2, err := New(WithJournalPath(path))
	require.NoError(t, err)
	defer b2.Close()

	var mu sync.Mutex
	var received []Event
	b2.Subscribe("a", func(ev Event) error {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		return nil
	})

	n := b2.Replay("a", 0)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)
}

func TestBus_ReplayLimitIsRespected(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	b1, err := New(WithJournalPath(path))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b1.Publish("x", "src", nil)
	}
	b1.Close()

	b2, err := New(WithJournalPath(path))
	require.NoError(t, err)
	defer b2.Close()

	n := b2.Replay("", 3)
	assert.Equal(t, 3, n)
}

func TestBus_ReplaySkipsMalformedLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	b1, err := New(WithJournalPath(path))
	require.NoError(t, err)
	b1.Publish("good", "src", nil)
	b1.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b2, err := New(WithJournalPath(path))
	require.NoError(t, err)
	defer b2.Close()

	n := b2.Replay("", 0)
	assert.Equal(t, 1, n, "the malformed line must be skipped, not abort replay")
}

func TestBus_ReplayFailedRepublishesDeadLetters(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)

	fail := true
	var mu sync.Mutex
	var successCount int
	b.Subscribe("retry-me", func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("still failing")
		}
		successCount++
		return nil
	})

	b.Publish("retry-me", "src", nil)
	require.Eventually(t, func() bool { return b.DLQSize() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	fail = false
	mu.Unlock()

	n := b.ReplayFailed(0)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return successCount == 1
	}, time.Second, time.Millisecond)
}

func TestBus_PayloadIsDefensivelyCopied(t *testing.T) {
	t.Parallel()
	original := map[string]any{"k": "v"}
	ev := NewEvent("t", "src", original)
	original["k"] = "mutated"

	assert.Equal(t, "v", ev.Payload()["k"], "event must not see later mutation of the caller's map")

	got := ev.Payload()
	got["k"] = "also mutated"
	assert.Equal(t, "v", ev.Payload()["k"], "mutating a returned payload copy must not affect the event")
}
