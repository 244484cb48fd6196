package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	mu     sync.Mutex
	events []FileChangeEvent
}

func (e *emitted) add(ev FileChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *emitted) list() []FileChangeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FileChangeEvent(nil), e.events...)
}

func TestCoalescer_EmitsOncePerQuietWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	out := &emitted{}
	c := NewCoalescer(clock, time.Second, out.add)

	c.Add(FileChangeEvent{Key: "docs/a", Kind: ChangeAdd})
	clock.Advance(600 * time.Millisecond)
	c.Add(FileChangeEvent{Key: "docs/a", Kind: ChangeModify})
	clock.Advance(600 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, out.list())
	assert.Equal(t, 1, c.Len())

	clock.Advance(400 * time.Millisecond)
	require.Eventually(t, func() bool { return len(out.list()) == 1 }, waitFor, tick)

	ev := out.list()[0]
	assert.Equal(t, "docs/a", ev.Key)
	assert.Equal(t, ChangeAdd, ev.Kind)
	require.Eventually(t, func() bool { return c.Len() == 0 }, waitFor, tick)
}

func TestCoalescer_KeysAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	out := &emitted{}
	c := NewCoalescer(clock, time.Second, out.add)

	c.Add(FileChangeEvent{Key: "docs/a", Kind: ChangeModify})
	clock.Advance(500 * time.Millisecond)
	c.Add(FileChangeEvent{Key: "docs/b", Kind: ChangeModify})

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(out.list()) == 1 }, waitFor, tick)
	assert.Equal(t, "docs/a", out.list()[0].Key)

	clock.Advance(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(out.list()) == 2 }, waitFor, tick)
	assert.Equal(t, "docs/b", out.list()[1].Key)
}

func TestCoalescer_FlushAndStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	out := &emitted{}
	c := NewCoalescer(clock, time.Minute, out.add)

	c.Add(FileChangeEvent{Key: "docs/a", Kind: ChangeModify})
	c.Add(FileChangeEvent{Key: "docs/b", Kind: ChangeDelete})
	c.Flush()
	assert.Len(t, out.list(), 2)
	assert.Zero(t, c.Len())

	c.Stop()
	c.Add(FileChangeEvent{Key: "docs/c", Kind: ChangeModify})
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.list(), 2)
}

func TestCoalescer_StaleTimerCallbackIsIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	out := &emitted{}
	c := NewCoalescer(clock, time.Second, out.add)

	c.Add(FileChangeEvent{Key: "docs/a", Kind: ChangeModify})
	c.mu.Lock()
	stale := c.gen
	c.mu.Unlock()

	clock.Advance(600 * time.Millisecond)
	c.Add(FileChangeEvent{Key: "docs/a", Kind: ChangeModify})

	// the first timer's callback lost the race for mu to the re-arm above
	c.fire(stale)
	assert.Empty(t, out.list())
	c.mu.Lock()
	assert.Equal(t, stale+1, c.gen)
	assert.NotNil(t, c.timer)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "only the live timer is registered")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(out.list()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.Len() == 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, out.list(), 1)
}

func TestMergeKind(t *testing.T) {
	tests := []struct {
		prev, next, want ChangeKind
	}{
		{ChangeAdd, ChangeModify, ChangeAdd},
		{ChangeAdd, ChangeDelete, ChangeDelete},
		{ChangeModify, ChangeModify, ChangeModify},
		{ChangeModify, ChangeDelete, ChangeDelete},
		{ChangeDelete, ChangeAdd, ChangeModify},
		{ChangeDelete, ChangeModify, ChangeModify},
	}
	for _, tt := range tests {
		t.Run(tt.prev.String()+"_"+tt.next.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, mergeKind(tt.prev, tt.next))
		})
	}
}

func TestParseChangeKind(t *testing.T) {
	for _, k := range []ChangeKind{ChangeAdd, ChangeModify, ChangeDelete} {
		got, err := ParseChangeKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseChangeKind("rename")
	assert.Error(t, err)
}

func TestChangeKind_JSON(t *testing.T) {
	data, err := json.Marshal(RetryEntry{Key: "docs/a.txt", Kind: ChangeDelete})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"delete"`)

	var entry RetryEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, ChangeDelete, entry.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"rename"}`), &entry))
}
