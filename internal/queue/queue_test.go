package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedQueue_OrdersByPriority(t *testing.T) {
	q := NewKeyedQueue[string, string]()
	q.Push("low", "l", 10)
	q.Push("high", "h", 1)
	q.Push("mid", "m", 5)

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "high", item.Key)
	assert.Equal(t, "h", item.Value)

	item, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "mid", item.Key)

	item, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "low", item.Key)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestKeyedQueue_PushExistingKeyReprioritizes(t *testing.T) {
	q := NewKeyedQueue[string, int]()
	q.Push("a", 1, 1)
	q.Push("b", 2, 2)
	q.Push("a", 3, 10)

	assert.Equal(t, 2, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", head.Key)

	v, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestKeyedQueue_Remove(t *testing.T) {
	q := NewKeyedQueue[string, int]()
	q.Push("a", 1, 1)
	q.Push("b", 2, 2)

	v, ok := q.Remove("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.Remove("a")
	assert.False(t, ok)

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "b", head.Key)
}

func TestKeyedQueue_PopUntil(t *testing.T) {
	q := NewKeyedQueue[int, int]()
	for i := 1; i <= 5; i++ {
		q.Push(i, i, int64(i*10))
	}

	due := q.PopUntil(30)
	require.Len(t, due, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{due[0].Key, due[1].Key, due[2].Key})
	assert.Equal(t, 2, q.Len())

	assert.Empty(t, q.PopUntil(0))
	assert.Len(t, q.PopAll(), 2)
	assert.Equal(t, 0, q.Len())
}

func TestKeyedQueue_ConcurrentPush(t *testing.T) {
	q := NewKeyedQueue[int, int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			q.Push(v%25, v, int64(v))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, q.Len())
	assert.Len(t, q.Items(), 25)
}
