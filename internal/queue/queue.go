package queue

import (
	"container/heap"
	"sync"
)

// Item is a single keyed entry in the queue
type Item[K comparable, V any] struct {
	Key      K
	Value    V
	Priority int64
	index    int
}

// itemHeap implements heap.Interface. Lower priority values pop first.
type itemHeap[K comparable, V any] []*Item[K, V]

func (h itemHeap[K, V]) Len() int {
	return len(h)
}

func (h itemHeap[K, V]) Less(i, j int) bool {
	return h[i].Priority < h[j].Priority
}

func (h itemHeap[K, V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[K, V]) Push(x any) {
	item := x.(*Item[K, V])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// KeyedQueue is a thread-safe min-heap where every key appears at most once.
// Pushing an existing key replaces its value and moves it to the new priority,
// which makes it usable both as a deadline map (debounce) and a retry schedule.
type KeyedQueue[K comparable, V any] struct {
	heap  itemHeap[K, V]
	items map[K]*Item[K, V]
	mu    sync.Mutex
}

func NewKeyedQueue[K comparable, V any]() *KeyedQueue[K, V] {
	q := &KeyedQueue[K, V]{
		heap:  make(itemHeap[K, V], 0),
		items: make(map[K]*Item[K, V]),
	}
	heap.Init(&q.heap)
	return q
}

func (q *KeyedQueue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Push inserts or updates key with value at priority
func (q *KeyedQueue[K, V]) Push(key K, value V, priority int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item, ok := q.items[key]; ok {
		item.Value = value
		item.Priority = priority
		heap.Fix(&q.heap, item.index)
		return
	}

	item := &Item[K, V]{Key: key, Value: value, Priority: priority}
	heap.Push(&q.heap, item)
	q.items[key] = item
}

// Get returns the value stored for key
func (q *KeyedQueue[K, V]) Get(key K) (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return item.Value, true
}

// Remove deletes key and returns its value
func (q *KeyedQueue[K, V]) Remove(key K) (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.items, key)
	return item.Value, true
}

// Peek returns the lowest priority item without removing it
func (q *KeyedQueue[K, V]) Peek() (Item[K, V], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return Item[K, V]{}, false
	}
	return *q.heap[0], true
}

// Pop removes and returns the lowest priority item
func (q *KeyedQueue[K, V]) Pop() (Item[K, V], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return Item[K, V]{}, false
	}
	item := heap.Pop(&q.heap).(*Item[K, V])
	delete(q.items, item.Key)
	return *item, true
}

// PopUntil removes and returns, in order, every item with priority <= limit
func (q *KeyedQueue[K, V]) PopUntil(limit int64) []Item[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Item[K, V]
	for q.heap.Len() > 0 && q.heap[0].Priority <= limit {
		item := heap.Pop(&q.heap).(*Item[K, V])
		delete(q.items, item.Key)
		due = append(due, *item)
	}
	return due
}

// PopAll drains the queue in priority order
func (q *KeyedQueue[K, V]) PopAll() []Item[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := make([]Item[K, V], 0, q.heap.Len())
	for q.heap.Len() > 0 {
		item := heap.Pop(&q.heap).(*Item[K, V])
		delete(q.items, item.Key)
		all = append(all, *item)
	}
	return all
}

// Items returns a snapshot of all items in no particular order
func (q *KeyedQueue[K, V]) Items() []Item[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]Item[K, V], 0, len(q.heap))
	for _, item := range q.heap {
		items = append(items, *item)
	}
	return items
}
