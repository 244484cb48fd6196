package sync

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/syftmirror/internal/queue"
)

// workItem is a change ready to be propagated, with the retry bookkeeping
// carried from earlier failed attempts of the same key.
type workItem struct {
	FileChangeEvent
	hash      string // content the attempts were spent on, empty if unknown
	attempts  int
	providers []string // nil means every enabled provider
	retried   bool     // a journal retry row exists for the key
	seq       int64
}

// syncState owns every collection a key can sit in: pending, active (being
// propagated), buffered (changed again while active) and retries. A key is in
// at most one of pending and active, and retries are disjoint from both.
type syncState struct {
	mu       sync.Mutex
	seq      int64
	pending  *queue.KeyedQueue[string, workItem]
	active   map[string]workItem
	buffered map[string]workItem
	retries  *queue.KeyedQueue[string, *RetryEntry]
}

func newSyncState() *syncState {
	return &syncState{
		pending:  queue.NewKeyedQueue[string, workItem](),
		active:   make(map[string]workItem),
		buffered: make(map[string]workItem),
		retries:  queue.NewKeyedQueue[string, *RetryEntry](),
	}
}

// enqueue records a new local change. A waiting retry for the key is superseded:
// its attempts carry over but the provider restriction is dropped since the new
// content is owed to everyone. Returns the superseded entry, if any.
func (s *syncState) enqueue(ev FileChangeEvent) *RetryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := workItem{FileChangeEvent: ev}
	superseded, _ := s.retries.Remove(ev.Key)
	if superseded != nil {
		item.hash = superseded.Hash
		item.attempts = superseded.Attempts
		item.retried = true
		item.Kind = mergeKind(superseded.Kind, ev.Kind)
	}

	if _, ok := s.active[ev.Key]; ok {
		if prev, ok := s.buffered[ev.Key]; ok {
			item.Kind = mergeKind(prev.Kind, item.Kind)
			item.hash = cmp.Or(item.hash, prev.hash)
			item.attempts = max(item.attempts, prev.attempts)
			item.retried = item.retried || prev.retried
		}
		s.buffered[ev.Key] = item
		return superseded
	}

	s.pushPending(item)
	return superseded
}

// pushPending merges item into the pending set keeping the original queue position
func (s *syncState) pushPending(item workItem) {
	if prev, ok := s.pending.Get(item.Key); ok {
		item.Kind = mergeKind(prev.Kind, item.Kind)
		item.hash = cmp.Or(item.hash, prev.hash)
		item.attempts = max(item.attempts, prev.attempts)
		item.retried = item.retried || prev.retried
		if item.providers != nil && prev.providers != nil {
			item.providers = union(prev.providers, item.providers)
		} else {
			item.providers = nil
		}
		item.seq = prev.seq
	} else {
		item.seq = s.nextSeq()
	}
	s.pending.Push(item.Key, item, item.seq)
}

func (s *syncState) nextSeq() int64 {
	s.seq++
	return s.seq
}

// next moves the oldest pending key into the active set
func (s *syncState) next() (workItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.pending.Pop()
	if !ok {
		return workItem{}, false
	}
	s.active[item.Key] = item.Value
	return item.Value, true
}

// complete releases key from the active set. A change buffered meanwhile moves
// to pending and supersedes retry, in which case false is returned and the
// caller must not keep retry. Otherwise retry (if any) is scheduled.
func (s *syncState) complete(key string, retry *RetryEntry) (scheduled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, key)

	if buffered, ok := s.buffered[key]; ok {
		delete(s.buffered, key)
		if retry != nil {
			buffered.hash = cmp.Or(buffered.hash, retry.Hash)
			buffered.attempts = max(buffered.attempts, retry.Attempts)
			buffered.retried = true
		}
		s.pushPending(buffered)
		return false
	}

	if retry != nil {
		s.retries.Push(key, retry, retry.NextRetryAt.UnixNano())
		return true
	}
	return false
}

// addRetry schedules an entry loaded from the journal
func (s *syncState) addRetry(entry *RetryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[entry.Key]; ok || s.hasPending(entry.Key) {
		return
	}
	s.retries.Push(entry.Key, entry, entry.NextRetryAt.UnixNano())
}

func (s *syncState) hasPending(key string) bool {
	_, ok := s.pending.Get(key)
	return ok
}

// promoteDue moves every retry due at now into pending
func (s *syncState) promoteDue(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.retries.PopUntil(now.UnixNano())
	for _, it := range due {
		s.pushPending(it.Value.workItem())
	}
	return len(due)
}

// promoteAll makes every retry due immediately
func (s *syncState) promoteAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.retries.PopAll()
	for _, it := range all {
		s.pushPending(it.Value.workItem())
	}
	return len(all)
}

// drain removes everything still pending or buffered, oldest first
func (s *syncState) drain() []workItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []workItem
	for _, it := range s.pending.PopAll() {
		items = append(items, it.Value)
	}
	keys := make([]string, 0, len(s.buffered))
	for key := range s.buffered {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		items = append(items, s.buffered[key])
		delete(s.buffered, key)
	}
	return items
}

// activeItems returns the items currently being propagated, by key
func (s *syncState) activeItems() []workItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]workItem, 0, len(s.active))
	for _, item := range s.active {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b workItem) int {
		return strings.Compare(a.Key, b.Key)
	})
	return items
}

func (s *syncState) retryEntries() []*RetryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.retries.Items()
	entries := make([]*RetryEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, it.Value.clone())
	}
	slices.SortFunc(entries, func(a, b *RetryEntry) int {
		return a.NextRetryAt.Compare(b.NextRetryAt)
	})
	return entries
}

func (s *syncState) nextRetryAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.retries.Peek()
	if !ok {
		return time.Time{}, false
	}
	return it.Value.NextRetryAt, true
}

type stateCounts struct {
	pending  int
	active   int
	buffered int
	retrying int
}

func (s *syncState) counts() stateCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stateCounts{
		pending:  s.pending.Len(),
		active:   len(s.active),
		buffered: len(s.buffered),
		retrying: s.retries.Len(),
	}
}

// idle reports whether nothing is pending, active or buffered
func (s *syncState) idle() bool {
	c := s.counts()
	return c.pending == 0 && c.active == 0 && c.buffered == 0
}

func union(a, b []string) []string {
	set := mapset.NewThreadUnsafeSet(a...)
	set.Append(b...)
	out := set.ToSlice()
	slices.Sort(out)
	return out
}
