package sync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftmirror/internal/queue"
)

// Coalescer holds each key's latest change until no newer change arrived for the
// debounce window. Deadlines live in one heap and a single timer is armed for the
// earliest of them.
type Coalescer struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	debounce time.Duration
	waiting  *queue.KeyedQueue[string, FileChangeEvent]
	timer    clockwork.Timer
	armedFor int64
	gen      uint64 // bumped per armed timer; a callback from an older one is stale
	emit     func(FileChangeEvent)
	stopped  bool

	// changes popped but not yet handed to emit
	releasing int
}

func NewCoalescer(clock clockwork.Clock, debounce time.Duration, emit func(FileChangeEvent)) *Coalescer {
	return &Coalescer{
		clock:    clock,
		debounce: debounce,
		waiting:  queue.NewKeyedQueue[string, FileChangeEvent](),
		emit:     emit,
	}
}

// Add merges ev into any waiting change for the same key and pushes its deadline out
func (c *Coalescer) Add(ev FileChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if prev, ok := c.waiting.Get(ev.Key); ok {
		ev = prev.merge(ev)
	}
	deadline := c.clock.Now().Add(c.debounce).UnixNano()
	c.waiting.Push(ev.Key, ev, deadline)
	c.arm()
}

// Len returns the number of keys still debouncing or being released
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting.Len() + c.releasing
}

// Flush releases every waiting change immediately
func (c *Coalescer) Flush() {
	c.mu.Lock()
	items := c.waiting.PopAll()
	c.disarm()
	c.releasing += len(items)
	c.mu.Unlock()

	c.release(items)
}

// Stop drops the timer; waiting changes stay until Flush
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.disarm()
}

// arm points the timer at the earliest deadline. Callers hold mu.
func (c *Coalescer) arm() {
	next, ok := c.waiting.Peek()
	if !ok {
		c.disarm()
		return
	}
	if c.timer != nil && c.armedFor == next.Priority {
		return
	}

	c.disarm()
	wait := time.Duration(next.Priority - c.clock.Now().UnixNano())
	c.armedFor = next.Priority
	c.gen++
	gen := c.gen
	c.timer = c.clock.AfterFunc(max(wait, 0), func() { c.fire(gen) })
}

func (c *Coalescer) disarm() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.armedFor = 0
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		// re-armed while this callback waited for mu
		c.mu.Unlock()
		return
	}
	due := c.waiting.PopUntil(c.clock.Now().UnixNano())
	c.timer = nil
	c.armedFor = 0
	c.arm()
	c.releasing += len(due)
	c.mu.Unlock()

	c.release(due)
}

func (c *Coalescer) release(items []queue.Item[string, FileChangeEvent]) {
	for _, item := range items {
		c.emit(item.Value)
		c.mu.Lock()
		c.releasing--
		c.mu.Unlock()
	}
}
