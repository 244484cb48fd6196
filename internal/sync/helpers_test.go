package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftmirror/internal/backend"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory StorageBackend with switches for failures
type memBackend struct {
	name string

	mu          sync.Mutex
	objects     map[string][]byte
	uploads     map[string]int
	deletes     map[string]int
	inflight    map[string]int
	maxInflight map[string]int
	failNext    int
	failWith    error
	offline     bool
	permanent   error
	gate        chan struct{}
	started     chan string
}

func newMemBackend(name string) *memBackend {
	return &memBackend{
		name:        name,
		objects:     make(map[string][]byte),
		uploads:     make(map[string]int),
		deletes:     make(map[string]int),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
		started:     make(chan string, 64),
	}
}

func (m *memBackend) Name() string { return m.name }

func (m *memBackend) Validate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return fmt.Errorf("%s offline: %w", m.name, backend.ErrUnavailable)
	}
	return nil
}

func (m *memBackend) Upload(ctx context.Context, key string, content []byte) error {
	m.mu.Lock()
	m.uploads[key]++
	m.inflight[key]++
	m.maxInflight[key] = max(m.maxInflight[key], m.inflight[key])
	gate := m.gate
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight[key]--
		m.mu.Unlock()
	}()

	select {
	case m.started <- key:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("upload %s: %w: %w", key, backend.ErrNetwork, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(); err != nil {
		return err
	}
	m.objects[key] = slices.Clone(content)
	return nil
}

func (m *memBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes[key]++
	if err := m.failure(); err != nil {
		return err
	}
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("%s: %w", key, backend.ErrNotFound)
	}
	delete(m.objects, key)
	return nil
}

// failure returns the configured error, if any. Callers hold mu.
func (m *memBackend) failure() error {
	if m.permanent != nil {
		return m.permanent
	}
	if m.offline {
		return fmt.Errorf("%s offline: %w", m.name, backend.ErrUnavailable)
	}
	if m.failNext > 0 {
		m.failNext--
		if m.failWith != nil {
			return m.failWith
		}
		return fmt.Errorf("%s flaky: %w", m.name, backend.ErrNetwork)
	}
	return nil
}

func (m *memBackend) setOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *memBackend) setGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
}

func (m *memBackend) object(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[key]
	return string(content), ok
}

func (m *memBackend) uploadCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads[key]
}

func (m *memBackend) totalUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.uploads {
		total += n
	}
	return total
}

func (m *memBackend) peakInflight(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight[key]
}

// eventRecorder is a MonitoringSink that keeps everything it receives
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func testEngineConfig() EngineConfig {
	return EngineConfig{
		MaxFileSize:       1 << 20,
		Debounce:          500 * time.Millisecond,
		RetryScanInterval: 100 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
		MaxConcurrentFiles: 4,
		DrainTimeout:       10 * time.Second,
	}
}

// engineFixture is an engine on a fake clock with a single root named "docs"
type engineFixture struct {
	t        *testing.T
	dir      string
	roots    WatchRoots
	clock    *clockwork.FakeClock
	journal  *SyncJournal
	registry *ProviderRegistry
	engine   *SyncEngine
	events   *eventRecorder
	backends []*memBackend
}

func newEngineFixture(t *testing.T, cfg EngineConfig, backends ...*memBackend) *engineFixture {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "docs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	roots, err := NewWatchRoots([]string{dir}, nil)
	require.NoError(t, err)

	journal := NewSyncJournal(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, journal.Open())
	t.Cleanup(func() { journal.Close() })

	f := &engineFixture{
		t:        t,
		dir:      roots[0].Path,
		roots:    roots,
		clock:    clockwork.NewFakeClock(),
		journal:  journal,
		events:   &eventRecorder{},
		backends: backends,
	}
	f.registry = NewProviderRegistry(f.clock, f.events)
	for _, b := range backends {
		require.NoError(t, f.registry.Register(b, "mem", true))
	}
	f.start(cfg)
	return f
}

// start builds and starts a fresh engine on the fixture's journal and backends
func (f *engineFixture) start(cfg EngineConfig) {
	f.t.Helper()
	f.engine = NewSyncEngine(cfg, f.journal, f.registry, WithClock(f.clock), WithSink(f.events))
	require.NoError(f.t, f.engine.Start(context.Background()))
	engine := f.engine
	f.t.Cleanup(func() { engine.Stop(context.Background()) })

	// the retry ticker is registered with the clock before the test moves it
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(f.t, f.clock.BlockUntilContext(ctx, 1))
}

func (f *engineFixture) write(name, content string) FileChangeEvent {
	f.t.Helper()
	path := filepath.Join(f.dir, filepath.FromSlash(name))
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
	return f.event(name, ChangeModify)
}

func (f *engineFixture) event(name string, kind ChangeKind) FileChangeEvent {
	f.t.Helper()
	ev, ok := f.roots.NewEvent(filepath.Join(f.dir, filepath.FromSlash(name)), kind, f.clock.Now())
	require.True(f.t, ok)
	return ev
}

func (f *engineFixture) waitIdle() {
	f.t.Helper()
	require.Eventually(f.t, f.engine.Idle, waitFor, tick)
}

func (f *engineFixture) waitRetry(key string, attempts int) *RetryEntry {
	f.t.Helper()
	var found *RetryEntry
	require.Eventually(f.t, func() bool {
		for _, entry := range f.engine.Retries() {
			if entry.Key == key && entry.Attempts == attempts {
				found = entry
				return true
			}
		}
		return false
	}, waitFor, tick)
	return found
}

func (f *engineFixture) waitState(key string, state PathState) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		st, ok := f.engine.Tracker().Path(key)
		return ok && st.State == state
	}, waitFor, tick)
}
