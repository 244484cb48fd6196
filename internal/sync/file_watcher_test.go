package sync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watcherRecorder struct {
	mu     sync.Mutex
	events []FileChangeEvent
}

func (r *watcherRecorder) handle(ev FileChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *watcherRecorder) find(key string, kind ChangeKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Key == key && ev.Kind == kind {
			return true
		}
	}
	return false
}

func (r *watcherRecorder) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Key == key {
			return true
		}
	}
	return false
}

func (r *watcherRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startWatcher(t *testing.T, threshold time.Duration) (string, *FileWatcher, *watcherRecorder) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "docs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	roots, err := NewWatchRoots([]string{dir}, []string{"*.log"})
	require.NoError(t, err)

	rec := &watcherRecorder{}
	fw := NewFileWatcher(roots, rec.handle)
	fw.SetStabilityThreshold(threshold)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(fw.Stop)
	return roots[0].Path, fw, rec
}

func TestFileWatcher_ReportsSettledChanges(t *testing.T) {
	dir, _, rec := startWatcher(t, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft.tmp"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("hello"), 0o644))

	require.Eventually(t, func() bool { return rec.find("docs/note.txt", ChangeAdd) }, waitFor, tick)

	require.NoError(t, os.Remove(filepath.Join(dir, "note.txt")))
	require.Eventually(t, func() bool { return rec.find("docs/note.txt", ChangeDelete) }, waitFor, tick)

	assert.False(t, rec.has("docs/debug.log"))
	assert.False(t, rec.has("docs/draft.tmp"))
}

func TestFileWatcher_DirectoryMovedIn(t *testing.T) {
	dir, _, rec := startWatcher(t, 50*time.Millisecond)

	outside := filepath.Join(t.TempDir(), "album")
	require.NoError(t, os.MkdirAll(filepath.Join(outside, "2024"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "cover.jpg"), []byte("jpg"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "2024", "a.jpg"), []byte("jpg"), 0o644))

	require.NoError(t, os.Rename(outside, filepath.Join(dir, "album")))

	require.Eventually(t, func() bool {
		return rec.find("docs/album/cover.jpg", ChangeAdd) && rec.find("docs/album/2024/a.jpg", ChangeAdd)
	}, waitFor, tick)
}

func TestFileWatcher_StopReportsUnsettledPaths(t *testing.T) {
	dir, fw, rec := startWatcher(t, time.Hour)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "pending.txt"), []byte("data"), 0o644))
	require.Eventually(t, func() bool {
		fw.mu.Lock()
		defer fw.mu.Unlock()
		return len(fw.pending) > 0
	}, waitFor, tick)
	assert.False(t, rec.has("docs/pending.txt"))

	fw.Stop()
	assert.True(t, rec.find("docs/pending.txt", ChangeAdd))
}

func TestFileWatcher_SkipsMissingRoot(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "docs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	roots, err := NewWatchRoots([]string{filepath.Join(base, "gone"), dir}, nil)
	require.NoError(t, err)

	rec := &watcherRecorder{}
	fw := NewFileWatcher(roots, rec.handle)
	fw.SetStabilityThreshold(50 * time.Millisecond)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(fw.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(roots[1].Path, "note.txt"), []byte("hello"), 0o644))
	require.Eventually(t, func() bool { return rec.find("docs/note.txt", ChangeAdd) }, waitFor, tick)
	assert.False(t, rec.has("gone/note.txt"))
}

func TestFileWatcher_WaitsWhileFileKeepsChanging(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	roots, err := NewWatchRoots([]string{dir}, nil)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	rec := &watcherRecorder{}
	fw := NewFileWatcher(roots, rec.handle)
	fw.SetClock(clock)
	fw.SetStabilityThreshold(time.Second)

	path := filepath.Join(roots[0].Path, "growing.bin")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	fw.observe(path, notify.Create)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for _, chunk := range []string{"bb", "ccc"} {
		file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = file.WriteString(chunk)
		require.NoError(t, err)
		require.NoError(t, file.Close())

		// the quiet period ends with the file grown, so it starts over
		clock.Advance(time.Second)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.Zero(t, rec.count())
	}

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.True(t, rec.find("docs/growing.bin", ChangeAdd))

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}
