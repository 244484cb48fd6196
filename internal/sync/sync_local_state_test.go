package sync

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanKinds(t *testing.T, f *engineFixture) map[string]ChangeKind {
	t.Helper()
	scanner := NewLocalScanner(f.roots, f.engine.Fingerprints(), f.registry)
	events, err := scanner.Scan(context.Background(), f.clock.Now())
	require.NoError(t, err)

	kinds := make(map[string]ChangeKind, len(events))
	for _, ev := range events {
		kinds[ev.Key] = ev.Kind
	}
	return kinds
}

func TestLocalScanner_FindsOfflineChanges(t *testing.T) {
	a := newMemBackend("a")
	f := newEngineFixture(t, testEngineConfig(), a)

	f.write("kept.txt", "kept")
	f.write("edited.txt", "before")
	f.write("removed.txt", "bye")
	f.write(".git/HEAD", "ref")

	kinds := scanKinds(t, f)
	assert.Equal(t, map[string]ChangeKind{
		"docs/kept.txt":    ChangeAdd,
		"docs/edited.txt":  ChangeAdd,
		"docs/removed.txt": ChangeAdd,
	}, kinds)

	for key := range kinds {
		name := strings.TrimPrefix(key, "docs/")
		f.engine.Enqueue(f.event(name, ChangeAdd))
	}
	f.waitIdle()
	assert.Empty(t, scanKinds(t, f))

	// changes made while nothing was watching
	f.write("edited.txt", "after, longer")
	f.write("fresh.txt", "new")
	require.NoError(t, os.Remove(filepath.Join(f.dir, "removed.txt")))

	assert.Equal(t, map[string]ChangeKind{
		"docs/edited.txt":  ChangeModify,
		"docs/fresh.txt":   ChangeAdd,
		"docs/removed.txt": ChangeDelete,
	}, scanKinds(t, f))
}

func TestLocalScanner_NewProviderNeedsEverything(t *testing.T) {
	a := newMemBackend("a")
	f := newEngineFixture(t, testEngineConfig(), a)

	f.engine.Enqueue(f.write("one.txt", "1"))
	f.engine.Enqueue(f.write("two.txt", "2"))
	f.waitIdle()
	require.Empty(t, scanKinds(t, f))

	require.NoError(t, f.registry.Register(newMemBackend("b"), "mem", true))
	kinds := scanKinds(t, f)
	keys := make([]string, 0, len(kinds))
	for key, kind := range kinds {
		assert.Equal(t, ChangeModify, kind)
		keys = append(keys, key)
	}
	slices.Sort(keys)
	assert.Equal(t, []string{"docs/one.txt", "docs/two.txt"}, keys)
}

func TestLocalScanner_SkipsMissingRoot(t *testing.T) {
	a := newMemBackend("a")
	f := newEngineFixture(t, testEngineConfig(), a)

	f.engine.Enqueue(f.write("file.txt", "x"))
	f.waitIdle()

	// an unmounted root must not turn into mass deletes
	require.NoError(t, os.RemoveAll(f.dir))
	assert.Empty(t, scanKinds(t, f))
}
