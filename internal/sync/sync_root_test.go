package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreList_Defaults(t *testing.T) {
	ignore := NewIgnoreList(t.TempDir(), nil)

	tests := []struct {
		path    string
		ignored bool
	}{
		{"notes.txt", false},
		{"dir/notes.md", false},
		{".git/config", true},
		{"dir/.DS_Store", true},
		{"report.docx.mirror.tmp.123", true},
		{"dir/.notes.txt.swp", true},
		{"draft.tmp", true},
		{"backup~", true},
		{".", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignored, ignore.ShouldIgnore(tt.path))
		})
	}
}

func TestIgnoreList_ConfigPatterns(t *testing.T) {
	ignore := NewIgnoreList(t.TempDir(), []string{"*.log", "build/**", "[invalid"})

	assert.True(t, ignore.ShouldIgnore("app.log"))
	assert.True(t, ignore.ShouldIgnore("deep/nested/app.log"))
	assert.True(t, ignore.ShouldIgnore("build/out/bin"))
	assert.False(t, ignore.ShouldIgnore("src/build.go"))
	assert.False(t, ignore.ShouldIgnore("[invalid"))
}

func TestIgnoreList_LoadsIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	ignore := NewIgnoreList(dir, nil)
	assert.False(t, ignore.ShouldIgnore("private/key.pem"))

	content := "# secrets\nprivate/\n\n*.pem\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ignoreFileName), []byte(content), 0o644))
	ignore.Load()

	assert.True(t, ignore.ShouldIgnore("private/key.pem"))
	assert.True(t, ignore.ShouldIgnore("other/cert.pem"))
	assert.False(t, ignore.ShouldIgnore("public/readme.md"))
}

func TestWatchRoots_Keys(t *testing.T) {
	base := t.TempDir()
	docs := filepath.Join(base, "docs")
	photos := filepath.Join(base, "photos")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.MkdirAll(photos, 0o755))

	roots, err := NewWatchRoots([]string{docs, photos}, []string{"*.log"})
	require.NoError(t, err)
	require.Len(t, roots, 2)

	docsPath := roots[0].Path
	root, key, ok := roots.Resolve(filepath.Join(docsPath, "a", "b.txt"))
	require.True(t, ok)
	assert.Equal(t, "docs", root.Name)
	assert.Equal(t, "docs/a/b.txt", key)

	_, _, ok = roots.Resolve(filepath.Join(base, "elsewhere.txt"))
	assert.False(t, ok)

	local, ok := roots.LocalPath("photos/2024/cat.jpg")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(roots[1].Path, "2024", "cat.jpg"), local)
	_, ok = roots.LocalPath("music/song.mp3")
	assert.False(t, ok)

	now := time.Now()
	ev, ok := roots.NewEvent(filepath.Join(docsPath, "x.txt"), ChangeAdd, now)
	require.True(t, ok)
	assert.Equal(t, "docs/x.txt", ev.Key)
	assert.Equal(t, ChangeAdd, ev.Kind)
	assert.Equal(t, now, ev.ObservedAt)

	_, ok = roots.NewEvent(filepath.Join(docsPath, "server.log"), ChangeAdd, now)
	assert.False(t, ok, "ignored")
	_, ok = roots.NewEvent(docsPath, ChangeDelete, now)
	assert.False(t, ok, "the root itself")
}

func TestWatchRoots_DuplicateName(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "one", "docs")
	b := filepath.Join(base, "two", "docs")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))

	_, err := NewWatchRoots([]string{a, b}, nil)
	assert.ErrorIs(t, err, ErrDuplicateRoot)
}
