package sync

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/syftmirror/internal/utils"
)

var ErrDuplicateRoot = errors.New("duplicate root name")

// WatchRoot is a configured source directory. Its base name prefixes every key
// produced under it so several roots can share one destination.
type WatchRoot struct {
	Path   string
	Name   string
	Ignore *IgnoreList
}

func NewWatchRoot(dir string, patterns []string) (*WatchRoot, error) {
	abs, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", dir, err)
	}
	// notify reports resolved paths, e.g. /private/var on darwin
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	root := &WatchRoot{
		Path:   abs,
		Name:   filepath.Base(abs),
		Ignore: NewIgnoreList(abs, patterns),
	}
	root.Ignore.Load()
	return root, nil
}

// Key maps an absolute path under the root onto its slash separated key
func (r *WatchRoot) Key(absPath string) (string, bool) {
	if !utils.IsSubPath(r.Path, absPath) {
		return "", false
	}
	rel, err := filepath.Rel(r.Path, absPath)
	if err != nil {
		return "", false
	}
	if rel == "." {
		return r.Name, true
	}
	return r.Name + "/" + filepath.ToSlash(rel), true
}

// Ignored reports whether absPath is excluded by the root's ignore rules
func (r *WatchRoot) Ignored(absPath string) bool {
	rel, err := filepath.Rel(r.Path, absPath)
	if err != nil {
		return true
	}
	return r.Ignore.ShouldIgnore(rel)
}

// WatchRoots is the set of roots of one engine
type WatchRoots []*WatchRoot

func NewWatchRoots(dirs []string, patterns []string) (WatchRoots, error) {
	roots := make(WatchRoots, 0, len(dirs))
	names := make(map[string]string, len(dirs))
	for _, dir := range dirs {
		root, err := NewWatchRoot(dir, patterns)
		if err != nil {
			return nil, err
		}
		if prev, ok := names[root.Name]; ok {
			return nil, fmt.Errorf("%w: %q and %q", ErrDuplicateRoot, prev, root.Path)
		}
		names[root.Name] = root.Path
		roots = append(roots, root)
	}
	return roots, nil
}

// Resolve finds the root containing absPath
func (rs WatchRoots) Resolve(absPath string) (*WatchRoot, string, bool) {
	for _, root := range rs {
		if key, ok := root.Key(absPath); ok {
			return root, key, true
		}
	}
	return nil, "", false
}

// LocalPath maps a key back onto the local filesystem
func (rs WatchRoots) LocalPath(key string) (string, bool) {
	name, rel, _ := strings.Cut(key, "/")
	for _, root := range rs {
		if root.Name == name {
			return filepath.Join(root.Path, filepath.FromSlash(rel)), true
		}
	}
	return "", false
}

// NewEvent builds a change event for absPath, or false if it is outside every
// root or ignored.
func (rs WatchRoots) NewEvent(absPath string, kind ChangeKind, now time.Time) (FileChangeEvent, bool) {
	root, key, ok := rs.Resolve(absPath)
	if !ok || key == root.Name || root.Ignored(absPath) {
		return FileChangeEvent{}, false
	}
	return FileChangeEvent{
		Key:        key,
		Path:       absPath,
		Kind:       kind,
		ObservedAt: now,
	}, true
}
