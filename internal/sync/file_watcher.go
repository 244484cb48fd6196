package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftmirror/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize           = 256
	DefaultStabilityThreshold = time.Second
)

// ChangeHandler receives settled changes from the watcher
type ChangeHandler func(FileChangeEvent)

type watchedPath struct {
	created bool
	size    int64
	modTime time.Time
	exists  bool
	timer   clockwork.Timer
}

// FileWatcher recursively watches a set of roots. A path is reported only after
// its size and mtime stayed the same for the stability threshold, so a file
// still being written produces a single change.
type FileWatcher struct {
	roots     WatchRoots
	clock     clockwork.Clock
	threshold time.Duration
	handler   ChangeHandler

	rawEvents chan notify.EventInfo
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	mu      sync.Mutex
	pending map[string]*watchedPath
}

func NewFileWatcher(roots WatchRoots, handler ChangeHandler) *FileWatcher {
	return &FileWatcher{
		roots:     roots,
		clock:     clockwork.NewRealClock(),
		threshold: DefaultStabilityThreshold,
		handler:   handler,
		done:      make(chan struct{}),
		pending:   make(map[string]*watchedPath),
	}
}

// SetStabilityThreshold sets the quiet period a path needs before it is reported
func (fw *FileWatcher) SetStabilityThreshold(d time.Duration) {
	fw.threshold = d
}

func (fw *FileWatcher) SetClock(clock clockwork.Clock) {
	fw.clock = clock
}

// Start watches every root that exists. Missing roots are logged and skipped.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)

	watched := 0
	for _, root := range fw.roots {
		if !utils.DirExists(root.Path) {
			slog.Warn("file watcher root missing, skipping", "dir", root.Path)
			continue
		}
		recursivePath := filepath.Join(root.Path, "...")
		if err := notify.Watch(recursivePath, fw.rawEvents, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
			notify.Stop(fw.rawEvents)
			return err
		}
		slog.Info("file watcher start", "dir", root.Path)
		watched++
	}
	if watched == 0 {
		slog.Warn("file watcher has no roots to watch")
	}

	fw.wg.Add(1)
	go fw.filterEvents(ctx)

	return nil
}

// Stop releases the watches and reports every path still settling without
// waiting for its quiet period.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)
		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()

		fw.mu.Lock()
		paths := make([]string, 0, len(fw.pending))
		for path, wp := range fw.pending {
			if wp.timer != nil {
				wp.timer.Stop()
			}
			paths = append(paths, path)
		}
		fw.mu.Unlock()

		for _, path := range paths {
			fw.settle(path, true)
		}
		slog.Info("file watcher stopped")
	})
}

func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			fw.observe(event.Path(), event.Event())
		}
	}
}

// observe records a raw event and (re)starts the path's quiet period
func (fw *FileWatcher) observe(path string, event notify.Event) {
	root, key, ok := fw.roots.Resolve(path)
	if !ok || key == root.Name || root.Ignored(path) {
		return
	}
	if filepath.Base(path) == ignoreFileName {
		root.Ignore.Load()
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	wp, ok := fw.pending[path]
	if !ok {
		wp = &watchedPath{}
		fw.pending[path] = wp
	}
	if event&(notify.Create|notify.Rename) != 0 {
		wp.created = true
	}
	wp.snapshot(path)

	if wp.timer != nil {
		wp.timer.Stop()
	}
	wp.timer = fw.clock.AfterFunc(fw.threshold, func() {
		fw.settle(path, false)
	})
}

func (wp *watchedPath) snapshot(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		wp.exists = false
		wp.size = 0
		wp.modTime = time.Time{}
		return
	}
	wp.exists = true
	wp.size = info.Size()
	wp.modTime = info.ModTime()
}

// settle reports path if it stayed stable, or waits another period if it did not
func (fw *FileWatcher) settle(path string, force bool) {
	fw.mu.Lock()
	wp, ok := fw.pending[path]
	if !ok {
		fw.mu.Unlock()
		return
	}

	info, err := os.Lstat(path)
	exists := err == nil
	if !force && exists && (!wp.exists || info.Size() != wp.size || !info.ModTime().Equal(wp.modTime)) {
		// still changing
		wp.snapshot(path)
		wp.timer = fw.clock.AfterFunc(fw.threshold, func() {
			fw.settle(path, false)
		})
		fw.mu.Unlock()
		return
	}

	delete(fw.pending, path)
	created := wp.created
	fw.mu.Unlock()

	now := fw.clock.Now()
	switch {
	case !exists:
		fw.emit(path, ChangeDelete, now)
	case info.IsDir():
		if created {
			fw.walkNewDir(path, now)
		}
	case info.Mode().IsRegular():
		kind := ChangeModify
		if created {
			kind = ChangeAdd
		}
		fw.emit(path, kind, now)
	}
}

// walkNewDir reports every file of a directory that appeared, e.g. moved into a
// root, since its files produce no events of their own.
func (fw *FileWatcher) walkNewDir(dir string, now time.Time) {
	root, _, ok := fw.roots.Resolve(dir)
	if !ok {
		return
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if root.Ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			fw.emit(path, ChangeAdd, now)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("file watcher walk", "dir", dir, "error", err)
	}
}

func (fw *FileWatcher) emit(path string, kind ChangeKind, now time.Time) {
	ev, ok := fw.roots.NewEvent(path, kind, now)
	if !ok {
		return
	}
	slog.Debug("file watcher", "kind", kind, "path", ev.Key)
	fw.handler(ev)
}
