package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/syftmirror/internal/utils"
)

// LocalScanner reconciles the roots against the journal after a restart: files
// changed while the daemon was down are re-queued and files that disappeared
// become deletes.
type LocalScanner struct {
	roots        WatchRoots
	fingerprints *FingerprintStore
	providers    *ProviderRegistry
}

func NewLocalScanner(roots WatchRoots, fingerprints *FingerprintStore, providers *ProviderRegistry) *LocalScanner {
	return &LocalScanner{
		roots:        roots,
		fingerprints: fingerprints,
		providers:    providers,
	}
}

// Scan returns the changes needed to bring every enabled provider up to date
func (s *LocalScanner) Scan(ctx context.Context, now time.Time) ([]FileChangeEvent, error) {
	known, err := s.fingerprints.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("local scan: %w", err)
	}

	enabled := s.providers.Enabled()
	seen := make(map[string]struct{})
	var events []FileChangeEvent
	scanned := make(map[string]bool, len(s.roots))

	for _, root := range s.roots {
		if !utils.DirExists(root.Path) {
			slog.Warn("local scan root missing, skipping", "dir", root.Path)
			continue
		}
		scanned[root.Name] = true

		err := filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				slog.Warn("local scan walk", "path", path, "error", walkErr)
				return nil
			}
			if path == root.Path {
				return nil
			}
			if root.Ignored(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			key, ok := root.Key(path)
			if !ok {
				return nil
			}
			seen[key] = struct{}{}

			info, err := d.Info()
			if err != nil {
				return nil
			}

			fps := known[key]
			if len(fps) == 0 {
				events = append(events, FileChangeEvent{Key: key, Path: path, Kind: ChangeAdd, ObservedAt: now})
				return nil
			}
			if s.outdated(path, info, fps, len(enabled)) {
				events = append(events, FileChangeEvent{Key: key, Path: path, Kind: ChangeModify, ObservedAt: now})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("local scan failed: %w", err)
		}
	}

	// journal entries whose file is gone, only for roots that were actually scanned
	for key, fps := range known {
		if _, ok := seen[key]; ok {
			continue
		}
		root := rootName(key)
		if !scanned[root] {
			continue
		}
		path, ok := s.roots.LocalPath(key)
		if !ok {
			continue
		}
		if len(fps) > 0 {
			events = append(events, FileChangeEvent{Key: key, Path: path, Kind: ChangeDelete, ObservedAt: now})
		}
	}

	slog.Info("local scan", "roots", len(scanned), "files", len(seen), "changes", len(events))
	return events, nil
}

// outdated reports whether some enabled provider lacks the current content. The
// stored size and mtime short-circuit hashing for untouched files.
func (s *LocalScanner) outdated(path string, info fs.FileInfo, fps []*Fingerprint, enabled int) bool {
	holders := 0
	for _, fp := range fps {
		if s.providers.IsEnabled(fp.Provider) {
			holders++
		}
	}
	if holders < enabled {
		return true
	}

	unchanged := true
	for _, fp := range fps {
		if fp.Size != info.Size() || !fp.ModTime.Equal(info.ModTime()) {
			unchanged = false
			break
		}
	}
	if unchanged {
		return false
	}

	hash, err := utils.FileHash(path)
	if err != nil {
		slog.Warn("local scan hash", "path", path, "error", err)
		return true
	}
	for _, fp := range fps {
		if fp.Hash != hash {
			return true
		}
	}
	return false
}

func rootName(key string) string {
	name, _, _ := strings.Cut(key, "/")
	return name
}
