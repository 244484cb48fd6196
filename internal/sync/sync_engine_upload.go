package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/backend"
	"golang.org/x/sync/errgroup"
)

// syncFile propagates one change to every provider that still needs it.
// Provider calls run in parallel and the path completes only once all settled.
func (e *SyncEngine) syncFile(ctx context.Context, item workItem) *SyncResult {
	e.status.Set(item.Key, StateUploading)

	var result *SyncResult
	if item.Kind == ChangeDelete {
		result = e.syncDelete(ctx, item)
	} else {
		result = e.syncUpload(ctx, item)
	}
	result.settle()

	slog.Debug("sync", "path", item.Key, "kind", result.Kind, "outcome", result.Outcome, "attempt", item.attempts+1)
	return result
}

func (e *SyncEngine) syncUpload(ctx context.Context, item workItem) *SyncResult {
	result := newSyncResult(item.Key, item.Kind)

	// other stat failures are left to the read, which retries once
	info, err := os.Stat(item.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return e.implicitDelete(ctx, item)
	}
	if err == nil && info.IsDir() {
		return result
	}
	if err == nil && info.Size() > e.cfg.MaxFileSize {
		return e.skipOversize(result, info.Size())
	}

	local, err := readLocal(item.Path, e.cfg.MaxFileSize)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return e.implicitDelete(ctx, item)
	case errors.Is(err, ErrFileTooLarge):
		return e.skipOversize(result, e.cfg.MaxFileSize+1)
	case errors.Is(err, ErrUnreadable):
		slog.Error("sync source unreadable", "path", item.Key, "error", err)
		result.LocalFatal = err
		result.Unreached = providerNames(e.providers.Targets(item.providers))
		return result
	case err != nil:
		result.LocalErr = err
		return result
	}
	result.Hash = local.hash

	var targets []backend.StorageBackend
	for _, b := range e.providers.Targets(item.providers) {
		changed, err := e.fingerprints.HasChanged(b.Name(), item.Key, local.hash)
		if err != nil {
			slog.Warn("fingerprint lookup", "path", item.Key, "provider", b.Name(), "error", err)
		}
		if changed {
			targets = append(targets, b)
		}
	}
	if len(targets) == 0 {
		return result
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, b := range targets {
		g.Go(func() error {
			err := b.Upload(ctx, item.Key, local.content)
			if err == nil {
				fp := &Fingerprint{
					Provider: b.Name(),
					Key:      item.Key,
					Hash:     local.hash,
					Size:     local.size,
					ModTime:  local.modTime,
					SyncedAt: e.clock.Now(),
				}
				if cerr := e.fingerprints.Commit(fp); cerr != nil {
					slog.Error("fingerprint commit", "path", item.Key, "provider", b.Name(), "error", cerr)
				}
			}

			mu.Lock()
			result.record(b.Name(), err)
			mu.Unlock()
			// never fail the group: one provider must not cancel the others
			return nil
		})
	}
	g.Wait()

	if len(result.Succeeded) > 0 {
		slog.Info("sync upload", "path", item.Key, "size", humanize.IBytes(uint64(local.size)), "providers", result.Succeeded)
	}
	return result
}

// implicitDelete handles a file that vanished before it could be read
func (e *SyncEngine) implicitDelete(ctx context.Context, item workItem) *SyncResult {
	slog.Debug("sync source vanished, deleting", "path", item.Key)
	item.Kind = ChangeDelete
	return e.syncDelete(ctx, item)
}

func (e *SyncEngine) skipOversize(result *SyncResult, size int64) *SyncResult {
	result.Reason = "file size " + humanize.IBytes(uint64(size)) + " exceeds limit " + humanize.IBytes(uint64(e.cfg.MaxFileSize))
	result.Outcome = OutcomeSkipped
	slog.Warn("sync skipped", "path", result.Key, "reason", result.Reason)
	return result
}

// syncDelete removes key, or every key below it for a directory, from the
// providers that hold a copy
func (e *SyncEngine) syncDelete(ctx context.Context, item workItem) *SyncResult {
	result := newSyncResult(item.Key, ChangeDelete)

	holders, err := e.fingerprints.Holders(item.Key)
	if err != nil {
		result.LocalErr = err
		return result
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, b := range e.providers.Targets(item.providers) {
		keys := holders[b.Name()]
		if len(keys) == 0 {
			continue
		}

		g.Go(func() error {
			var failed error
			for _, key := range keys {
				err := b.Delete(ctx, key)
				if err != nil && !backend.IsNotFound(err) {
					failed = err
					break
				}
				if ferr := e.fingerprints.Forget(b.Name(), key); ferr != nil {
					slog.Error("fingerprint forget", "path", key, "provider", b.Name(), "error", ferr)
				}
			}

			mu.Lock()
			result.record(b.Name(), failed)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(result.Succeeded) > 0 {
		slog.Info("sync delete", "path", item.Key, "providers", result.Succeeded)
	}
	return result
}

// record files a provider's result under succeeded, transient or permanent
func (r *SyncResult) record(provider string, err error) {
	switch {
	case err == nil:
		r.Succeeded = append(r.Succeeded, provider)
	case backend.IsPermanent(err):
		r.Permanent[provider] = err
	default:
		r.Failed[provider] = err
	}
}
