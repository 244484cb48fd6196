package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
)

const tmpPattern = ".mirror.tmp.*"

// LocalBackend mirrors objects into a directory tree, e.g. a mounted drive or a
// folder synced by another tool. Writes land in a temp file and are renamed into place.
type LocalBackend struct {
	name string
	root string
	fs   afero.Fs
}

// NewLocalBackend creates a local backend rooted at root. A nil fs uses the OS filesystem.
func NewLocalBackend(name, root string, fsys afero.Fs) *LocalBackend {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &LocalBackend{
		name: name,
		root: filepath.Clean(root),
		fs:   fsys,
	}
}

func (b *LocalBackend) Name() string {
	return b.name
}

func (b *LocalBackend) Root() string {
	return b.root
}

func (b *LocalBackend) Validate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newError("validate", b.name, "", ErrNetwork, err)
	}

	info, err := b.fs.Stat(b.root)
	if errors.Is(err, fs.ErrNotExist) {
		return newError("validate", b.name, "", ErrUnavailable, err)
	} else if err != nil {
		return newError("validate", b.name, "", b.kindOf(err), err)
	}
	if !info.IsDir() {
		return newError("validate", b.name, "", ErrInvalid, fmt.Errorf("%s is not a directory", b.root))
	}

	// a test write catches read-only mounts that Stat alone does not
	tmp, err := afero.TempFile(b.fs, b.root, tmpPattern)
	if err != nil {
		return newError("validate", b.name, "", b.kindOf(err), err)
	}
	name := tmp.Name()
	tmp.Close()
	if err := b.fs.Remove(name); err != nil {
		return newError("validate", b.name, "", b.kindOf(err), err)
	}
	return nil
}

func (b *LocalBackend) Upload(ctx context.Context, key string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return newError("upload", b.name, key, ErrNetwork, err)
	}

	target, err := b.target(key)
	if err != nil {
		return newError("upload", b.name, key, ErrInvalid, err)
	}

	// the root going away means the destination is offline, not that we should recreate it
	if _, err := b.fs.Stat(b.root); err != nil {
		return newError("upload", b.name, key, ErrUnavailable, err)
	}

	dir := filepath.Dir(target)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return newError("upload", b.name, key, b.kindOf(err), err)
	}

	tmp, err := afero.TempFile(b.fs, dir, filepath.Base(target)+tmpPattern)
	if err != nil {
		return newError("upload", b.name, key, b.kindOf(err), err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(content)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		b.fs.Remove(tmpName)
		return newError("upload", b.name, key, b.kindOf(err), err)
	}

	if err := b.fs.Rename(tmpName, target); err != nil {
		b.fs.Remove(tmpName)
		return newError("upload", b.name, key, b.kindOf(err), err)
	}
	return nil
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return newError("delete", b.name, key, ErrNetwork, err)
	}

	target, err := b.target(key)
	if err != nil {
		return newError("delete", b.name, key, ErrInvalid, err)
	}

	if err := b.fs.Remove(target); err != nil {
		return newError("delete", b.name, key, b.kindOf(err), err)
	}

	b.pruneEmptyParents(filepath.Dir(target))
	return nil
}

// target maps a key onto a path under root
func (b *LocalBackend) target(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned)), nil
}

// pruneEmptyParents removes directories left empty by a delete, stopping at root
func (b *LocalBackend) pruneEmptyParents(dir string) {
	for dir != b.root && len(dir) > len(b.root) {
		entries, err := afero.ReadDir(b.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := b.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (b *LocalBackend) kindOf(err error) error {
	if kind := networkKind(err); kind != nil {
		return kind
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return ErrPermission
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return ErrQuota
	case errors.Is(err, syscall.EFBIG):
		return ErrTooLarge
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrNetwork
	default:
		return ErrUnavailable
	}
}
