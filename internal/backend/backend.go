package backend

import (
	"context"
	"fmt"
	"path"
	"strings"
)

const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// StorageBackend is a single replication destination. Implementations must be safe
// for concurrent use; the engine calls them from several goroutines at once.
type StorageBackend interface {
	// Name is the provider name used in logs, events and the journal
	Name() string
	// Validate checks that the destination root is reachable and writable
	Validate(ctx context.Context) error
	// Upload stores content under key, replacing anything already there
	Upload(ctx context.Context, key string, content []byte) error
	// Delete removes key. Missing keys fail with ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// Options describes a backend to build with New
type Options struct {
	Name     string
	Type     string
	RootPath string
	S3       *S3Config
}

// New builds a backend from its options. Local backends use the OS filesystem.
func New(ctx context.Context, opts Options) (StorageBackend, error) {
	switch opts.Type {
	case "", TypeLocal:
		return NewLocalBackend(opts.Name, opts.RootPath, nil), nil
	case TypeS3:
		if opts.S3 == nil {
			return nil, fmt.Errorf("backend %q: s3 settings missing: %w", opts.Name, ErrInvalid)
		}
		return NewS3BackendWithConfig(ctx, opts.Name, opts.RootPath, opts.S3)
	default:
		return nil, fmt.Errorf("backend %q: unknown type %q: %w", opts.Name, opts.Type, ErrInvalid)
	}
}

// cleanKey validates a slash separated object key and strips leading slashes
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("empty key %q: %w", key, ErrInvalid)
	}
	return cleaned, nil
}
