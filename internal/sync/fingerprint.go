package sync

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/syftmirror/internal/utils"
)

const (
	fingerprintCacheSize = 8192
	readRetryDelay       = 100 * time.Millisecond
)

var (
	ErrFileTooLarge = errors.New("file exceeds size limit")
	ErrUnreadable   = errors.New("source file unreadable")
)

// openSource opens a file under a watched root for reading
var openSource = os.Open

// Fingerprint is the content a provider is known to hold for a key
type Fingerprint struct {
	Provider string    `json:"provider"`
	Key      string    `json:"path"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
	SyncedAt time.Time `json:"syncedAt"`
}

type fingerprintKey struct {
	provider string
	key      string
}

// FingerprintStore answers "does this provider already hold these bytes" from the
// journal, with an LRU in front. Absent fingerprints are cached as nil.
type FingerprintStore struct {
	journal *SyncJournal
	cache   *lru.Cache[fingerprintKey, *Fingerprint]
}

func NewFingerprintStore(journal *SyncJournal) *FingerprintStore {
	cache, _ := lru.New[fingerprintKey, *Fingerprint](fingerprintCacheSize)
	return &FingerprintStore{
		journal: journal,
		cache:   cache,
	}
}

func (s *FingerprintStore) Get(provider, key string) (*Fingerprint, error) {
	ck := fingerprintKey{provider, key}
	if fp, ok := s.cache.Get(ck); ok {
		return fp, nil
	}

	fp, err := s.journal.GetFingerprint(provider, key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(ck, fp)
	return fp, nil
}

// HasChanged reports whether provider does not yet hold content with hash
func (s *FingerprintStore) HasChanged(provider, key, hash string) (bool, error) {
	fp, err := s.Get(provider, key)
	if err != nil {
		return true, err
	}
	return fp == nil || fp.Hash != hash, nil
}

// Commit records that fp.Provider acknowledged the content
func (s *FingerprintStore) Commit(fp *Fingerprint) error {
	if err := s.journal.SetFingerprint(fp); err != nil {
		s.cache.Remove(fingerprintKey{fp.Provider, fp.Key})
		return err
	}
	s.cache.Add(fingerprintKey{fp.Provider, fp.Key}, fp)
	return nil
}

func (s *FingerprintStore) Forget(provider, key string) error {
	s.cache.Remove(fingerprintKey{provider, key})
	return s.journal.DeleteFingerprint(provider, key)
}

// Holders returns, for key and every key below it, the providers holding a copy
func (s *FingerprintStore) Holders(key string) (map[string][]string, error) {
	exact, err := s.journal.FingerprintsFor(key)
	if err != nil {
		return nil, err
	}
	under, err := s.journal.FingerprintsUnder(key)
	if err != nil {
		return nil, err
	}

	holders := make(map[string][]string)
	for _, fp := range append(exact, under...) {
		holders[fp.Provider] = append(holders[fp.Provider], fp.Key)
	}
	return holders, nil
}

// Snapshot groups every stored fingerprint by key
func (s *FingerprintStore) Snapshot() (map[string][]*Fingerprint, error) {
	all, err := s.journal.AllFingerprints()
	if err != nil {
		return nil, err
	}
	byKey := make(map[string][]*Fingerprint)
	for _, fp := range all {
		byKey[fp.Key] = append(byKey[fp.Key], fp)
	}
	return byKey, nil
}

// localContent is a read of a source file together with its stat at read time
type localContent struct {
	content []byte
	hash    string
	size    int64
	modTime time.Time
}

// readLocal reads and hashes path. A read failure is retried once and then
// reported as ErrUnreadable. A vanished file surfaces as fs.ErrNotExist.
func readLocal(path string, maxSize int64) (*localContent, error) {
	lc, err := readLocalOnce(path, maxSize)
	if err == nil || errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrFileTooLarge) {
		return lc, err
	}

	slog.Debug("read retry", "path", path, "error", err)
	time.Sleep(readRetryDelay)
	lc, err = readLocalOnce(path, maxSize)
	if err == nil || errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrFileTooLarge) {
		return lc, err
	}
	return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
}

func readLocalOnce(path string, maxSize int64) (*localContent, error) {
	file, err := openSource(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %s > %s", ErrFileTooLarge, humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(maxSize)))
	}

	// the file may still grow between stat and read
	content, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(content)) > maxSize {
		return nil, fmt.Errorf("%w: more than %s", ErrFileTooLarge, humanize.IBytes(uint64(maxSize)))
	}

	return &localContent{
		content: content,
		hash:    utils.HashBytes(content),
		size:    int64(len(content)),
		modTime: info.ModTime(),
	}, nil
}
