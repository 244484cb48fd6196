package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftmirror/internal/db"
	"github.com/openmined/syftmirror/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
    provider TEXT NOT NULL,
    path TEXT NOT NULL,
    hash TEXT NOT NULL,
    size INTEGER NOT NULL,
    last_modified TEXT NOT NULL, -- RFC3339Nano
    synced_at TEXT NOT NULL,
    PRIMARY KEY (provider, path)
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_path ON fingerprints(path);

CREATE TABLE IF NOT EXISTS retry_entries (
    path TEXT PRIMARY KEY,
    local_path TEXT NOT NULL,
    kind TEXT NOT NULL,
    hash TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL,
    next_retry_at TEXT NOT NULL,
    providers TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT ''
);
`

var ErrJournalClosed = errors.New("sync journal not open")

type dbFingerprint struct {
	Provider     string `db:"provider"`
	Path         string `db:"path"`
	Hash         string `db:"hash"`
	Size         int64  `db:"size"`
	LastModified string `db:"last_modified"`
	SyncedAt     string `db:"synced_at"`
}

type dbRetryEntry struct {
	Path        string `db:"path"`
	LocalPath   string `db:"local_path"`
	Kind        string `db:"kind"`
	Hash        string `db:"hash"`
	Attempts    int    `db:"attempts"`
	NextRetryAt string `db:"next_retry_at"`
	Providers   string `db:"providers"`
	LastError   string `db:"last_error"`
}

// SyncJournal persists delivered fingerprints and pending retries in SQLite so a
// restart resumes where the previous run stopped.
type SyncJournal struct {
	db     *sqlx.DB
	dbPath string
}

func NewSyncJournal(dbPath string) *SyncJournal {
	return &SyncJournal{dbPath: dbPath}
}

func (s *SyncJournal) Open() error {
	if s.db != nil {
		return fmt.Errorf("sync journal already open")
	}

	if s.dbPath != ":memory:" {
		dbDir := filepath.Dir(s.dbPath)
		if err := utils.EnsureDir(dbDir); err != nil {
			return fmt.Errorf("failed to create journal directory %s: %w", dbDir, err)
		}
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("failed to create sync journal: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	if err := migrateRetryHash(conn); err != nil {
		conn.Close()
		return fmt.Errorf("failed to migrate journal schema: %w", err)
	}

	s.db = conn
	return nil
}

// migrateRetryHash adds the hash column to journals written before retries
// tracked the content they were spent on.
func migrateRetryHash(conn *sqlx.DB) error {
	var n int
	err := conn.Get(&n, `SELECT COUNT(*) FROM pragma_table_info('retry_entries') WHERE name = 'hash'`)
	if err != nil || n > 0 {
		return err
	}
	_, err = conn.Exec(`ALTER TABLE retry_entries ADD COLUMN hash TEXT NOT NULL DEFAULT ''`)
	return err
}

func (s *SyncJournal) Close() error {
	if s.db == nil {
		return ErrJournalClosed
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("sync journal close", "error", err)
		return err
	}
	slog.Debug("sync journal closed")
	return nil
}

func (s *SyncJournal) GetFingerprint(provider, path string) (*Fingerprint, error) {
	if s.db == nil {
		return nil, ErrJournalClosed
	}

	var row dbFingerprint
	err := s.db.Get(&row, `SELECT provider, path, hash, size, last_modified, synced_at
		FROM fingerprints WHERE provider = ? AND path = ?`, provider, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query fingerprint %s/%s: %w", provider, path, err)
	}
	return row.toFingerprint()
}

func (s *SyncJournal) SetFingerprint(fp *Fingerprint) error {
	if s.db == nil {
		return ErrJournalClosed
	}
	if fp == nil {
		return fmt.Errorf("cannot set nil fingerprint")
	}

	row := dbFingerprint{
		Provider:     fp.Provider,
		Path:         fp.Key,
		Hash:         fp.Hash,
		Size:         fp.Size,
		LastModified: fp.ModTime.UTC().Format(time.RFC3339Nano),
		SyncedAt:     fp.SyncedAt.UTC().Format(time.RFC3339Nano),
	}
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO fingerprints
		(provider, path, hash, size, last_modified, synced_at)
		VALUES (:provider, :path, :hash, :size, :last_modified, :synced_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to set fingerprint %s/%s: %w", fp.Provider, fp.Key, err)
	}
	return nil
}

func (s *SyncJournal) DeleteFingerprint(provider, path string) error {
	if s.db == nil {
		return ErrJournalClosed
	}
	if _, err := s.db.Exec("DELETE FROM fingerprints WHERE provider = ? AND path = ?", provider, path); err != nil {
		return fmt.Errorf("failed to delete fingerprint %s/%s: %w", provider, path, err)
	}
	return nil
}

// FingerprintsFor returns every provider's fingerprint of path
func (s *SyncJournal) FingerprintsFor(path string) ([]*Fingerprint, error) {
	return s.selectFingerprints("WHERE path = ?", path)
}

// FingerprintsUnder returns the fingerprints of every path below the prefix directory
func (s *SyncJournal) FingerprintsUnder(prefix string) ([]*Fingerprint, error) {
	prefix = strings.TrimSuffix(prefix, "/")
	// '0' sorts right after '/', so this is the half open range of prefix/...
	return s.selectFingerprints("WHERE path >= ? AND path < ?", prefix+"/", prefix+"0")
}

func (s *SyncJournal) AllFingerprints() ([]*Fingerprint, error) {
	return s.selectFingerprints("")
}

func (s *SyncJournal) CountFingerprints() (int, error) {
	if s.db == nil {
		return 0, ErrJournalClosed
	}
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM fingerprints"); err != nil {
		return 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return count, nil
}

func (s *SyncJournal) selectFingerprints(where string, args ...any) ([]*Fingerprint, error) {
	if s.db == nil {
		return nil, ErrJournalClosed
	}

	var rows []dbFingerprint
	query := "SELECT provider, path, hash, size, last_modified, synced_at FROM fingerprints " + where + " ORDER BY path, provider"
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}

	fps := make([]*Fingerprint, 0, len(rows))
	for _, row := range rows {
		fp, err := row.toFingerprint()
		if err != nil {
			slog.Error("sync journal corrupt fingerprint", "path", row.Path, "provider", row.Provider, "error", err)
			continue
		}
		fps = append(fps, fp)
	}
	return fps, nil
}

func (s *SyncJournal) SaveRetry(entry *RetryEntry) error {
	if s.db == nil {
		return ErrJournalClosed
	}

	row := dbRetryEntry{
		Path:        entry.Key,
		LocalPath:   entry.Path,
		Kind:        entry.Kind.String(),
		Hash:        entry.Hash,
		Attempts:    entry.Attempts,
		NextRetryAt: entry.NextRetryAt.UTC().Format(time.RFC3339Nano),
		Providers:   strings.Join(entry.Providers, ","),
		LastError:   entry.LastError,
	}
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO retry_entries
		(path, local_path, kind, hash, attempts, next_retry_at, providers, last_error)
		VALUES (:path, :local_path, :kind, :hash, :attempts, :next_retry_at, :providers, :last_error)`, row)
	if err != nil {
		return fmt.Errorf("failed to save retry %s: %w", entry.Key, err)
	}
	return nil
}

func (s *SyncJournal) DeleteRetry(path string) error {
	if s.db == nil {
		return ErrJournalClosed
	}
	if _, err := s.db.Exec("DELETE FROM retry_entries WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete retry %s: %w", path, err)
	}
	return nil
}

func (s *SyncJournal) LoadRetries() ([]*RetryEntry, error) {
	if s.db == nil {
		return nil, ErrJournalClosed
	}

	var rows []dbRetryEntry
	err := s.db.Select(&rows, `SELECT path, local_path, kind, hash, attempts, next_retry_at, providers, last_error
		FROM retry_entries ORDER BY next_retry_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query retries: %w", err)
	}

	entries := make([]*RetryEntry, 0, len(rows))
	for _, row := range rows {
		kind, err := ParseChangeKind(row.Kind)
		if err != nil {
			slog.Error("sync journal corrupt retry", "path", row.Path, "error", err)
			continue
		}
		next, err := time.Parse(time.RFC3339Nano, row.NextRetryAt)
		if err != nil {
			slog.Error("sync journal corrupt retry", "path", row.Path, "error", err)
			continue
		}
		var providers []string
		if row.Providers != "" {
			providers = strings.Split(row.Providers, ",")
		}
		entries = append(entries, &RetryEntry{
			Key:         row.Path,
			Path:        row.LocalPath,
			Kind:        kind,
			Hash:        row.Hash,
			Attempts:    row.Attempts,
			NextRetryAt: next,
			Providers:   providers,
			LastError:   row.LastError,
		})
	}
	return entries, nil
}

func (r dbFingerprint) toFingerprint() (*Fingerprint, error) {
	modTime, err := time.Parse(time.RFC3339Nano, r.LastModified)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored timestamp for %s: %w", r.Path, err)
	}
	syncedAt, err := time.Parse(time.RFC3339Nano, r.SyncedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored timestamp for %s: %w", r.Path, err)
	}
	return &Fingerprint{
		Provider: r.Provider,
		Key:      r.Path,
		Hash:     r.Hash,
		Size:     r.Size,
		ModTime:  modTime,
		SyncedAt: syncedAt,
	}, nil
}
