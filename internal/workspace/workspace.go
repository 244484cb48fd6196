package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/syftmirror/internal/utils"
)

const (
	logsDir     = "logs"
	stateDir    = "state"
	lockFile    = "mirror.lock"
	journalFile = "sync.db"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the data directory of a mirror daemon: sync journal, logs and the
// lock that keeps two daemons from replicating the same state.
type Workspace struct {
	Root        string
	LogsDir     string
	StateDir    string
	JournalPath string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	state := filepath.Join(root, stateDir)
	return &Workspace{
		Root:        root,
		LogsDir:     filepath.Join(root, logsDir),
		StateDir:    state,
		JournalPath: filepath.Join(state, journalFile),
		flock:       flock.New(filepath.Join(state, lockFile)),
	}, nil
}

func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.StateDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.StateDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// only the holder removes the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)

	for _, dir := range []string{w.LogsDir, w.StateDir} {
		if err := utils.EnsureDir(dir); err != nil {
			w.Unlock()
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// LogPath returns the path of a named log file inside the logs directory
func (w *Workspace) LogPath(name string) string {
	return filepath.Join(w.LogsDir, name+".log")
}
