package workspace

import (
	"path/filepath"
	"testing"

	"github.com/openmined/syftmirror/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace_Layout(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "logs"), ws.LogsDir)
	assert.Equal(t, filepath.Join(root, "state", "sync.db"), ws.JournalPath)
	assert.Equal(t, filepath.Join(root, "logs", "mirror.log"), ws.LogPath("mirror"))
}

func TestWorkspace_SetupCreatesDirs(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ws.Setup())
	defer ws.Unlock()

	assert.True(t, utils.DirExists(ws.LogsDir))
	assert.True(t, utils.DirExists(ws.StateDir))
}

func TestWorkspace_LockIsExclusive(t *testing.T) {
	root := t.TempDir()

	first, err := NewWorkspace(root)
	require.NoError(t, err)
	require.NoError(t, first.Lock())

	second, err := NewWorkspace(root)
	require.NoError(t, err)
	assert.ErrorIs(t, second.Lock(), ErrWorkspaceLocked)

	// a non-holder unlock is a no-op
	require.NoError(t, second.Unlock())

	require.NoError(t, first.Unlock())
	require.NoError(t, second.Lock())
	require.NoError(t, second.Unlock())
}

func TestNewWorkspace_EmptyPath(t *testing.T) {
	_, err := NewWorkspace("")
	assert.Error(t, err)
}
