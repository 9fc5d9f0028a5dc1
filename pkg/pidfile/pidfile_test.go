package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_CreateRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "celldatad.pid")
	p := New(path)

	require.NoError(t, p.Create())
	pid, err := p.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, p.Remove())
}

func TestPIDFile_StaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "celldatad.pid")
	// Pid 0 is never a live daemon
	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0o644))

	p := New(path)
	running, _, err := p.CheckRunning()
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, p.Create())
	defer p.Remove()
	pid, err := p.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "celldatad.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, _, err := New(path).CheckRunning()
	assert.Error(t, err)
}

func TestPIDFile_RemoveForeign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "celldatad.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	assert.Error(t, New(path).Remove())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
