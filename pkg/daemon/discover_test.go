package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProcEntry(t *testing.T, procRoot, pid string, argv []string, env []string) {
	t.Helper()
	dir := filepath.Join(procRoot, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"),
		[]byte(strings.Join(argv, "\x00")+"\x00"), 0o444))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "environ"),
		[]byte(strings.Join(env, "\x00")+"\x00"), 0o444))
}

func TestDiscoverIn(t *testing.T) {
	proc := t.TempDir()

	writeProcEntry(t, proc, "100",
		[]string{"/usr/bin/nvidia-cuda-mps-control", "-d"},
		[]string{"CUDA_MPS_PIPE_DIRECTORY=/tmp/mps-a", "CUDA_VISIBLE_DEVICES=0", "HOME=/root"})
	// Foreground daemon.
	writeProcEntry(t, proc, "200",
		[]string{"nvidia-cuda-mps-control", "-f"},
		[]string{"CUDA_MPS_PIPE_DIRECTORY=/tmp/mps-b", "CUDA_VISIBLE_DEVICES=GPU-abc"})
	// Interactive invocation, not a daemon.
	writeProcEntry(t, proc, "300",
		[]string{"nvidia-cuda-mps-control"},
		[]string{"CUDA_MPS_PIPE_DIRECTORY=/tmp/mps-c"})
	// Unrelated process.
	writeProcEntry(t, proc, "400",
		[]string{"/usr/bin/sleep", "60"}, []string{"HOME=/root"})
	// Non-pid entries are skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(proc, "sys"), 0o755))

	orphans, err := discoverIn(proc, "nvidia-cuda-mps-control", os.Getuid())
	require.NoError(t, err)
	require.Len(t, orphans, 2)

	byPID := map[int]Orphan{}
	for _, o := range orphans {
		byPID[o.PID] = o
	}
	assert.Equal(t, "/tmp/mps-a", byPID[100].PipeDir)
	assert.Equal(t, "0", byPID[100].VisibleDevices)
	assert.Equal(t, "/tmp/mps-b", byPID[200].PipeDir)
	assert.Equal(t, "GPU-abc", byPID[200].VisibleDevices)
}

func TestDiscoverInSkipsOtherUsers(t *testing.T) {
	proc := t.TempDir()
	writeProcEntry(t, proc, "100",
		[]string{"nvidia-cuda-mps-control", "-d"},
		[]string{"CUDA_MPS_PIPE_DIRECTORY=/tmp/mps-a"})

	orphans, err := discoverIn(proc, "nvidia-cuda-mps-control", os.Getuid()+1)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestHasDaemonFlag(t *testing.T) {
	assert.True(t, hasDaemonFlag([]string{"-d"}))
	assert.True(t, hasDaemonFlag([]string{"-f"}))
	assert.False(t, hasDaemonFlag(nil))
	assert.False(t, hasDaemonFlag([]string{"status"}))
}
