/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cuda-mps-manager/pkg/daemon"
	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
)

func TestRootCommandWiring(t *testing.T) {
	root := rootCmd()
	require.NotNil(t, root)

	names := make([]string, 0, len(root.Commands))
	for _, c := range root.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"devices", "run", "start", "status", "stop"}, names)
}

func TestParseDevices(t *testing.T) {
	ids, err := parseDevices([]string{"0", "2", "0"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, ids, "duplicates should collapse")

	_, err = parseDevices([]string{"x"})
	require.Error(t, err)

	_, err = parseDevices([]string{"-1"})
	require.Error(t, err)
}

func TestDaemonFor(t *testing.T) {
	dev := device.Device{Index: 1, UUID: "GPU-abc"}
	orphans := []daemon.Orphan{
		{PID: 10, VisibleDevices: "0"},
		{PID: 20, VisibleDevices: "GPU-abc"},
	}

	o, ok := daemonFor(dev, orphans)
	require.True(t, ok)
	assert.Equal(t, 20, o.PID)

	_, ok = daemonFor(device.Device{Index: 5, UUID: "GPU-xyz"}, orphans)
	assert.False(t, ok)
}

func TestPurgeNamespaces(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "gpu-0", "pipe"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "gpu-1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "unrelated"), 0o755))

	require.NoError(t, purgeNamespaces(base))

	assert.NoDirExists(t, filepath.Join(base, "gpu-0"))
	assert.NoDirExists(t, filepath.Join(base, "gpu-1"))
	assert.DirExists(t, filepath.Join(base, "unrelated"))
}

func TestPurgeNamespacesMissingBase(t *testing.T) {
	require.NoError(t, purgeNamespaces(filepath.Join(t.TempDir(), "nope")))
}
