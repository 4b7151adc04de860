package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cuda-mps-manager/pkg/daemon"
	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
	"github.com/NVIDIA/cuda-mps-manager/pkg/version"
)

// stubControl mimics nvidia-cuda-mps-control: "-f" runs as a daemon and
// creates the control pipe, no arguments reads the quit command from stdin.
const stubControl = `#!/bin/sh
if [ "$1" = "-f" ]; then
  echo $$ > "$CUDA_MPS_PIPE_DIRECTORY/daemon.pid"
  : > "$CUDA_MPS_PIPE_DIRECTORY/control"
  trap 'rm -f "$CUDA_MPS_PIPE_DIRECTORY/control"; exit 0' TERM INT
  while :; do sleep 0.1; done
fi
read cmd
if [ "$cmd" = "quit" ]; then
  pid=$(cat "$CUDA_MPS_PIPE_DIRECTORY/daemon.pid" 2>/dev/null)
  [ -n "$pid" ] && kill "$pid" 2>/dev/null
fi
exit 0
`

// stubControlStallGPU1 behaves like stubControl except on GPU 1, where the
// daemon runs but never creates its control pipe.
const stubControlStallGPU1 = `#!/bin/sh
if [ "$1" = "-f" ]; then
  if [ "$CUDA_VISIBLE_DEVICES" = "1" ]; then
    trap 'exit 0' TERM
    while :; do sleep 0.1; done
  fi
  echo $$ > "$CUDA_MPS_PIPE_DIRECTORY/daemon.pid"
  : > "$CUDA_MPS_PIPE_DIRECTORY/control"
  trap 'rm -f "$CUDA_MPS_PIPE_DIRECTORY/control"; exit 0' TERM INT
  while :; do sleep 0.1; done
fi
read cmd
if [ "$cmd" = "quit" ]; then
  pid=$(cat "$CUDA_MPS_PIPE_DIRECTORY/daemon.pid" 2>/dev/null)
  [ -n "$pid" ] && kill "$pid" 2>/dev/null
fi
exit 0
`

type fakeEnum struct {
	devs []device.Device
	err  error
}

func (f fakeEnum) Devices(_ context.Context) ([]device.Device, error) {
	return f.devs, f.err
}

func testDevices(n int) []device.Device {
	devs := make([]device.Device, n)
	for i := range devs {
		devs[i] = device.Device{
			Index:             i,
			Name:              "Tesla V100",
			ComputeCapability: version.New(7, 0),
		}
	}
	return devs
}

func testSupervisor(t *testing.T, script string, gpus int) (*Supervisor, string) {
	t.Helper()
	cmdPath := filepath.Join(t.TempDir(), "mps-control")
	require.NoError(t, os.WriteFile(cmdPath, []byte(script), 0o755))

	s := New(fakeEnum{devs: testDevices(gpus)}, Options{
		Daemon: daemon.Options{
			ControlCommand: cmdPath,
			StartTimeout:   5 * time.Second,
			StopTimeout:    time.Second,
		},
	})
	return s, t.TempDir()
}

func TestStartAllStopAllRoundTrip(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 2)

	handles, err := s.StartAll(context.Background(), []int{0, 1}, base)
	require.NoError(t, err)
	require.Len(t, handles, 2)

	for id, h := range handles {
		assert.Equal(t, daemon.StateRunning, h.State(), "gpu %d", id)
		assert.DirExists(t, h.Namespace.PipeDir)
		assert.DirExists(t, h.Namespace.LogDir)
		assert.FileExists(t, h.Namespace.ControlPipePath())
	}

	require.NoError(t, s.StopAll(context.Background()))
	assert.Empty(t, s.Status())
	for id := range handles {
		assert.NoDirExists(t, filepath.Join(base, fmt.Sprintf("gpu-%d", id)))
	}
}

func TestStartAllIsIdempotent(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 2)

	first, err := s.StartAll(context.Background(), []int{0, 1}, base)
	require.NoError(t, err)

	second, err := s.StartAll(context.Background(), []int{0, 1}, base)
	require.NoError(t, err)

	require.Len(t, second, 2)
	for id := range first {
		assert.Same(t, first[id], second[id], "gpu %d should reuse its handle", id)
	}

	require.NoError(t, s.StopAll(context.Background()))
}

func TestStartAllDeduplicatesRequestedIDs(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 2)

	handles, err := s.StartAll(context.Background(), []int{0, 0, 1, 0}, base)
	require.NoError(t, err, "repeated ids should not produce failures")
	require.Len(t, handles, 2)
	assert.Contains(t, handles, 0)
	assert.Contains(t, handles, 1)

	require.NoError(t, s.StopAll(context.Background()))
}

func TestStartAllRejectsUnknownDevice(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 2)

	_, err := s.StartAll(context.Background(), []int{0, 9}, base)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownDevice))

	// No state was mutated, not even for the valid id.
	assert.Empty(t, s.Status())
	assert.NoDirExists(t, filepath.Join(base, "gpu-0"))
}

func TestConcurrentStartsAreExclusive(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 1)

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		conflict int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start(context.Background(), 0, base)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.IsCode(err, errors.ErrCodeAlreadyManaged):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started, "exactly one start should win")
	assert.Equal(t, attempts-1, conflict)
	assert.Len(t, s.Status(), 1)

	require.NoError(t, s.StopAll(context.Background()))
}

func TestStartAllIsolatesPerGPUFailures(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 3)

	// Occupy GPU 1's namespace with a marker owned by a live process, so
	// its allocation fails while the siblings proceed.
	root := filepath.Join(base, "gpu-1")
	require.NoError(t, os.MkdirAll(root, 0o755))
	marker, err := json.Marshal(map[string]any{"id": "other", "pid": 1, "gpu": 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".owner"), marker, 0o600))

	handles, err := s.StartAll(context.Background(), []int{0, 1, 2}, base)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNamespace))

	require.Len(t, handles, 2)
	assert.Equal(t, daemon.StateRunning, handles[0].State())
	assert.Equal(t, daemon.StateRunning, handles[2].State())

	states := s.Status()
	assert.NotContains(t, states, 1)

	require.NoError(t, s.StopAll(context.Background()))
}

func TestStartAllTimeoutDoesNotBlockSiblings(t *testing.T) {
	s, base := testSupervisor(t, stubControlStallGPU1, 2)
	s.opts.Daemon.StartTimeout = 600 * time.Millisecond

	began := time.Now()
	handles, err := s.StartAll(context.Background(), []int{0, 1}, base)
	elapsed := time.Since(began)

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDaemonStart))
	assert.Less(t, elapsed, 5*time.Second, "siblings should start in parallel with the stalled one")

	require.Len(t, handles, 1)
	assert.Equal(t, daemon.StateRunning, handles[0].State())

	// The failed GPU's namespace was rolled back.
	assert.NoDirExists(t, filepath.Join(base, "gpu-1"))

	require.NoError(t, s.StopAll(context.Background()))
}

func TestStopUnmanagedIsNoOp(t *testing.T) {
	s, _ := testSupervisor(t, stubControl, 2)
	require.NoError(t, s.Stop(context.Background(), 5))
}

func TestStopIsIdempotent(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 1)

	_, err := s.StartAll(context.Background(), []int{0}, base)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), 0))
	require.NoError(t, s.Stop(context.Background(), 0))
	assert.Empty(t, s.Status())
	assert.NoDirExists(t, filepath.Join(base, "gpu-0"))
}

func TestPersistNamespacesKeepsDirectories(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 1)
	s.opts.PersistNamespaces = true

	handles, err := s.StartAll(context.Background(), []int{0}, base)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), 0))
	assert.DirExists(t, handles[0].Namespace.PipeDir)
	assert.DirExists(t, handles[0].Namespace.LogDir)
}

func TestReapRemovesDeadDaemons(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 2)

	handles, err := s.StartAll(context.Background(), []int{0, 1}, base)
	require.NoError(t, err)

	// Kill GPU 0's daemon behind the supervisor's back.
	require.NoError(t, syscall.Kill(-handles[0].PID(), syscall.SIGKILL))

	var reaped []int
	require.Eventually(t, func() bool {
		reaped = s.Reap(context.Background())
		return len(reaped) == 1
	}, 5*time.Second, 50*time.Millisecond, "dead daemon was not reaped")

	assert.Equal(t, []int{0}, reaped)
	assert.NoDirExists(t, filepath.Join(base, "gpu-0"))

	states := s.Status()
	assert.NotContains(t, states, 0)
	assert.Equal(t, daemon.StateRunning, states[1])

	require.NoError(t, s.StopAll(context.Background()))
}

func TestCloseStopsEverythingAndRefusesStarts(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 2)

	handles, err := s.StartAll(context.Background(), []int{0, 1}, base)
	require.NoError(t, err)
	pids := []int{handles[0].PID(), handles[1].PID()}

	require.NoError(t, s.Close(context.Background()))

	assert.Empty(t, s.Status())
	for _, pid := range pids {
		assert.Error(t, syscall.Kill(pid, 0), "daemon %d should be gone", pid)
	}
	assert.NoDirExists(t, filepath.Join(base, "gpu-0"))
	assert.NoDirExists(t, filepath.Join(base, "gpu-1"))

	_, err = s.Start(context.Background(), 0, base)
	require.Error(t, err)

	// Close twice is fine.
	require.NoError(t, s.Close(context.Background()))
}

func TestMonitorRestartsDeadDaemon(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 1)

	handles, err := s.StartAll(context.Background(), []int{0}, base)
	require.NoError(t, err)
	firstPID := handles[0].PID()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		_ = s.Monitor(ctx, MonitorOptions{
			Interval: 100 * time.Millisecond,
			Restart:  true,
			BaseDir:  base,
		})
	}()

	require.NoError(t, syscall.Kill(-firstPID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		for id, h := range s.Handles() {
			if id == 0 && h.PID() != firstPID && h.Poll() == daemon.StateRunning {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond, "daemon was not restarted")

	cancel()
	select {
	case <-monitorDone:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit on cancel")
	}

	require.NoError(t, s.StopAll(context.Background()))
}

func TestRunningGaugeTracksTable(t *testing.T) {
	s, base := testSupervisor(t, stubControl, 4)
	before := testutil.ToFloat64(daemonsRunning)

	_, err := s.StartAll(context.Background(), []int{0, 1, 2, 3}, base)
	require.NoError(t, err)
	assert.Equal(t, before+4, testutil.ToFloat64(daemonsRunning))

	// Concurrent stops must leave the gauge consistent with the table.
	var wg sync.WaitGroup
	for id := 0; id < 4; id++ {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Stop(context.Background(), id))
		}()
	}
	wg.Wait()

	assert.Empty(t, s.Status())
	assert.Equal(t, before, testutil.ToFloat64(daemonsRunning))
}
