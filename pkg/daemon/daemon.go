// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
	"github.com/NVIDIA/cuda-mps-manager/pkg/namespace"
)

// State is the lifecycle state of a control daemon.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// DefaultControlCommand is the native MPS control program.
const DefaultControlCommand = "nvidia-cuda-mps-control"

const (
	defaultStartTimeout = 10 * time.Second
	defaultStopTimeout  = 10 * time.Second

	// killWait bounds the wait for process exit after a forced kill. A
	// process that survives SIGKILL this long is stuck in the kernel and
	// must be surfaced, not waited on forever.
	killWait = 5 * time.Second
)

// Options configures how daemons are launched and terminated.
type Options struct {
	// ControlCommand is the MPS control program to execute. Defaults to
	// nvidia-cuda-mps-control; overridable for tests and non-standard
	// install locations.
	ControlCommand string

	// StartTimeout bounds the wait for the control pipe to appear.
	StartTimeout time.Duration

	// StopTimeout bounds the graceful shutdown wait before escalation.
	StopTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ControlCommand == "" {
		o.ControlCommand = DefaultControlCommand
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = defaultStartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	return o
}

// Handle wraps one spawned control daemon process. A Handle is created only
// by Start and owned exclusively by the supervisor; it is the only component
// that holds a live OS process.
type Handle struct {
	GPU       device.Device
	Namespace *namespace.Namespace

	opts Options
	cmd  *exec.Cmd

	mu            sync.Mutex
	state         State
	stopRequested bool

	// done closes when the daemon process has been reaped.
	done    chan struct{}
	waitErr error
}

// Start launches the control daemon for one GPU in foreground mode with the
// namespace environment applied, and blocks until the daemon's control pipe
// appears (Running), the process exits early, or the start timeout elapses
// (both Failed). On failure no Handle is returned and the spawned process,
// if any, has been killed and reaped.
func Start(ctx context.Context, gpu device.Device, ns *namespace.Namespace, opts Options) (*Handle, error) {
	opts = opts.withDefaults()

	h := &Handle{
		GPU:       gpu,
		Namespace: ns,
		opts:      opts,
		state:     StateStarting,
		done:      make(chan struct{}),
	}

	// The watcher must be in place before the process starts, or the pipe
	// could appear in the gap and never produce an event.
	watch, err := watchForControlPipe(ns.PipeDir)
	if err != nil {
		return nil, errors.WrapWithContext(errors.ErrCodeDaemonStart,
			"failed to watch pipe directory", err,
			map[string]any{"gpu": gpu.Index, "pipeDir": ns.PipeDir})
	}
	defer watch.Close()

	// Daemon output goes next to the daemon's own logs.
	logPath := filepath.Join(ns.LogDir, "mps-control.out")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapWithContext(errors.ErrCodeDaemonStart,
			"failed to open daemon output file", err,
			map[string]any{"gpu": gpu.Index, "path": logPath})
	}

	// Foreground mode keeps the daemon as a direct child so this handle
	// owns its pid for signaling and reaping.
	cmd := exec.Command(opts.ControlCommand, "-f")
	cmd.Env = mergeEnv(os.Environ(), ns.Env())
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group, so terminal signals to the manager do not reach
	// the daemon before the supervisor's ordered shutdown does.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errors.WrapWithContext(errors.ErrCodeDaemonStart,
			"failed to spawn control daemon", err,
			map[string]any{"gpu": gpu.Index, "command": opts.ControlCommand})
	}
	h.cmd = cmd

	go func() {
		h.waitErr = cmd.Wait()
		logFile.Close()
		close(h.done)
	}()

	slog.Info("control daemon spawned",
		"gpu", gpu.Index, "pid", cmd.Process.Pid, "pipeDir", ns.PipeDir)

	if err := h.awaitReady(ctx, watch); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.state = StateRunning
	h.mu.Unlock()
	slog.Info("control daemon ready", "gpu", gpu.Index, "pid", cmd.Process.Pid)
	return h, nil
}

// awaitReady blocks until the control pipe appears, the process exits, the
// start timeout elapses, or ctx is canceled. All paths except readiness kill
// and reap the process and leave the handle Failed.
func (h *Handle) awaitReady(ctx context.Context, watch *pipeWatch) error {
	timer := time.NewTimer(h.opts.StartTimeout)
	defer timer.Stop()

	ready, errs := watch.ready, watch.errors
	for {
		select {
		case <-ready:
			return nil

		case werr := <-errs:
			// A broken watcher is not fatal; fall back to polling.
			slog.Warn("pipe watcher error, polling for readiness",
				"gpu", h.GPU.Index, "error", werr)
			errs = nil
			watch.pollFallback()

		case <-h.done:
			return h.fail(errors.NewWithContext(errors.ErrCodeDaemonStart,
				"control daemon exited before becoming ready",
				map[string]any{"gpu": h.GPU.Index, "exit": exitString(h.waitErr)}))

		case <-timer.C:
			h.killAndReap()
			return h.fail(errors.NewWithContext(errors.ErrCodeDaemonStart,
				"control daemon did not become ready within timeout",
				map[string]any{"gpu": h.GPU.Index, "timeout": h.opts.StartTimeout.String()}))

		case <-ctx.Done():
			h.killAndReap()
			return h.fail(errors.WrapWithContext(errors.ErrCodeDaemonStart,
				"start canceled", ctx.Err(),
				map[string]any{"gpu": h.GPU.Index}))
		}
	}
}

func (h *Handle) fail(err error) error {
	h.mu.Lock()
	h.state = StateFailed
	h.mu.Unlock()
	return err
}

// Stop terminates the daemon: first the documented quit command through the
// control program, then a termination signal, and finally a forced kill once
// the stop timeout elapses. Stop is idempotent; stopping an already stopped
// handle returns nil.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateStopped:
		h.mu.Unlock()
		return nil
	case StateFailed:
		// Process already gone; nothing to terminate.
		h.state = StateStopped
		h.mu.Unlock()
		return nil
	case StateStopping:
		h.mu.Unlock()
		return h.awaitStopped(ctx)
	default:
	}
	h.state = StateStopping
	h.stopRequested = true
	h.mu.Unlock()

	slog.Info("stopping control daemon", "gpu", h.GPU.Index, "pid", h.PID())

	// Graceful path: the daemon's own shutdown command. If the control
	// program cannot deliver it, fall back to SIGTERM.
	if err := Quit(ctx, h.opts.ControlCommand, h.Namespace.PipeDir); err != nil {
		slog.Debug("quit command failed, sending SIGTERM",
			"gpu", h.GPU.Index, "error", err)
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Debug("SIGTERM failed", "gpu", h.GPU.Index, "error", err)
		}
	}

	select {
	case <-h.done:
		return h.markStopped("graceful")
	case <-time.After(h.opts.StopTimeout):
	case <-ctx.Done():
	}

	// Escalate. Kill the whole process group in case the daemon forked.
	slog.Warn("control daemon did not exit gracefully, killing",
		"gpu", h.GPU.Index, "pid", h.PID())
	h.kill()

	select {
	case <-h.done:
		return h.markStopped("forced")
	case <-time.After(killWait):
		return errors.NewWithContext(errors.ErrCodeDaemonStop,
			"control daemon survived forced kill; manual cleanup required",
			map[string]any{"gpu": h.GPU.Index, "pid": h.PID()})
	}
}

// awaitStopped waits for a stop initiated by another goroutine to conclude.
func (h *Handle) awaitStopped(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		h.state = StateStopped
		h.mu.Unlock()
		return nil
	case <-time.After(h.opts.StopTimeout + killWait):
		return errors.NewWithContext(errors.ErrCodeDaemonStop,
			"timed out waiting for concurrent stop",
			map[string]any{"gpu": h.GPU.Index, "pid": h.PID()})
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) markStopped(how string) error {
	h.mu.Lock()
	h.state = StateStopped
	h.mu.Unlock()
	slog.Info("control daemon stopped",
		"gpu", h.GPU.Index, "mode", how, "exit", exitString(h.waitErr))
	return nil
}

// Poll is a non-blocking liveness check. A daemon found dead without a stop
// request is reconciled from Running to Failed.
func (h *Handle) Poll() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		if !h.stopRequested && h.state == StateRunning {
			slog.Warn("control daemon died outside supervisor control",
				"gpu", h.GPU.Index, "exit", exitString(h.waitErr))
			h.state = StateFailed
		}
	default:
	}
	return h.state
}

// State returns the last observed state without reconciling liveness.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PID returns the daemon's process id, or 0 if it never spawned.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *Handle) kill() {
	pid := h.PID()
	if pid <= 0 {
		return
	}
	// Negative pid addresses the process group created at spawn.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = h.cmd.Process.Kill()
	}
}

// killAndReap force-kills the daemon and waits briefly for the reaper
// goroutine, so failed starts never leak zombies.
func (h *Handle) killAndReap() {
	h.kill()
	select {
	case <-h.done:
	case <-time.After(killWait):
		slog.Error("failed start left an unkillable process",
			"gpu", h.GPU.Index, "pid", h.PID())
	}
}

// Quit asks the control daemon bound to pipeDir to shut down by piping the
// quit command into a fresh control program invocation, the same mechanism
// the native tooling uses interactively.
func Quit(ctx context.Context, controlCommand, pipeDir string) error {
	if controlCommand == "" {
		controlCommand = DefaultControlCommand
	}
	cmd := exec.CommandContext(ctx, controlCommand)
	cmd.Env = mergeEnv(os.Environ(), map[string]string{
		namespace.EnvPipeDirectory: pipeDir,
	})
	cmd.Stdin = strings.NewReader("quit\n")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("quit command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// mergeEnv overlays vars onto base, replacing duplicates so the namespace
// bindings always win over inherited values.
func mergeEnv(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, shadowed := vars[key]; shadowed {
				continue
			}
		}
		out = append(out, kv)
	}
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}

func exitString(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
