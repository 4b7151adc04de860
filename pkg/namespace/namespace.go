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

package namespace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
)

// The environment variables an MPS control daemon and its clients recognize.
// These three are the complete set; nothing else is assembled ad hoc.
const (
	EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"
	EnvPipeDirectory  = "CUDA_MPS_PIPE_DIRECTORY"
	EnvLogDirectory   = "CUDA_MPS_LOG_DIRECTORY"
)

// ControlPipeName is the socket file the control daemon creates in its pipe
// directory once it accepts connections.
const ControlPipeName = "control"

const (
	pipeDirName   = "pipe"
	logDirName    = "log"
	ownerFileName = ".owner"
)

// Owner records which manager process created a namespace. It is written into
// the namespace root so a later run can tell a stale directory left by an
// unclean shutdown from one that is still in use.
type Owner struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	GPU       int       `json:"gpu"`
	CreatedAt time.Time `json:"createdAt"`
}

// Namespace is the per-GPU bundle of pipe directory, log directory, and the
// environment a control daemon and its clients must share.
type Namespace struct {
	GPU     device.Device `json:"gpu" yaml:"gpu"`
	Root    string        `json:"root" yaml:"root"`
	PipeDir string        `json:"pipeDir" yaml:"pipeDir"`
	LogDir  string        `json:"logDir" yaml:"logDir"`
	OwnerID string        `json:"ownerId" yaml:"ownerId"`
}

// Env returns the environment variable mapping for this namespace. The device
// is addressed by UUID when known so the mapping survives index reordering,
// by index otherwise.
func (n *Namespace) Env() map[string]string {
	visible := n.GPU.UUID
	if visible == "" {
		visible = strconv.Itoa(n.GPU.Index)
	}
	return map[string]string{
		EnvVisibleDevices: visible,
		EnvPipeDirectory:  n.PipeDir,
		EnvLogDirectory:   n.LogDir,
	}
}

// ControlPipePath returns the path of the daemon's control socket.
func (n *Namespace) ControlPipePath() string {
	return filepath.Join(n.PipeDir, ControlPipeName)
}

// Validate checks that the namespace derivation produced a complete,
// absolute-path environment. Called at allocation time so a broken mapping
// never reaches a daemon.
func (n *Namespace) Validate() error {
	if n.PipeDir == "" || n.LogDir == "" {
		return errors.NewWithContext(errors.ErrCodeNamespace,
			"namespace is missing directories", map[string]any{"gpu": n.GPU.Index})
	}
	for _, dir := range []string{n.PipeDir, n.LogDir} {
		if !filepath.IsAbs(dir) {
			return errors.NewWithContext(errors.ErrCodeNamespace,
				"namespace directory is not absolute",
				map[string]any{"gpu": n.GPU.Index, "dir": dir})
		}
	}
	if len(n.Env()) != 3 {
		return errors.NewWithContext(errors.ErrCodeNamespace,
			"incomplete environment mapping", map[string]any{"gpu": n.GPU.Index})
	}
	return nil
}

// Allocator derives and owns per-GPU namespaces under a base directory.
type Allocator struct {
	BaseDir string
}

// NewAllocator creates an allocator rooted at baseDir.
func NewAllocator(baseDir string) *Allocator {
	return &Allocator{BaseDir: baseDir}
}

// Allocate creates the pipe and log directories for a GPU and returns the
// namespace. Paths are deterministic: <base>/gpu-<index>/{pipe,log}.
//
// A pre-existing directory from a prior unclean shutdown is reclaimed when
// its recorded owner process is gone and no control pipe remains; otherwise
// allocation fails rather than risk two daemons sharing one pipe directory.
func (a *Allocator) Allocate(gpu device.Device) (*Namespace, error) {
	if a.BaseDir == "" {
		return nil, errors.New(errors.ErrCodeNamespace, "base directory not set")
	}
	baseDir, err := filepath.Abs(a.BaseDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeNamespace, "failed to resolve base directory", err)
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.WrapWithContext(errors.ErrCodeNamespace,
			"base directory is not writable", err,
			map[string]any{"gpu": gpu.Index, "baseDir": baseDir})
	}

	root := filepath.Join(baseDir, fmt.Sprintf("gpu-%d", gpu.Index))
	if _, err := os.Stat(root); err == nil {
		if err := a.reclaim(root, gpu); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.WrapWithContext(errors.ErrCodeNamespace,
			"failed to inspect existing namespace", err,
			map[string]any{"gpu": gpu.Index, "root": root})
	}

	ns := &Namespace{
		GPU:     gpu,
		Root:    root,
		PipeDir: filepath.Join(root, pipeDirName),
		LogDir:  filepath.Join(root, logDirName),
		OwnerID: uuid.NewString(),
	}

	// The pipe directory is private to the invoking user; MPS clients of the
	// same user connect through it.
	for dir, perm := range map[string]os.FileMode{ns.PipeDir: 0o700, ns.LogDir: 0o755} {
		if err := os.MkdirAll(dir, perm); err != nil {
			_ = os.RemoveAll(root)
			return nil, errors.WrapWithContext(errors.ErrCodeNamespace,
				"failed to create namespace directory", err,
				map[string]any{"gpu": gpu.Index, "dir": dir})
		}
	}

	if err := writeOwner(root, Owner{
		ID:        ns.OwnerID,
		PID:       os.Getpid(),
		GPU:       gpu.Index,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		_ = os.RemoveAll(root)
		return nil, err
	}

	if err := ns.Validate(); err != nil {
		_ = os.RemoveAll(root)
		return nil, err
	}

	slog.Debug("allocated namespace",
		"gpu", gpu.Index, "pipeDir", ns.PipeDir, "logDir", ns.LogDir)
	return ns, nil
}

// Deallocate removes a namespace's directories. It is idempotent: an already
// absent namespace is logged, not an error.
func (a *Allocator) Deallocate(ns *Namespace) error {
	if ns == nil || ns.Root == "" {
		return nil
	}
	if _, err := os.Stat(ns.Root); os.IsNotExist(err) {
		slog.Debug("namespace already removed", "gpu", ns.GPU.Index, "root", ns.Root)
		return nil
	}
	if err := os.RemoveAll(ns.Root); err != nil {
		return errors.WrapWithContext(errors.ErrCodeNamespace,
			"failed to remove namespace", err,
			map[string]any{"gpu": ns.GPU.Index, "root": ns.Root})
	}
	slog.Debug("deallocated namespace", "gpu", ns.GPU.Index, "root", ns.Root)
	return nil
}

// reclaim decides what to do with a namespace directory that already exists.
func (a *Allocator) reclaim(root string, gpu device.Device) error {
	owner, err := readOwner(root)
	if err == nil && owner.PID != os.Getpid() && pidAlive(owner.PID) {
		return errors.NewWithContext(errors.ErrCodeNamespace,
			"namespace is owned by a live manager process",
			map[string]any{"gpu": gpu.Index, "root": root, "ownerPid": owner.PID})
	}

	// No live owner, but a control pipe means a daemon may have outlived its
	// manager. Refuse to reuse; the operator can stop it via `mpsctl stop`.
	controlPipe := filepath.Join(root, pipeDirName, ControlPipeName)
	if _, err := os.Stat(controlPipe); err == nil {
		return errors.NewWithContext(errors.ErrCodeNamespace,
			"pipe directory appears occupied by a running daemon",
			map[string]any{"gpu": gpu.Index, "controlPipe": controlPipe})
	}

	slog.Info("reclaiming stale namespace left by unclean shutdown",
		"gpu", gpu.Index, "root", root)
	if err := os.RemoveAll(root); err != nil {
		return errors.WrapWithContext(errors.ErrCodeNamespace,
			"failed to reclaim stale namespace", err,
			map[string]any{"gpu": gpu.Index, "root": root})
	}
	return nil
}

func writeOwner(root string, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return errors.Wrap(errors.ErrCodeNamespace, "failed to encode owner record", err)
	}
	path := filepath.Join(root, ownerFileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.WrapWithContext(errors.ErrCodeNamespace,
			"failed to write owner record", err,
			map[string]any{"gpu": owner.GPU, "path": path})
	}
	return nil
}

func readOwner(root string) (Owner, error) {
	var owner Owner
	data, err := os.ReadFile(filepath.Join(root, ownerFileName))
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, err
	}
	return owner, nil
}

// pidAlive reports whether a process with the given pid exists. EPERM counts
// as alive: the process exists but belongs to another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
