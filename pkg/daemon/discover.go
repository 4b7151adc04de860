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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/NVIDIA/cuda-mps-manager/pkg/namespace"
)

// Orphan describes an MPS control daemon found running on the host outside
// this supervisor's table, typically left behind by a prior session. The
// pipe directory and visible devices are recovered from the process
// environment.
type Orphan struct {
	PID            int    `json:"pid" yaml:"pid"`
	PipeDir        string `json:"pipeDir,omitempty" yaml:"pipeDir,omitempty"`
	VisibleDevices string `json:"visibleDevices,omitempty" yaml:"visibleDevices,omitempty"`
}

// Discover scans the process table for control daemons owned by the current
// user. Processes whose details cannot be read are skipped silently; they
// belong to other users.
func Discover(controlCommand string) ([]Orphan, error) {
	if controlCommand == "" {
		controlCommand = DefaultControlCommand
	}
	return discoverIn("/proc", controlCommand, os.Getuid())
}

func discoverIn(procRoot, controlCommand string, uid int) ([]Orphan, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}

	want := filepath.Base(controlCommand)
	self := os.Getpid()

	var orphans []Orphan
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		dir := filepath.Join(procRoot, entry.Name())
		if ownerUID(dir) != uid {
			continue
		}

		argv := readNullSeparated(filepath.Join(dir, "cmdline"))
		if len(argv) == 0 || filepath.Base(argv[0]) != want {
			continue
		}
		// The short-lived interactive invocations (quit, status queries)
		// run without a daemon flag; only daemons are of interest.
		if !hasDaemonFlag(argv[1:]) {
			continue
		}

		o := Orphan{PID: pid}
		for _, kv := range readNullSeparated(filepath.Join(dir, "environ")) {
			if v, ok := strings.CutPrefix(kv, namespace.EnvPipeDirectory+"="); ok {
				o.PipeDir = v
			}
			if v, ok := strings.CutPrefix(kv, namespace.EnvVisibleDevices+"="); ok {
				o.VisibleDevices = v
			}
		}
		orphans = append(orphans, o)
	}
	return orphans, nil
}

func hasDaemonFlag(args []string) bool {
	for _, a := range args {
		if a == "-d" || a == "-f" {
			return true
		}
	}
	return false
}

func readNullSeparated(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	fields := strings.Split(string(data), "\x00")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func ownerUID(dir string) int {
	info, err := os.Stat(dir)
	if err != nil {
		return -1
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return -1
	}
	return int(st.Uid)
}
