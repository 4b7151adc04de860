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

// Package daemon owns the OS process of a single MPS control daemon.
//
// A Handle is the only component in the system holding a live child process.
// The daemon runs the native control program in foreground mode so the
// handle keeps the real pid for signaling, polling, and reaping. Readiness
// is detected by the appearance of the control pipe in the daemon's pipe
// directory (watched with fsnotify); shutdown runs the documented quit
// command first and escalates through SIGTERM to SIGKILL within bounded
// timeouts. Every lifecycle transition is deterministic: a daemon that never
// becomes ready fails at the start timeout, a daemon that ignores graceful
// shutdown is force-killed at the stop timeout.
//
// The package also discovers control daemons left running by earlier
// sessions by scanning /proc, the way the original tooling used pgrep and
// the process environment.
package daemon
