/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/

// Package cli implements the mpsctl command line interface.
//
// The commands map onto the core packages: devices enumerates GPUs, run
// starts and supervises the daemon fleet, start launches daemons that outlive
// the command, status and stop operate on daemons found in the process table.
// Configuration merges a YAML file, environment variables, and flags, with
// flags winning.
package cli
