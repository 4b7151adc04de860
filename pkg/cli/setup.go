/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cuda-mps-manager/pkg/config"
	"github.com/NVIDIA/cuda-mps-manager/pkg/daemon"
	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
	"github.com/NVIDIA/cuda-mps-manager/pkg/logging"
	"github.com/NVIDIA/cuda-mps-manager/pkg/supervisor"
)

// setup initializes logging and resolves the effective configuration: file
// values when --config is given, defaults otherwise, with command line flags
// winning over both.
func setup(cmd *cli.Command) (*config.Config, error) {
	logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))

	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v := cmd.String("base-dir"); v != "" {
		cfg.BaseDir = v
	}
	if v := cmd.String("control-command"); v != "" {
		cfg.ControlCommand = v
	}
	if devs := cmd.StringSlice("device"); len(devs) > 0 {
		ids, err := parseDevices(devs)
		if err != nil {
			return nil, err
		}
		cfg.Devices = ids
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("effective configuration",
		"baseDir", cfg.BaseDir,
		"controlCommand", cfg.ControlCommand,
		"devices", cfg.Devices)
	return cfg, nil
}

// parseDevices converts repeated --device values to GPU indexes.
func parseDevices(values []string) ([]int, error) {
	ids := make([]int, 0, len(values))
	seen := make(map[int]bool, len(values))
	for _, v := range values {
		id, err := strconv.Atoi(v)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid device index %q", v)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// newSupervisor builds the enumerator and supervisor from configuration.
func newSupervisor(cfg *config.Config) (*supervisor.Supervisor, *device.NVMLEnumerator) {
	enum := device.NewNVMLEnumerator(device.Options{
		RequireTeslaOrQuadro: cfg.RequireTeslaOrQuadro,
	})
	sup := supervisor.New(enum, supervisor.Options{
		Daemon: daemon.Options{
			ControlCommand: cfg.ControlCommand,
			StartTimeout:   cfg.StartTimeout,
			StopTimeout:    cfg.StopTimeout,
		},
		PersistNamespaces: cfg.PersistNamespaces,
	})
	return sup, enum
}
