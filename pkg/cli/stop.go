/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cuda-mps-manager/pkg/daemon"
)

func stopCmd() *cli.Command {
	return &cli.Command{
		Name:                  "stop",
		EnableShellCompletion: true,
		Usage:                 "Stop control daemons found in the process table",
		Description: `Find MPS control daemons owned by the current user, including daemons
left behind by earlier sessions, and shut them down through the control
program's quit command. Daemons that ignore the quit command are killed
with --force.

With --purge, leftover per-GPU directories under the base directory are
removed after the daemons are gone.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "SIGKILL daemons that ignore the quit command",
			},
			&cli.BoolFlag{
				Name:  "purge",
				Usage: "Remove leftover per-GPU directories from the base directory",
			},
			&cli.DurationFlag{
				Name:  "quit-wait",
				Usage: "Wait after the quit command before checking the daemon is gone",
				Value: 3 * time.Second,
			},
			configFlag,
			logLevelFlag,
			baseDirFlag,
			controlCommandFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			orphans, err := daemon.Discover(cfg.ControlCommand)
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				slog.Info("no control daemons found")
			}

			for _, o := range orphans {
				stopOrphan(ctx, o, cfg.ControlCommand, cmd.Bool("force"), cmd.Duration("quit-wait"))
			}

			if cmd.Bool("purge") {
				return purgeNamespaces(cfg.BaseDir)
			}
			return nil
		},
	}
}

// stopOrphan shuts one discovered daemon down: quit command first, SIGKILL
// when forced or when quit cannot be delivered.
func stopOrphan(ctx context.Context, o daemon.Orphan, controlCommand string, force bool, quitWait time.Duration) {
	slog.Info("stopping control daemon", "pid", o.PID, "pipeDir", o.PipeDir)

	if o.PipeDir != "" {
		if err := daemon.Quit(ctx, controlCommand, o.PipeDir); err != nil {
			slog.Warn("quit command failed", "pid", o.PID, "error", err)
		} else if waitGone(o.PID, quitWait) {
			return
		}
	}

	if !force {
		slog.Warn("daemon still running; re-run with --force to kill it", "pid", o.PID)
		return
	}
	if err := syscall.Kill(o.PID, syscall.SIGKILL); err != nil {
		slog.Error("failed to kill daemon", "pid", o.PID, "error", err)
	}
}

// waitGone polls for process exit. Discovered daemons are not our children,
// so there is no wait handle to block on.
func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// purgeNamespaces removes per-GPU directories left under the base directory.
// Called after the daemons are stopped, so a remaining control pipe is stale.
func purgeNamespaces(baseDir string) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "gpu-") {
			continue
		}
		path := filepath.Join(baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Error("failed to remove namespace directory", "path", path, "error", err)
			continue
		}
		slog.Info("removed namespace directory", "path", path)
	}
	return nil
}
