/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cuda-mps-manager/pkg/serializer"
)

const (
	name           = "mpsctl"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"
)

// Flags shared across commands.
var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to YAML configuration file",
		Sources: cli.EnvVars("MPSCTL_CONFIG"),
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Sources: cli.EnvVars("LOG_LEVEL"),
		Value:   "info",
	}
	baseDirFlag = &cli.StringFlag{
		Name:    "base-dir",
		Usage:   "Base directory for per-GPU pipe and log directories",
		Sources: cli.EnvVars("MPSCTL_BASE_DIR"),
	}
	controlCommandFlag = &cli.StringFlag{
		Name:    "control-command",
		Usage:   "MPS control program to execute",
		Sources: cli.EnvVars("MPSCTL_CONTROL_COMMAND"),
	}
	deviceFlag = &cli.StringSliceFlag{
		Name:    "device",
		Aliases: []string{"d"},
		Usage:   "GPU index to manage (can be repeated; default: all MPS-capable devices)",
	}
	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output file path (default: stdout)",
	}
	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: fmt.Sprintf("Output format, one of: %v", serializer.SupportedFormats()),
		Value: string(serializer.FormatTable),
	}
)

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:                  name,
		Version:               version,
		EnableShellCompletion: true,
		Usage:                 "Manage per-GPU CUDA MPS control daemons",
		Description: fmt.Sprintf(`%s - CUDA MPS control daemon manager

Version: %s
Commit:  %s
Built:   %s

Runs one nvidia-cuda-mps-control daemon per GPU, each bound to its own pipe
and log directory, and supervises the set until shutdown.`, name, version, commit, date),
		Commands: []*cli.Command{
			devicesCmd(),
			runCmd(),
			startCmd(),
			statusCmd(),
			stopCmd(),
		},
	}
}

// Execute runs the CLI. It is called by main.main() and installs the signal
// handling that turns SIGINT/SIGTERM into context cancellation, which is what
// drives the supervisor's cleanup on every exit path.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down gracefully...")
		cancel()
	}()

	if err := rootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
