/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cuda-mps-manager/pkg/daemon"
	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
	"github.com/NVIDIA/cuda-mps-manager/pkg/serializer"
)

type gpuStatus struct {
	Index   int    `json:"index" yaml:"index"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Daemon  string `json:"daemon" yaml:"daemon"`
	PID     int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	PipeDir string `json:"pipeDir,omitempty" yaml:"pipeDir,omitempty"`
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:                  "status",
		EnableShellCompletion: true,
		Usage:                 "Show which GPUs have a control daemon running",
		Description: `Cross-reference the MPS-capable GPUs with the control daemons found in
the process table, including daemons left behind by earlier sessions.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "orphans",
				Usage: "List raw discovered daemons instead of the per-GPU view",
			},
			configFlag,
			logLevelFlag,
			controlCommandFlag,
			outputFlag,
			formatFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			outFormat := serializer.Format(cmd.String("format"))
			if outFormat.IsUnknown() {
				return fmt.Errorf("unknown output format: %q", outFormat)
			}

			cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			if cmd.Bool("orphans") {
				orphans, err := daemon.Discover(cfg.ControlCommand)
				if err != nil {
					return err
				}
				w := serializer.NewFileWriterOrStdout(outFormat, cmd.String("output"))
				defer w.Close()
				return w.Serialize(orphans)
			}

			enum := device.NewNVMLEnumerator(device.Options{
				RequireTeslaOrQuadro: cfg.RequireTeslaOrQuadro,
			})
			devs, err := enum.Devices(ctx)
			if err != nil {
				return err
			}

			orphans, err := daemon.Discover(cfg.ControlCommand)
			if err != nil {
				return err
			}

			rows := make([]gpuStatus, 0, len(devs))
			for _, d := range devs {
				row := gpuStatus{Index: d.Index, Name: d.Name, Daemon: "none"}
				if o, ok := daemonFor(d, orphans); ok {
					row.Daemon = "running"
					row.PID = o.PID
					row.PipeDir = o.PipeDir
				}
				rows = append(rows, row)
			}

			w := serializer.NewFileWriterOrStdout(outFormat, cmd.String("output"))
			defer w.Close()
			return w.Serialize(rows)
		},
	}
}

// daemonFor matches a discovered daemon to a device through the visible
// devices value in its environment, which holds either the UUID or the index.
func daemonFor(d device.Device, orphans []daemon.Orphan) (daemon.Orphan, bool) {
	for _, o := range orphans {
		if o.VisibleDevices == "" {
			continue
		}
		if o.VisibleDevices == d.UUID || o.VisibleDevices == strconv.Itoa(d.Index) {
			return o, true
		}
	}
	return daemon.Orphan{}, false
}
