/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cuda-mps-manager/pkg/device"
	"github.com/NVIDIA/cuda-mps-manager/pkg/logging"
	"github.com/NVIDIA/cuda-mps-manager/pkg/serializer"
)

type deviceRow struct {
	Index             int    `json:"index" yaml:"index"`
	UUID              string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Name              string `json:"name,omitempty" yaml:"name,omitempty"`
	ComputeCapability string `json:"computeCapability" yaml:"computeCapability"`
}

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:                  "devices",
		EnableShellCompletion: true,
		Usage:                 "List MPS-capable GPUs",
		Description: `Enumerate the GPUs on this host that can run an MPS control daemon.
Devices below compute capability 3.5 are filtered out. With
--require-tesla-or-quadro only Tesla and Quadro products are listed,
matching the legacy MPS support matrix.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "require-tesla-or-quadro",
				Usage: "List only Tesla and Quadro products",
			},
			logLevelFlag,
			outputFlag,
			formatFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))

			outFormat := serializer.Format(cmd.String("format"))
			if outFormat.IsUnknown() {
				return fmt.Errorf("unknown output format: %q", outFormat)
			}

			enum := device.NewNVMLEnumerator(device.Options{
				RequireTeslaOrQuadro: cmd.Bool("require-tesla-or-quadro"),
			})
			devs, err := enum.Devices(ctx)
			if err != nil {
				return err
			}

			rows := make([]deviceRow, 0, len(devs))
			for _, d := range devs {
				rows = append(rows, deviceRow{
					Index:             d.Index,
					UUID:              d.UUID,
					Name:              d.Name,
					ComputeCapability: d.ComputeCapability.String(),
				})
			}

			w := serializer.NewFileWriterOrStdout(outFormat, cmd.String("output"))
			defer w.Close()
			return w.Serialize(rows)
		},
	}
}
