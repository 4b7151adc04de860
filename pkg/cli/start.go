/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v3"
)

func startCmd() *cli.Command {
	return &cli.Command{
		Name:                  "start",
		EnableShellCompletion: true,
		Usage:                 "Start MPS control daemons and exit, leaving them running",
		Description: `Start one MPS control daemon per GPU and exit once all of them are
ready. The daemons keep running after mpsctl exits; their pipe and log
directories are kept. Use "mpsctl stop" to shut them down later, or
"mpsctl run" for a supervised fleet that is cleaned up on exit.`,
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
			baseDirFlag,
			controlCommandFlag,
			deviceFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			// The daemons outlive this process, so their directories must too.
			cfg.PersistNamespaces = true

			sup, enum := newSupervisor(cfg)

			ids := cfg.Devices
			if len(ids) == 0 {
				devs, err := enum.Devices(ctx)
				if err != nil {
					return err
				}
				for _, d := range devs {
					ids = append(ids, d.Index)
				}
			}

			handles, err := sup.StartAll(ctx, ids, cfg.BaseDir)
			if err != nil {
				_ = sup.Close(context.WithoutCancel(ctx))
				return err
			}

			for id, h := range handles {
				slog.Info("control daemon running", "gpu", id, "pid", h.PID(),
					"pipeDir", h.Namespace.PipeDir)
			}
			return nil
		},
	}
}
