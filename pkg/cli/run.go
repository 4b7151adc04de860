/*
Copyright © 2025 NVIDIA Corporation
SPDX-License-Identifier: Apache-2.0
*/
package cli

import (
	"context"
	"log/slog"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"

	"github.com/NVIDIA/cuda-mps-manager/pkg/server"
	"github.com/NVIDIA/cuda-mps-manager/pkg/supervisor"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:                  "run",
		EnableShellCompletion: true,
		Usage:                 "Start MPS control daemons and supervise them until interrupted",
		Description: `Start one MPS control daemon per GPU, each in its own pipe and log
directory, then supervise the set: daemons that die are detected on the
poll interval and, with --restart, relaunched. On SIGINT/SIGTERM every
daemon is stopped and every namespace removed before exit.

When running under systemd, readiness is signaled through sd_notify once
all daemons are up (use Type=notify).

# Examples

Manage all MPS-capable GPUs:
  mpsctl run

Manage specific GPUs with automatic restart:
  mpsctl run --device 0 --device 1 --restart

Expose Prometheus metrics:
  mpsctl run --metrics-addr :9400`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "restart",
				Usage: "Restart daemons that die unexpectedly",
			},
			&cli.BoolFlag{
				Name:  "persist-namespaces",
				Usage: "Keep pipe and log directories on shutdown",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Health poll interval for the supervise loop",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Listen address for Prometheus metrics (empty: disabled)",
				Sources: cli.EnvVars("MPSCTL_METRICS_ADDR"),
			},
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
			if cmd.Bool("persist-namespaces") {
				cfg.PersistNamespaces = true
			}
			if cmd.Bool("restart") {
				cfg.Restart = true
			}
			if v := cmd.Duration("poll-interval"); v > 0 {
				cfg.PollInterval = v
			}
			if v := cmd.String("metrics-addr"); v != "" {
				cfg.MetricsAddr = v
			}

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
				// A partial fleet is worse than none; tear down what did
				// start and surface the failure to the service manager.
				_ = sup.Close(context.WithoutCancel(ctx))
				return err
			}
			slog.Info("all control daemons running", "count", len(handles))

			if cfg.MetricsAddr != "" {
				ops := server.New(server.DefaultConfig(cfg.MetricsAddr), sup)
				ops.SetReady(true)
				go func() {
					if err := ops.Start(ctx); err != nil {
						slog.Error("ops endpoint failed", "error", err)
					}
				}()
			}

			if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
				slog.Debug("sd_notify failed", "error", err)
			} else if sent {
				slog.Debug("notified service manager of readiness")
			}

			_ = sup.Monitor(ctx, supervisor.MonitorOptions{
				Interval: cfg.PollInterval,
				Restart:  cfg.Restart,
				BaseDir:  cfg.BaseDir,
			})

			// The run context is canceled at this point; cleanup gets its own.
			_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
			return sup.Close(context.WithoutCancel(ctx))
		},
	}
}
