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

package supervisor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// MonitorOptions configures the health monitor loop.
type MonitorOptions struct {
	// Interval is the pacing between health sweeps.
	Interval time.Duration

	// Restart relaunches daemons that died unexpectedly instead of only
	// reaping their table entries.
	Restart bool

	// BaseDir is where namespaces for restarted daemons are allocated.
	BaseDir string
}

// DefaultMonitorInterval paces the health sweeps when no interval is set.
const DefaultMonitorInterval = 5 * time.Second

// Monitor sweeps the daemon table until ctx is canceled, reaping entries
// whose daemons died outside the supervisor's control and optionally
// restarting them. The limiter paces the sweeps so a crash-looping daemon
// cannot turn the monitor into a busy loop.
func (s *Supervisor) Monitor(ctx context.Context, opts MonitorOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Canceled; shutdown is the caller's job.
			return nil
		}

		reaped := s.Reap(ctx)
		if len(reaped) == 0 {
			continue
		}
		slog.Warn("reaped dead control daemons", "gpus", reaped)

		if !opts.Restart {
			continue
		}
		for _, id := range reaped {
			if _, err := s.Start(ctx, id, opts.BaseDir); err != nil {
				slog.Error("failed to restart control daemon",
					"gpu", id, "error", err)
				continue
			}
			slog.Info("restarted control daemon", "gpu", id)
		}
	}
}
