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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

var (
	daemonStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mps_daemon_starts_total",
		Help: "Total number of MPS control daemon start attempts by status.",
	}, []string{"status"})

	daemonStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mps_daemon_stops_total",
		Help: "Total number of MPS control daemon stop attempts by status.",
	}, []string{"status"})

	daemonDeathsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mps_daemon_unexpected_deaths_total",
		Help: "Total number of MPS control daemons that died outside supervisor control.",
	})

	daemonsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mps_daemons_running",
		Help: "Number of MPS control daemons currently managed.",
	})

	daemonStartDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mps_daemon_start_duration_seconds",
		Help:    "Time from daemon spawn to readiness.",
		Buckets: prometheus.DefBuckets,
	})

	daemonStopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mps_daemon_stop_duration_seconds",
		Help:    "Time from stop request to daemon exit.",
		Buckets: prometheus.DefBuckets,
	})
)
