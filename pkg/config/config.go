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

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
)

// Default configuration values.
const (
	DefaultBaseDir        = "/tmp/nvidia-mps-manager"
	DefaultControlCommand = "nvidia-cuda-mps-control"
	DefaultStartTimeout   = 10 * time.Second
	DefaultStopTimeout    = 10 * time.Second
	DefaultPollInterval   = 5 * time.Second
)

// Config holds the supervisor configuration. The core packages never read
// configuration implicitly; the CLI loads it and passes explicit values down.
type Config struct {
	// BaseDir is the directory under which per-GPU namespaces are created.
	BaseDir string `yaml:"baseDir"`

	// ControlCommand is the MPS control program. Overridable for testing
	// and for non-standard install locations.
	ControlCommand string `yaml:"controlCommand"`

	// StartTimeout bounds the wait for daemon readiness.
	StartTimeout time.Duration `yaml:"startTimeout"`

	// StopTimeout bounds the graceful stop wait before escalating to a
	// forced kill.
	StopTimeout time.Duration `yaml:"stopTimeout"`

	// PollInterval is the health poll interval of the supervise loop.
	PollInterval time.Duration `yaml:"pollInterval"`

	// Devices selects the GPU indexes to manage. Empty means all
	// enumerated devices.
	Devices []int `yaml:"devices"`

	// RequireTeslaOrQuadro restricts enumeration to Tesla and Quadro
	// products, matching the legacy MPS support matrix.
	RequireTeslaOrQuadro bool `yaml:"requireTeslaOrQuadro"`

	// PersistNamespaces keeps pipe and log directories on shutdown.
	PersistNamespaces bool `yaml:"persistNamespaces"`

	// Restart re-starts daemons that die outside the supervisor's control.
	Restart bool `yaml:"restart"`

	// MetricsAddr exposes Prometheus metrics when non-empty (host:port).
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		BaseDir:        DefaultBaseDir,
		ControlCommand: DefaultControlCommand,
		StartTimeout:   DefaultStartTimeout,
		StopTimeout:    DefaultStopTimeout,
		PollInterval:   DefaultPollInterval,
	}
}

// UnmarshalYAML merges file values over whatever the Config already holds,
// which is how Load layers a file on top of the defaults. Durations are
// accepted in time.ParseDuration notation ("30s", "1m").
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		BaseDir              string `yaml:"baseDir"`
		ControlCommand       string `yaml:"controlCommand"`
		StartTimeout         string `yaml:"startTimeout"`
		StopTimeout          string `yaml:"stopTimeout"`
		PollInterval         string `yaml:"pollInterval"`
		Devices              []int  `yaml:"devices"`
		RequireTeslaOrQuadro *bool  `yaml:"requireTeslaOrQuadro"`
		PersistNamespaces    *bool  `yaml:"persistNamespaces"`
		Restart              *bool  `yaml:"restart"`
		MetricsAddr          string `yaml:"metricsAddr"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.BaseDir != "" {
		c.BaseDir = raw.BaseDir
	}
	if raw.ControlCommand != "" {
		c.ControlCommand = raw.ControlCommand
	}
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"startTimeout", raw.StartTimeout, &c.StartTimeout},
		{"stopTimeout", raw.StopTimeout, &c.StopTimeout},
		{"pollInterval", raw.PollInterval, &c.PollInterval},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
		*d.dst = parsed
	}
	if raw.Devices != nil {
		c.Devices = raw.Devices
	}
	if raw.RequireTeslaOrQuadro != nil {
		c.RequireTeslaOrQuadro = *raw.RequireTeslaOrQuadro
	}
	if raw.PersistNamespaces != nil {
		c.PersistNamespaces = *raw.PersistNamespaces
	}
	if raw.Restart != nil {
		c.Restart = *raw.Restart
	}
	if raw.MetricsAddr != "" {
		c.MetricsAddr = raw.MetricsAddr
	}
	return nil
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the supervisor cannot work
// with. It does not probe the filesystem; base directory writability is
// checked at allocation time where the error can name the GPU.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "baseDir must not be empty")
	}
	if c.ControlCommand == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "controlCommand must not be empty")
	}
	if c.StartTimeout <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "startTimeout must be positive, got %s", c.StartTimeout)
	}
	if c.StopTimeout <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "stopTimeout must be positive, got %s", c.StopTimeout)
	}
	if c.PollInterval <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "pollInterval must be positive, got %s", c.PollInterval)
	}
	for _, id := range c.Devices {
		if id < 0 {
			return errors.Newf(errors.ErrCodeInvalidConfig, "device index must be non-negative, got %d", id)
		}
	}
	return nil
}
