package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/cuda-mps-manager/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultBaseDir, cfg.BaseDir)
	assert.Equal(t, DefaultControlCommand, cfg.ControlCommand)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
baseDir: /run/mps
startTimeout: 30s
devices: [0, 2]
restart: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/run/mps", cfg.BaseDir)
	assert.Equal(t, 30*time.Second, cfg.StartTimeout)
	assert.Equal(t, []int{0, 2}, cfg.Devices)
	assert.True(t, cfg.Restart)
	// Unset fields keep defaults.
	assert.Equal(t, DefaultControlCommand, cfg.ControlCommand)
	assert.Equal(t, DefaultStopTimeout, cfg.StopTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("baseDir: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base dir", func(c *Config) { c.BaseDir = "" }},
		{"empty control command", func(c *Config) { c.ControlCommand = "" }},
		{"zero start timeout", func(c *Config) { c.StartTimeout = 0 }},
		{"negative stop timeout", func(c *Config) { c.StopTimeout = -time.Second }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"negative device index", func(c *Config) { c.Devices = []int{0, -1} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
		})
	}
}
