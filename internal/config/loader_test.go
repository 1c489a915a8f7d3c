package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/sched"
	"github.com/ranware/macsched/internal/ue"
)

func TestMain(m *testing.M) {
	log.Configure(log.Config{Output: io.Discard})
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.Error(t, err)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
cell:
  carriers:
    - nof_prb: 25
    - nof_prb: 50
      pucch_width: 3
  max_users: 8
  weights:
    backlog: 2.0
    starvation: 0.1
    quality: 0.25
sim:
  seed: 42
  ttis: 500
log:
  level: debug
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	require.Equal(t, []sched.CarrierConfig{
		{NofPRB: 25},
		{NofPRB: 50, PUCCHWidth: 3},
	}, cfg.Cell.Carriers)
	require.Equal(t, 8, cfg.Cell.MaxUsers)
	require.Equal(t, ue.Weights{Backlog: 2.0, Starvation: 0.1, Quality: 0.25}, cfg.Cell.Weights)
	require.Equal(t, int64(42), cfg.Sim.Seed)
	require.Equal(t, uint64(500), cfg.Sim.TTIs)
	require.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	require.Equal(t, Default().Sim.Users, cfg.Sim.Users)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, ":8080", cfg.Server.Listen)
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, `
cell:
  carriers:
    - nof_prb: 25
  bandwith: 20
`)
	_, err := NewLoader(path).Load()
	require.ErrorIs(t, err, ErrUnknownField)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
sim:
  seed: 5
log:
  level: warn
`)
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvSeed, "99")
	t.Setenv(EnvCapture, "true")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, int64(99), cfg.Sim.Seed)
	require.True(t, cfg.Capture.Enabled)
}

func TestMalformedEnvValue(t *testing.T) {
	t.Setenv(EnvSeed, "not-a-number")
	_, err := NewLoader("").Load()
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	mutate := func(f func(*AppConfig)) AppConfig {
		cfg := Default()
		f(&cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     AppConfig
		wantErr error
	}{
		{"default is valid", Default(), nil},
		{"bad log level", mutate(func(c *AppConfig) { c.Log.Level = "shout" }), ErrInvalid},
		{"bad log format", mutate(func(c *AppConfig) { c.Log.Format = "xml" }), ErrInvalid},
		{"bad listen address", mutate(func(c *AppConfig) { c.Server.Listen = "no-port" }), ErrInvalid},
		{"capture without buffer", mutate(func(c *AppConfig) {
			c.Capture.Enabled = true
			c.Capture.Buffer = 0
		}), ErrInvalid},
		{"arrival rate above one", mutate(func(c *AppConfig) { c.Sim.ArrivalRate = 1.5 }), ErrInvalid},
		{"negative users", mutate(func(c *AppConfig) { c.Sim.Users = -1 }), ErrInvalid},
		{"carrier too narrow", mutate(func(c *AppConfig) {
			c.Cell.Carriers = []sched.CarrierConfig{{NofPRB: 4}}
		}), sched.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
