// Package config loads and watches the daemon's configuration. Precedence
// is environment over file over defaults, decoded strictly so typos in the
// file fail fast. Reloads are atomic: a new configuration replaces the old
// one only after it validates.
package config

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/ranware/macsched/internal/sched"
)

// ServerConfig holds the debug/metrics HTTP endpoint settings.
type ServerConfig struct {
	// Listen is the host:port for metrics and health. Empty disables the
	// server.
	Listen string `yaml:"listen"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// CaptureConfig controls the MAC frame capture file.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Buffer is the number of frames queued for the writer before new
	// frames are dropped.
	Buffer int `yaml:"buffer"`
}

// StoreConfig controls the per-TTI trace database.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SimConfig drives the cell simulation harness.
type SimConfig struct {
	// Seed fixes the random source; the same seed replays the same run.
	Seed int64 `yaml:"seed"`
	// TTIs is the run length in ticks.
	TTIs uint64 `yaml:"ttis"`
	// Users is the population connected up front, before any random access.
	Users int `yaml:"users"`
	// ArrivalRate is the per-TTI probability of a new device attempting
	// random access.
	ArrivalRate float64 `yaml:"arrival_rate"`
	// DepartureRate is the per-TTI probability, per user, of leaving.
	DepartureRate float64 `yaml:"departure_rate"`
	// AckProbability models the radio link: the chance a transport block
	// is decoded on each attempt.
	AckProbability float64 `yaml:"ack_probability"`
	// TrafficBytes is the mean per-TTI traffic arriving per user.
	TrafficBytes uint32 `yaml:"traffic_bytes"`
	// Realtime paces the run at one TTI per millisecond instead of
	// free-running.
	Realtime bool `yaml:"realtime"`
	// Report is the path of the end-of-run JSON report. Empty disables it.
	Report string `yaml:"report"`
}

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	Cell    sched.CellConfig `yaml:"cell"`
	Sim     SimConfig        `yaml:"sim"`
	Log     LogConfig        `yaml:"log"`
	Server  ServerConfig     `yaml:"server"`
	Capture CaptureConfig    `yaml:"capture"`
	Store   StoreConfig      `yaml:"store"`
}

// Default returns the configuration used when file and environment are
// silent: a single mid-band carrier and a small, reproducible simulation.
func Default() AppConfig {
	return AppConfig{
		Cell: sched.CellConfig{
			Carriers: []sched.CarrierConfig{{NofPRB: 50}},
		},
		Sim: SimConfig{
			Seed:           1,
			TTIs:           10000,
			Users:          4,
			ArrivalRate:    0.01,
			DepartureRate:  0.0005,
			AckProbability: 0.9,
			TrafficBytes:   1200,
			Report:         "report.json",
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Server:  ServerConfig{Listen: ":8080"},
		Capture: CaptureConfig{Path: "macsched.pcap", Buffer: 1024},
		Store:   StoreConfig{Path: "macsched.db"},
	}
}

// Validate checks the whole configuration. The cell section is checked with
// the same rules the scheduler applies at Configure time, so a validated
// configuration will not be rejected later.
func Validate(cfg AppConfig) error {
	if err := cfg.Cell.Validate(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		return fmt.Errorf("%w: log format %q", ErrInvalid, cfg.Log.Format)
	}
	if cfg.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
			return fmt.Errorf("%w: listen address %q", ErrInvalid, cfg.Server.Listen)
		}
	}
	if cfg.Capture.Enabled && cfg.Capture.Buffer < 1 {
		return fmt.Errorf("%w: capture buffer %d", ErrInvalid, cfg.Capture.Buffer)
	}
	if cfg.Store.Enabled && cfg.Store.Path == "" {
		return fmt.Errorf("%w: store enabled without a path", ErrInvalid)
	}
	for name, p := range map[string]float64{
		"arrival_rate":    cfg.Sim.ArrivalRate,
		"departure_rate":  cfg.Sim.DepartureRate,
		"ack_probability": cfg.Sim.AckProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%w: %s %v outside [0, 1]", ErrInvalid, name, p)
		}
	}
	if cfg.Sim.Users < 0 {
		return fmt.Errorf("%w: users %d", ErrInvalid, cfg.Sim.Users)
	}
	return nil
}
