package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader reads the configuration with precedence ENV > file > defaults.
type Loader struct {
	path string
}

// NewLoader returns a loader for the given file path. An empty path skips
// the file layer and uses defaults plus environment only.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load assembles and validates the configuration. The file is decoded
// strictly: keys that do not exist in AppConfig are an error, classified
// as ErrUnknownField.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "not found in type") {
				return AppConfig{}, fmt.Errorf("%w: %v", ErrUnknownField, err)
			}
			return AppConfig{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Environment keys recognized by applyEnv. Values must parse, a malformed
// override is an error rather than a silent fallback.
const (
	EnvListen      = "MACSCHED_LISTEN"
	EnvLogLevel    = "MACSCHED_LOG_LEVEL"
	EnvLogFormat   = "MACSCHED_LOG_FORMAT"
	EnvSeed        = "MACSCHED_SEED"
	EnvTTIs        = "MACSCHED_TTIS"
	EnvRealtime    = "MACSCHED_REALTIME"
	EnvCapture     = "MACSCHED_CAPTURE"
	EnvCapturePath = "MACSCHED_CAPTURE_PATH"
	EnvStore       = "MACSCHED_DB"
	EnvStorePath   = "MACSCHED_DB_PATH"
)

func applyEnv(cfg *AppConfig) error {
	if v, ok := os.LookupEnv(EnvListen); ok {
		cfg.Server.Listen = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvLogFormat); ok {
		cfg.Log.Format = v
	}
	if v, ok := os.LookupEnv(EnvCapturePath); ok {
		cfg.Capture.Path = v
	}
	if v, ok := os.LookupEnv(EnvStorePath); ok {
		cfg.Store.Path = v
	}
	if err := envInt64(EnvSeed, &cfg.Sim.Seed); err != nil {
		return err
	}
	if err := envUint64(EnvTTIs, &cfg.Sim.TTIs); err != nil {
		return err
	}
	if err := envBool(EnvRealtime, &cfg.Sim.Realtime); err != nil {
		return err
	}
	if err := envBool(EnvCapture, &cfg.Capture.Enabled); err != nil {
		return err
	}
	if err := envBool(EnvStore, &cfg.Store.Enabled); err != nil {
		return err
	}
	return nil
}

func envInt64(key string, dst *int64) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	*dst = n
	return nil
}

func envUint64(key string, dst *uint64) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	*dst = b
	return nil
}
