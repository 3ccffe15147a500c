// Package config loads sandboxd's serve-time configuration: listen ports,
// session TTL/reap interval, and default per-run resource limits.
//
// Layering: built-in defaults, then an optional JSON/JSONC file (relaxed
// JSON via tailscale/hujson, so comments are allowed), then CLI flags
// (spf13/pflag) as the highest-precedence layer.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// Config holds the settings that drive `sandboxd serve`.
type Config struct {
	// HTTPPort is the TCP port the JSON/HTTP adapter listens on.
	HTTPPort int `json:"http_port,omitempty"`

	// GRPCPort is the TCP port the gRPC adapter listens on.
	GRPCPort int `json:"grpc_port,omitempty"`

	// SessionTTL is the idle time after which a session is reaped.
	SessionTTL time.Duration `json:"-"`

	// SessionTTLSeconds is SessionTTL's JSON wire form.
	SessionTTLSeconds int `json:"session_ttl_seconds,omitempty"`

	// ReapInterval is how often the reaper sweeps for idle sessions.
	ReapInterval time.Duration `json:"-"`

	// ReapIntervalSeconds is ReapInterval's JSON wire form.
	ReapIntervalSeconds int `json:"reap_interval_seconds,omitempty"`

	// Defaults are the RunRequest defaults applied when a field is absent
	// from an incoming request.
	Defaults RunDefaults `json:"defaults"`

	// LoadedConfigFile is the path of the config file that was loaded, or
	// empty if none was found (debug output only).
	LoadedConfigFile string `json:"-"`
}

// RunDefaults are the fallback resource limits for a run request that
// omits a field.
type RunDefaults struct {
	TimeMS  int64 `json:"time_ms,omitempty"`
	MemKB   int64 `json:"mem_kb,omitempty"`
	FsizeKB int64 `json:"fsize_kb,omitempty"`
	NoFile  int64 `json:"nofile,omitempty"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		HTTPPort:             8080,
		GRPCPort:             50051,
		SessionTTL:           300 * time.Second,
		SessionTTLSeconds:    300,
		ReapInterval:         60 * time.Second,
		ReapIntervalSeconds:  60,
		Defaults: RunDefaults{
			TimeMS:  300000,
			MemKB:   2097152,
			FsizeKB: 1048576,
			NoFile:  256,
		},
	}
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	// ConfigPath is an optional path to a JSON/JSONC config file.
	ConfigPath string

	// CLIFlags, if non-nil, is consulted for the highest-precedence
	// overrides (--port, --grpc-port, --ttl, --reap-interval).
	CLIFlags *pflag.FlagSet

	// EnvVars, if non-nil, is consulted for SANDBOXD_CONFIG, a config file
	// path used when ConfigPath is empty. Uses the env map instead of
	// os.Getenv so tests can inject values.
	EnvVars map[string]string
}

// Load builds a Config from built-in defaults, an optional config file
// (named by ConfigPath, or by SANDBOXD_CONFIG when ConfigPath is empty), and
// CLI flag overrides, in that precedence order.
func Load(input LoadInput) (Config, error) {
	cfg := DefaultConfig()

	configPath := input.ConfigPath
	if configPath == "" {
		configPath = input.EnvVars["SANDBOXD_CONFIG"]
	}

	if configPath != "" {
		fileCfg, err := parseConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}

		cfg = mergeConfig(cfg, fileCfg)
		cfg.LoadedConfigFile = configPath
	}

	if input.CLIFlags != nil {
		applyCLIFlags(&cfg, input.CLIFlags)
	}

	cfg.SessionTTL = time.Duration(cfg.SessionTTLSeconds) * time.Second
	cfg.ReapInterval = time.Duration(cfg.ReapIntervalSeconds) * time.Second

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("config: http_port out of range: %d", cfg.HTTPPort)
	}

	if cfg.GRPCPort <= 0 || cfg.GRPCPort > 65535 {
		return fmt.Errorf("config: grpc_port out of range: %d", cfg.GRPCPort)
	}

	if cfg.HTTPPort == cfg.GRPCPort {
		return errors.New("config: http_port and grpc_port must differ")
	}

	return nil
}

// parseConfigFile loads a JSON or JSONC config file. Comments are accepted
// in either extension via hujson.Standardize.
func parseConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	var cfg Config

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfig layers override on top of base: a zero value in override
// leaves the base value untouched.
func mergeConfig(base, override Config) Config {
	result := base

	if override.HTTPPort != 0 {
		result.HTTPPort = override.HTTPPort
	}

	if override.GRPCPort != 0 {
		result.GRPCPort = override.GRPCPort
	}

	if override.SessionTTLSeconds != 0 {
		result.SessionTTLSeconds = override.SessionTTLSeconds
	}

	if override.ReapIntervalSeconds != 0 {
		result.ReapIntervalSeconds = override.ReapIntervalSeconds
	}

	if override.Defaults.TimeMS != 0 {
		result.Defaults.TimeMS = override.Defaults.TimeMS
	}

	if override.Defaults.MemKB != 0 {
		result.Defaults.MemKB = override.Defaults.MemKB
	}

	if override.Defaults.FsizeKB != 0 {
		result.Defaults.FsizeKB = override.Defaults.FsizeKB
	}

	if override.Defaults.NoFile != 0 {
		result.Defaults.NoFile = override.Defaults.NoFile
	}

	return result
}

// applyCLIFlags applies the highest-precedence CLI overrides.
func applyCLIFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("port") {
		if v, err := flags.GetInt("port"); err == nil {
			cfg.HTTPPort = v
		}
	}

	if flags.Changed("grpc-port") {
		if v, err := flags.GetInt("grpc-port"); err == nil {
			cfg.GRPCPort = v
		}
	}

	if flags.Changed("ttl") {
		if v, err := flags.GetInt("ttl"); err == nil {
			cfg.SessionTTLSeconds = v
		}
	}

	if flags.Changed("reap-interval") {
		if v, err := flags.GetInt("reap-interval"); err == nil {
			cfg.ReapIntervalSeconds = v
		}
	}
}
