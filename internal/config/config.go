// Package config loads and validates the voidrun server configuration from a
// TOML file with an environment-variable overlay.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration object. A single *Config is constructed
// at startup and threaded explicitly into every subsystem that needs it.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Backend BackendConfig `toml:"backend"`
	Limits  LimitsConfig  `toml:"limits"`
	Ports   PortsConfig   `toml:"ports"`
	Cleanup CleanupConfig `toml:"cleanup"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type BackendConfig struct {
	// Kind selects the isolation backend: "container" or "jail".
	Kind string `toml:"kind"`

	// ContainerImagePrefix is prepended to a runtime's base image tag,
	// letting a deployment point at a private registry mirror.
	ContainerImagePrefix string `toml:"container_image_prefix"`

	// JailRoot is the parent directory under which per-sandbox jail
	// directories are created (default /tmp/sandbox-*).
	JailRoot string `toml:"jail_root"`
}

type LimitsConfig struct {
	DefaultTimeoutMs       int `toml:"default_timeout_ms"`
	MaxTimeoutMs           int `toml:"max_timeout_ms"`
	DefaultMemoryMb        int `toml:"default_memory_mb"`
	MaxMemoryMb            int `toml:"max_memory_mb"`
	MaxConcurrentSandboxes int `toml:"max_concurrent_sandboxes"`
	MaxFileListBytes       int `toml:"max_file_list_bytes"`
	MaxFileListCount       int `toml:"max_file_list_count"`
}

type PortsConfig struct {
	RangeStart int `toml:"range_start"`
	RangeEnd   int `toml:"range_end"`
}

type CleanupConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns the built-in configuration, matching the TOML sample
// documented alongside the HTTP API.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8070,
		},
		Backend: BackendConfig{
			Kind:     "container",
			JailRoot: "/tmp",
		},
		Limits: LimitsConfig{
			DefaultTimeoutMs:       30000,
			MaxTimeoutMs:           3600000,
			DefaultMemoryMb:        256,
			MaxMemoryMb:            4096,
			MaxConcurrentSandboxes: 10,
			MaxFileListBytes:       32 * 1024 * 1024,
			MaxFileListCount:       256,
		},
		Ports: PortsConfig{
			RangeStart: 8070,
			RangeEnd:   8170,
		},
		Cleanup: CleanupConfig{
			IntervalSeconds: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads confPath (if non-empty) on top of Defaults(), applies the
// VOIDRUN_* environment overlay, validates, and returns the result. An empty
// confPath is not an error: the process runs on defaults plus environment.
func Load(confPath string) (*Config, error) {
	cfg := Defaults()

	if confPath != "" {
		if _, err := toml.DecodeFile(confPath, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config (%s): %w", confPath, err)
		}
	}

	applyEnvOverlay(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverlay lets every VOIDRUN_* environment variable override the
// matching config field after the TOML file has been loaded.
func applyEnvOverlay(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("VOIDRUN_SERVER_HOST", &cfg.Server.Host)
	intv("VOIDRUN_SERVER_PORT", &cfg.Server.Port)

	str("VOIDRUN_BACKEND_KIND", &cfg.Backend.Kind)
	str("VOIDRUN_BACKEND_CONTAINER_IMAGE_PREFIX", &cfg.Backend.ContainerImagePrefix)
	str("VOIDRUN_BACKEND_JAIL_ROOT", &cfg.Backend.JailRoot)

	intv("VOIDRUN_LIMITS_DEFAULT_TIMEOUT_MS", &cfg.Limits.DefaultTimeoutMs)
	intv("VOIDRUN_LIMITS_MAX_TIMEOUT_MS", &cfg.Limits.MaxTimeoutMs)
	intv("VOIDRUN_LIMITS_DEFAULT_MEMORY_MB", &cfg.Limits.DefaultMemoryMb)
	intv("VOIDRUN_LIMITS_MAX_MEMORY_MB", &cfg.Limits.MaxMemoryMb)
	intv("VOIDRUN_LIMITS_MAX_CONCURRENT_SANDBOXES", &cfg.Limits.MaxConcurrentSandboxes)

	intv("VOIDRUN_PORTS_RANGE_START", &cfg.Ports.RangeStart)
	intv("VOIDRUN_PORTS_RANGE_END", &cfg.Ports.RangeEnd)

	intv("VOIDRUN_CLEANUP_INTERVAL_SECONDS", &cfg.Cleanup.IntervalSeconds)

	str("VOIDRUN_LOG_LEVEL", &cfg.Log.Level)
	str("VOIDRUN_LOG_FORMAT", &cfg.Log.Format)
}

// Validate checks that paths are absolute, ranges are sane, and the backend
// kind is one this build knows how to construct.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Backend.Kind {
	case "container":
		// no extra requirement; the container client validates reachability itself.
	case "jail":
		if c.Backend.JailRoot == "" {
			return fmt.Errorf("backend.jail_root must be set for the jail backend")
		}
		if !path.IsAbs(c.Backend.JailRoot) {
			return fmt.Errorf("backend.jail_root cannot be relative")
		}
	default:
		return fmt.Errorf("unknown backend.kind %q (want \"container\" or \"jail\")", c.Backend.Kind)
	}

	if c.Limits.DefaultTimeoutMs <= 0 || c.Limits.DefaultTimeoutMs > c.Limits.MaxTimeoutMs {
		return fmt.Errorf("limits.default_timeout_ms must be in (0, max_timeout_ms]")
	}
	if c.Limits.DefaultMemoryMb <= 0 || c.Limits.DefaultMemoryMb > c.Limits.MaxMemoryMb {
		return fmt.Errorf("limits.default_memory_mb must be in (0, max_memory_mb]")
	}
	if c.Limits.MaxConcurrentSandboxes <= 0 {
		return fmt.Errorf("limits.max_concurrent_sandboxes must be positive")
	}

	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd < c.Ports.RangeStart {
		return fmt.Errorf("ports.range_start/range_end invalid: %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}

	if c.Cleanup.IntervalSeconds <= 0 {
		return fmt.Errorf("cleanup.interval_seconds must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}

	return nil
}

// Addr returns the host:port string Server should listen on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Save writes cfg to path as TOML, used by the "init" CLI command to
// persist a generated default config.
func Save(cfg *Config, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
