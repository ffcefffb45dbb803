package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Errorf("default config should validate cleanly: %v", err)
	}
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "voidrun.toml")
	body := `
[server]
host = "0.0.0.0"
port = 9999

[backend]
kind = "container"
`
	if err := os.WriteFile(confPath, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(confPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9999 {
		t.Errorf("Load did not apply file values: %+v", cfg.Server)
	}
	// Unset sections fall back to Defaults().
	if cfg.Limits.MaxConcurrentSandboxes != Defaults().Limits.MaxConcurrentSandboxes {
		t.Errorf("Load should preserve defaults for sections absent from the file")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Addr() != Defaults().Addr() {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
}

func TestEnvOverlayWinsOverDefaults(t *testing.T) {
	t.Setenv("VOIDRUN_SERVER_PORT", "7777")
	t.Setenv("VOIDRUN_BACKEND_KIND", "jail")
	t.Setenv("VOIDRUN_BACKEND_JAIL_ROOT", "/tmp")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (env overlay)", cfg.Server.Port)
	}
	if cfg.Backend.Kind != "jail" {
		t.Errorf("Backend.Kind = %q, want jail (env overlay)", cfg.Backend.Kind)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"unknown backend kind", func(c *Config) { c.Backend.Kind = "vm" }},
		{"jail backend missing root", func(c *Config) { c.Backend.Kind = "jail"; c.Backend.JailRoot = "" }},
		{"jail root relative", func(c *Config) { c.Backend.Kind = "jail"; c.Backend.JailRoot = "relative/path" }},
		{"default timeout above max", func(c *Config) { c.Limits.DefaultTimeoutMs = c.Limits.MaxTimeoutMs + 1 }},
		{"default memory above max", func(c *Config) { c.Limits.DefaultMemoryMb = c.Limits.MaxMemoryMb + 1 }},
		{"non-positive concurrency cap", func(c *Config) { c.Limits.MaxConcurrentSandboxes = 0 }},
		{"inverted port range", func(c *Config) { c.Ports.RangeStart = 9000; c.Ports.RangeEnd = 8000 }},
		{"non-positive cleanup interval", func(c *Config) { c.Cleanup.IntervalSeconds = 0 }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected Validate to reject: %s", tt.name)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "voidrun.toml")

	original := Defaults()
	original.Server.Port = 12345
	if err := Save(original, outPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(outPath)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if loaded.Server.Port != 12345 {
		t.Errorf("round-tripped Server.Port = %d, want 12345", loaded.Server.Port)
	}
}
