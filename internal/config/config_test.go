package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Sandbox.Addr != ":9000" {
		t.Errorf("expected :9000, got %s", cfg.Sandbox.Addr)
	}
	if cfg.Sandbox.Limits.Timeout != 30*time.Second {
		t.Errorf("expected 30s, got %v", cfg.Sandbox.Limits.Timeout)
	}
	if cfg.Sandbox.Limits.MaxOutputBytes != 64*1024 {
		t.Errorf("expected 65536, got %d", cfg.Sandbox.Limits.MaxOutputBytes)
	}
	if cfg.Observer.Enabled {
		t.Error("observer should be disabled by default")
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[sandbox]
addr = ":7000"
session_ttl = "10m"

[sandbox.limits]
max_operations = 5000
timeout = "2s"

[database]
path = "runs.db"

[observer.pricing.my-model]
input_per_million = 1.5
output_per_million = 3.0
`), 0644)

	cfg := Load(path)
	if cfg.Sandbox.Addr != ":7000" {
		t.Errorf("expected :7000, got %s", cfg.Sandbox.Addr)
	}
	if cfg.Sandbox.SessionTTL != 10*time.Minute {
		t.Errorf("expected 10m, got %v", cfg.Sandbox.SessionTTL)
	}
	if cfg.Sandbox.Limits.MaxOperations != 5000 || cfg.Sandbox.Limits.Timeout != 2*time.Second {
		t.Errorf("limits = %+v", cfg.Sandbox.Limits)
	}
	if cfg.Database.Path != "runs.db" {
		t.Errorf("expected runs.db, got %s", cfg.Database.Path)
	}
	if p := cfg.Observer.Pricing["my-model"]; p.InputPerMillion != 1.5 || p.OutputPerMillion != 3.0 {
		t.Errorf("pricing = %+v", p)
	}
	// Defaults preserved
	if cfg.Sandbox.MaxConcurrent != 4 {
		t.Errorf("default should be preserved, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.Limits.MaxOutputBytes != 64*1024 {
		t.Errorf("default limit should be preserved, got %d", cfg.Sandbox.Limits.MaxOutputBytes)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LAGOON_SANDBOX_ADDR", ":8080")
	t.Setenv("LAGOON_SANDBOX_MAX_CONCURRENT", "16")
	t.Setenv("LAGOON_SANDBOX_TIMEOUT", "10s")
	t.Setenv("LAGOON_OBSERVER_ENABLED", "1")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Sandbox.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Sandbox.Addr)
	}
	if cfg.Sandbox.MaxConcurrent != 16 {
		t.Errorf("expected 16, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.Limits.Timeout != 10*time.Second {
		t.Errorf("expected 10s, got %v", cfg.Sandbox.Limits.Timeout)
	}
	if !cfg.Observer.Enabled {
		t.Error("expected observer enabled")
	}
}

func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("LAGOON_SANDBOX_MAX_CONCURRENT", "lots")
	t.Setenv("LAGOON_SANDBOX_SESSION_TTL", "-1m")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Sandbox.MaxConcurrent != 4 {
		t.Errorf("expected default 4, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.SessionTTL != time.Hour {
		t.Errorf("expected default 1h, got %v", cfg.Sandbox.SessionTTL)
	}
}

func TestMaxTimeoutFallback(t *testing.T) {
	t.Setenv("LAGOON_SANDBOX_TIMEOUT", "10m")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Sandbox.MaxTimeout != 10*time.Minute {
		t.Errorf("max timeout should not be below the default timeout, got %v", cfg.Sandbox.MaxTimeout)
	}
}
