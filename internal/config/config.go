package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	lagoon "github.com/nevindra/lagoon"
	"github.com/nevindra/lagoon/observer"
)

type Config struct {
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Observer ObserverConfig `toml:"observer"`
}

type SandboxConfig struct {
	Addr            string        `toml:"addr"`
	MaxConcurrent   int           `toml:"max_concurrent"`
	MaxSessions     int           `toml:"max_sessions"`
	SessionTTL      time.Duration `toml:"session_ttl"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
	// Limits are the per-execution defaults. A request's timeout_ms overrides
	// Limits.Timeout up to MaxTimeout.
	Limits     lagoon.Limits `toml:"limits"`
	MaxTimeout time.Duration `toml:"max_timeout"`
}

// DatabaseConfig locates the SQLite file that receives execution records.
// An empty Path disables persistence.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

type ObserverConfig struct {
	Enabled     bool                             `toml:"enabled"`
	ServiceName string                           `toml:"service_name"`
	Pricing     map[string]observer.ModelPricing `toml:"pricing"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Sandbox: SandboxConfig{
			Addr:            ":9000",
			MaxConcurrent:   4,
			MaxSessions:     256,
			SessionTTL:      time.Hour,
			CleanupInterval: 5 * time.Minute,
			Limits: lagoon.Limits{
				MaxOperations:  10_000_000,
				MaxOutputBytes: 64 * 1024,
				Timeout:        30 * time.Second,
			},
			MaxTimeout: 5 * time.Minute,
		},
		Log:      LogConfig{Level: "info", Format: "text"},
		Observer: ObserverConfig{ServiceName: "lagoon-sandbox"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "lagoon.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LAGOON_SANDBOX_ADDR"); v != "" {
		cfg.Sandbox.Addr = v
	}
	if n, ok := envInt("LAGOON_SANDBOX_MAX_CONCURRENT"); ok {
		cfg.Sandbox.MaxConcurrent = n
	}
	if n, ok := envInt("LAGOON_SANDBOX_MAX_SESSIONS"); ok {
		cfg.Sandbox.MaxSessions = n
	}
	if d, ok := envDuration("LAGOON_SANDBOX_SESSION_TTL"); ok {
		cfg.Sandbox.SessionTTL = d
	}
	if d, ok := envDuration("LAGOON_SANDBOX_TIMEOUT"); ok {
		cfg.Sandbox.Limits.Timeout = d
	}
	if n, ok := envInt("LAGOON_SANDBOX_MAX_OUTPUT"); ok {
		cfg.Sandbox.Limits.MaxOutputBytes = n
	}
	if n, ok := envInt("LAGOON_SANDBOX_MAX_OPERATIONS"); ok {
		cfg.Sandbox.Limits.MaxOperations = uint64(n)
	}
	if v := os.Getenv("LAGOON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LAGOON_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LAGOON_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if os.Getenv("LAGOON_OBSERVER_ENABLED") == "true" || os.Getenv("LAGOON_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("LAGOON_OBSERVER_SERVICE"); v != "" {
		cfg.Observer.ServiceName = v
	}

	// Fallbacks
	if cfg.Sandbox.MaxConcurrent <= 0 {
		cfg.Sandbox.MaxConcurrent = 1
	}
	if cfg.Sandbox.CleanupInterval <= 0 {
		cfg.Sandbox.CleanupInterval = 5 * time.Minute
	}
	if cfg.Sandbox.MaxTimeout < cfg.Sandbox.Limits.Timeout {
		cfg.Sandbox.MaxTimeout = cfg.Sandbox.Limits.Timeout
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
