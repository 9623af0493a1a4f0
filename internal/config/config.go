// Package config loads and validates server configuration.
//
// Configuration comes from three layers, each overriding the previous:
// built-in defaults, an optional YAML file, and BLAZEKV_* environment
// variables. A single binary can therefore run with no file at all, or be
// fully driven by its deployment environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Fsync policy modes for the append-only log.
const (
	FsyncAlways = "always"
	FsyncEveryN = "everyn"
	FsyncNever  = "never"
)

// Config is the root configuration object.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Observability ObservabilityConfig `yaml:"observability"`
	Security      SecurityConfig      `yaml:"security"`
}

// ServerConfig holds TCP server settings.
type ServerConfig struct {
	// BindAddr is the host:port the TCP listener binds to.
	BindAddr string `yaml:"bind_addr"`

	// ConnectionTimeoutSec bounds how long an idle connection is kept open.
	ConnectionTimeoutSec uint64 `yaml:"connection_timeout"`

	// MaxConnections caps concurrently served connections.
	MaxConnections int `yaml:"max_connections"`
}

// StorageConfig holds in-memory engine settings.
type StorageConfig struct {
	// MaxMemory is the admission-control ceiling in bytes.
	MaxMemory uint64 `yaml:"max_memory"`

	// ShardCount is the number of map shards; fixed for the process lifetime.
	ShardCount int `yaml:"shard_count"`
}

// PersistenceConfig holds append-only log and snapshot settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	AOLPath string `yaml:"aol_path"`

	// FsyncPolicy is one of "always", "everyn", "never".
	FsyncPolicy string `yaml:"fsync_policy"`

	// FsyncN is the record interval when FsyncPolicy is "everyn".
	FsyncN uint64 `yaml:"fsync_every_n"`

	SnapshotEnabled     bool   `yaml:"snapshot_enabled"`
	SnapshotIntervalSec uint64 `yaml:"snapshot_interval"`
	SnapshotDir         string `yaml:"snapshot_dir"`
}

// ObservabilityConfig holds logging and HTTP endpoint settings.
type ObservabilityConfig struct {
	// HTTPAddr serves /health and /metrics; empty disables the listener.
	HTTPAddr string `yaml:"http_addr"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
	HealthEnabled  bool `yaml:"health_enabled"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "console" or "json".
	LogFormat string `yaml:"log_format"`
}

// SecurityConfig is reserved surface. TLS and auth are accepted in the file
// so configs stay forward-compatible, but nothing enforces them yet.
type SecurityConfig struct {
	TLSEnabled   bool   `yaml:"tls_enabled"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	TLSKeyPath   string `yaml:"tls_key_path"`
	RequireAuth  bool   `yaml:"require_auth"`
	AuthPassword string `yaml:"auth_password"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:             "127.0.0.1:6379",
			ConnectionTimeoutSec: 300,
			MaxConnections:       1000,
		},
		Storage: StorageConfig{
			MaxMemory:  100 * 1024 * 1024,
			ShardCount: 16,
		},
		Persistence: PersistenceConfig{
			Enabled:             true,
			AOLPath:             "data/blazekv.aol",
			FsyncPolicy:         FsyncEveryN,
			FsyncN:              100,
			SnapshotEnabled:     true,
			SnapshotIntervalSec: 3600,
			SnapshotDir:         "data/snapshots",
		},
		Observability: ObservabilityConfig{
			HTTPAddr:       "127.0.0.1:8080",
			MetricsEnabled: true,
			HealthEnabled:  true,
			LogLevel:       "info",
			LogFormat:      "console",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides and validates. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConnectionTimeout returns the idle timeout as a duration.
func (c *ServerConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSec) * time.Second
}

// SnapshotInterval returns the background snapshot period as a duration.
func (c *PersistenceConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}

// applyEnv overrides fields from BLAZEKV_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("BLAZEKV_BIND_ADDR"); v != "" {
		c.Server.BindAddr = v
	}
	if v := os.Getenv("BLAZEKV_CONNECTION_TIMEOUT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Server.ConnectionTimeoutSec = n
		}
	}
	if v := os.Getenv("BLAZEKV_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.MaxConnections = n
		}
	}
	if v := os.Getenv("BLAZEKV_MAX_MEMORY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Storage.MaxMemory = n
		}
	}
	if v := os.Getenv("BLAZEKV_AOL_PATH"); v != "" {
		c.Persistence.AOLPath = v
	}
	if v := os.Getenv("BLAZEKV_PERSISTENCE_ENABLED"); v != "" {
		c.Persistence.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("BLAZEKV_LOG_LEVEL"); v != "" {
		c.Observability.LogLevel = v
	}
	if v := os.Getenv("BLAZEKV_AUTH_PASSWORD"); v != "" {
		c.Security.AuthPassword = v
		c.Security.RequireAuth = true
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be > 0")
	}
	if c.Server.ConnectionTimeoutSec == 0 {
		return fmt.Errorf("config: connection_timeout must be > 0")
	}
	if c.Storage.MaxMemory == 0 {
		return fmt.Errorf("config: max_memory must be > 0")
	}
	if c.Storage.ShardCount <= 0 {
		return fmt.Errorf("config: shard_count must be > 0")
	}
	if c.Persistence.Enabled && c.Persistence.AOLPath == "" {
		return fmt.Errorf("config: aol_path required when persistence enabled")
	}
	switch c.Persistence.FsyncPolicy {
	case FsyncAlways, FsyncNever:
	case FsyncEveryN:
		if c.Persistence.FsyncN == 0 {
			return fmt.Errorf("config: fsync_every_n must be >= 1")
		}
	default:
		return fmt.Errorf("config: unknown fsync_policy %q", c.Persistence.FsyncPolicy)
	}
	if c.Security.TLSEnabled {
		if c.Security.TLSCertPath == "" {
			return fmt.Errorf("config: tls_cert_path required when TLS enabled")
		}
		if c.Security.TLSKeyPath == "" {
			return fmt.Errorf("config: tls_key_path required when TLS enabled")
		}
	}
	return nil
}
