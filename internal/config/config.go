// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package config loads gateway configuration with koanf, layered as
// struct defaults, then an optional YAML file, then LAKESYNC_-prefixed
// environment variables. Keys are single words per segment so the env
// mapping stays mechanical: LAKESYNC_BUFFER_MAXBYTES -> buffer.maxbytes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces LakeSync environment variables.
const EnvPrefix = "LAKESYNC_"

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "LAKESYNC_CONFIG"

// DefaultConfigPaths is searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"lakesync.yaml",
	"lakesync.yml",
	"/etc/lakesync/config.yaml",
	"/etc/lakesync/config.yml",
}

// Config is the complete gateway configuration.
type Config struct {
	Gateway     GatewayConfig     `koanf:"gateway"`
	Server      ServerConfig      `koanf:"server"`
	Buffer      BufferConfig      `koanf:"buffer"`
	Persistence PersistenceConfig `koanf:"persistence"`
	Storage     StorageConfig     `koanf:"storage"`
	Cluster     ClusterConfig     `koanf:"cluster"`
	Auth        AuthConfig        `koanf:"auth"`
	WebSocket   WebSocketConfig   `koanf:"websocket"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// GatewayConfig identifies the tenant this instance serves.
type GatewayConfig struct {
	ID string `koanf:"id"`
}

// ServerConfig covers the HTTP surface and lifecycle.
type ServerConfig struct {
	Addr      string        `koanf:"addr"`
	Timeout   time.Duration `koanf:"timeout"`
	Ratelimit int           `koanf:"ratelimit"` // requests per client per minute
	Origins   []string      `koanf:"origins"`   // CORS allow list; empty reflects

	Flushcheck time.Duration `koanf:"flushcheck"`
	Draingrace time.Duration `koanf:"draingrace"`
	Shutdown   time.Duration `koanf:"shutdown"`
}

// BufferConfig sets the in-memory buffer's flush triggers.
type BufferConfig struct {
	Maxbytes int64         `koanf:"maxbytes"`
	Maxage   time.Duration `koanf:"maxage"`
}

// PersistenceConfig selects the WAL/config store backend.
type PersistenceConfig struct {
	Backend string `koanf:"backend"` // memory | badger
	Path    string `koanf:"path"`    // badger directory
}

// StorageConfig selects the flush target.
type StorageConfig struct {
	Target string `koanf:"target"` // duckdb | lake | memory
	Path   string `koanf:"path"`   // duckdb file or lake directory
}

// ClusterConfig enables multi-instance coordination.
type ClusterConfig struct {
	Enabled bool   `koanf:"enabled"`
	Mode    string `koanf:"mode"`   // eventual | strong
	Shared  string `koanf:"shared"` // shared duckdb path
}

// AuthConfig holds the HS256 secret; empty disables authentication.
type AuthConfig struct {
	Secret string `koanf:"secret"`
}

// WebSocketConfig caps the realtime surface.
type WebSocketConfig struct {
	Maxconns int `koanf:"maxconns"`
	Msgrate  int `koanf:"msgrate"` // messages per second per connection
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | console
}

// defaultConfig is the base layer every deployment starts from.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{ID: "default"},
		Server: ServerConfig{
			Addr:       ":8080",
			Timeout:    30 * time.Second,
			Ratelimit:  100,
			Flushcheck: 5 * time.Second,
			Draingrace: 3 * time.Second,
			Shutdown:   30 * time.Second,
		},
		Buffer: BufferConfig{
			Maxbytes: 4 << 20, // 4 MiB
			Maxage:   30 * time.Second,
		},
		Persistence: PersistenceConfig{
			Backend: "badger",
			Path:    "/data/lakesync/wal",
		},
		Storage: StorageConfig{
			Target: "duckdb",
			Path:   "/data/lakesync/lake.duckdb",
		},
		Cluster: ClusterConfig{
			Enabled: false,
			Mode:    "eventual",
		},
		WebSocket: WebSocketConfig{
			Maxconns: 1000,
			Msgrate:  50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the config file, and environment variables, then
// validates the result.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile loads from an explicit path, primarily for tests.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", configPath, err)
		}
	}

	// LAKESYNC_SERVER_ADDR -> server.addr; each key segment is a single
	// word so the underscore split is unambiguous.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	if c.Gateway.ID == "" {
		return fmt.Errorf("config: gateway.id is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}

	switch c.Persistence.Backend {
	case "memory":
	case "badger":
		if c.Persistence.Path == "" {
			return fmt.Errorf("config: persistence.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("config: unknown persistence.backend %q", c.Persistence.Backend)
	}

	switch c.Storage.Target {
	case "memory":
	case "duckdb", "lake":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the %s target", c.Storage.Target)
		}
	default:
		return fmt.Errorf("config: unknown storage.target %q", c.Storage.Target)
	}

	if c.Cluster.Enabled {
		if c.Cluster.Mode != "eventual" && c.Cluster.Mode != "strong" {
			return fmt.Errorf("config: cluster.mode must be eventual or strong, got %q", c.Cluster.Mode)
		}
		if c.Cluster.Shared == "" {
			return fmt.Errorf("config: cluster.shared is required when clustering is enabled")
		}
	}

	if c.Server.Ratelimit < 0 {
		return fmt.Errorf("config: server.ratelimit must be non-negative")
	}
	if c.Buffer.Maxbytes <= 0 {
		return fmt.Errorf("config: buffer.maxbytes must be positive")
	}
	return nil
}
