// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Buffer.Maxbytes != 4<<20 {
		t.Errorf("maxbytes = %d", cfg.Buffer.Maxbytes)
	}
	if cfg.Persistence.Backend != "badger" {
		t.Errorf("backend = %q", cfg.Persistence.Backend)
	}
	if cfg.Cluster.Enabled {
		t.Error("clustering enabled by default")
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lakesync.yaml")
	doc := `
gateway:
  id: acme
server:
  addr: ":9090"
  timeout: 10s
buffer:
  maxage: 5s
persistence:
  backend: memory
storage:
  target: memory
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.ID != "acme" {
		t.Errorf("gateway id = %q", cfg.Gateway.ID)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.Timeout != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Server.Timeout)
	}
	if cfg.Buffer.Maxage != 5*time.Second {
		t.Errorf("maxage = %v", cfg.Buffer.Maxage)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.Ratelimit != 100 {
		t.Errorf("ratelimit = %d", cfg.Server.Ratelimit)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lakesync.yaml")
	doc := `
server:
  addr: ":9090"
persistence:
  backend: memory
storage:
  target: memory
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LAKESYNC_SERVER_ADDR", ":7070")
	t.Setenv("LAKESYNC_AUTH_SECRET", "s3cret")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want env value", cfg.Server.Addr)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Errorf("secret = %q", cfg.Auth.Secret)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty gateway id", func(c *Config) { c.Gateway.ID = "" }},
		{"unknown persistence backend", func(c *Config) { c.Persistence.Backend = "etcd" }},
		{"badger without path", func(c *Config) { c.Persistence.Backend = "badger"; c.Persistence.Path = "" }},
		{"unknown storage target", func(c *Config) { c.Storage.Target = "s3" }},
		{"duckdb without path", func(c *Config) { c.Storage.Target = "duckdb"; c.Storage.Path = "" }},
		{"bad cluster mode", func(c *Config) { c.Cluster.Enabled = true; c.Cluster.Mode = "quorum"; c.Cluster.Shared = "x" }},
		{"cluster without shared store", func(c *Config) { c.Cluster.Enabled = true; c.Cluster.Mode = "eventual"; c.Cluster.Shared = "" }},
		{"zero buffer bytes", func(c *Config) { c.Buffer.Maxbytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
}
