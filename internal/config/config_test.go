package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
client:
  id: abc123
  secret: shh
  scopes: [chat:read, chat:edit]
api:
  helix_url: https://api.example.com/helix
chat:
  enabled: true
  channels: ["#somechannel"]
pubsub:
  enabled: true
  topics: [channel-points-channel-v1.44322889]
connection:
  auto_reconnect: false
  keepalive_interval: 2m
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Client.ID != "abc123" {
		t.Errorf("Client.ID = %q, want %q", cfg.Client.ID, "abc123")
	}
	if len(cfg.Client.Scopes) != 2 || cfg.Client.Scopes[1] != "chat:edit" {
		t.Errorf("Client.Scopes = %v, want [chat:read chat:edit]", cfg.Client.Scopes)
	}
	if cfg.API.HelixURL != "https://api.example.com/helix" {
		t.Errorf("API.HelixURL = %q", cfg.API.HelixURL)
	}
	if !cfg.Chat.Enabled || len(cfg.Chat.Channels) != 1 {
		t.Errorf("Chat = %+v, want enabled with one channel", cfg.Chat)
	}
	if cfg.Connection.AutoReconnectEnabled() {
		t.Error("AutoReconnectEnabled() = true, want false")
	}
	if cfg.Connection.KeepaliveInterval != 2*time.Minute {
		t.Errorf("KeepaliveInterval = %v, want 2m", cfg.Connection.KeepaliveInterval)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "secret123")

	yaml := `
client:
  id: abc123
  secret: ${TEST_CLIENT_SECRET}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Client.Secret != "secret123" {
		t.Errorf("Client.Secret = %q, want %q", cfg.Client.Secret, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "client:\n  id: abc123\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.API.HelixURL != DefaultHelixURL {
		t.Errorf("API.HelixURL = %q, want default %q", cfg.API.HelixURL, DefaultHelixURL)
	}
	if cfg.Chat.Address != DefaultChatAddress {
		t.Errorf("Chat.Address = %q, want default %q", cfg.Chat.Address, DefaultChatAddress)
	}
	if cfg.Connection.KeepaliveInterval != DefaultKeepaliveInterval {
		t.Errorf("KeepaliveInterval = %v, want default %v", cfg.Connection.KeepaliveInterval, DefaultKeepaliveInterval)
	}
	if cfg.Connection.ReconnectUnit != DefaultReconnectUnit {
		t.Errorf("ReconnectUnit = %v, want default %v", cfg.Connection.ReconnectUnit, DefaultReconnectUnit)
	}
	if !cfg.Connection.AutoReconnectEnabled() {
		t.Error("auto reconnect should default to enabled")
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, DriverMemory)
	}
	if cfg.Store.Postgres.Port != DefaultDBPort {
		t.Errorf("Store.Postgres.Port = %d, want default %d", cfg.Store.Postgres.Port, DefaultDBPort)
	}
	if cfg.Client.Flow != FlowRefresh {
		t.Errorf("Client.Flow = %q, want %q", cfg.Client.Flow, FlowRefresh)
	}
	if cfg.Watch.Interval != DefaultWatchInterval {
		t.Errorf("Watch.Interval = %v, want default %v", cfg.Watch.Interval, DefaultWatchInterval)
	}
	if cfg.Archive.Enabled || cfg.Archive.BatchSize != DefaultArchiveBatchSize {
		t.Errorf("Archive = %+v, want disabled with default batch size", cfg.Archive)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Client: ClientConfig{ID: "abc", Secret: "shh"},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing client id",
			mutate:  func(c *Config) { c.Client.ID = "" },
			wantErr: "client.id is required",
		},
		{
			name:    "refresh flow without secret",
			mutate:  func(c *Config) { c.Client.Secret = "" },
			wantErr: "client.secret is required for the refresh flow",
		},
		{
			name:    "interactive flow without redirect",
			mutate:  func(c *Config) { c.Client.Flow = FlowInteractive },
			wantErr: "client.redirect_url is required for the interactive flow",
		},
		{
			name:    "unknown flow",
			mutate:  func(c *Config) { c.Client.Flow = "device" },
			wantErr: `client.flow must be one of refresh, interactive, client_credentials, got "device"`,
		},
		{
			name: "keepalive timeout too long",
			mutate: func(c *Config) {
				c.Connection.KeepaliveTimeout = 5 * time.Minute
			},
			wantErr: "connection.keepalive_timeout (5m0s) must be shorter than keepalive_interval (4m0s)",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Store.Driver = DriverPostgres
			},
			wantErr: "store.postgres.host is required",
		},
		{
			name: "postgres min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Store.Driver = DriverPostgres
				c.Store.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 2, MinConns: 5}
			},
			wantErr: "store.postgres.min_conns (5) cannot exceed max_conns (2)",
		},
		{
			name:    "sealed without path",
			mutate:  func(c *Config) { c.Store.Driver = DriverSealed },
			wantErr: "store.sealed.path is required",
		},
		{
			name:    "health port out of range",
			mutate:  func(c *Config) { c.Health.Port = 70000 },
			wantErr: "health.port must be between 0 and 65535, got 70000",
		},
		{
			name: "watch interval too short",
			mutate: func(c *Config) {
				c.Watch.Logins = []string{"somechannel"}
				c.Watch.Interval = 100 * time.Millisecond
			},
			wantErr: "watch.interval must be at least 1s, got 100ms",
		},
		{
			name:    "archive without postgres",
			mutate:  func(c *Config) { c.Archive.Enabled = true },
			wantErr: `archive requires store.driver "postgres", got "memory"`,
		},
		{
			name: "archive with postgres",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Store.Driver = DriverPostgres
				c.Store.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 4, MinConns: 1}
			},
			wantErr: "",
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
