package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Poller.Interval != 15*time.Second {
		t.Errorf("Poller.Interval = %s, want 15s", cfg.Poller.Interval)
	}
	if cfg.Poller.Window != 2*time.Hour {
		t.Errorf("Poller.Window = %s, want 2h", cfg.Poller.Window)
	}
	if cfg.Poller.ItemDelay != 500*time.Millisecond {
		t.Errorf("Poller.ItemDelay = %s, want 500ms", cfg.Poller.ItemDelay)
	}
	if cfg.Batch.MaxInstances != 100 {
		t.Errorf("Batch.MaxInstances = %d, want 100", cfg.Batch.MaxInstances)
	}
	if cfg.Batch.MaxConcurrent != 5 {
		t.Errorf("Batch.MaxConcurrent = %d, want 5", cfg.Batch.MaxConcurrent)
	}
	if cfg.Batch.MaxAttempts != 3 {
		t.Errorf("Batch.MaxAttempts = %d, want 3", cfg.Batch.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"gateway timeout 0", func(c *Config) { c.Gateway.Timeout = 0 }, true},
		{"gateway burst 0 with rps", func(c *Config) { c.Gateway.RateLimitBurst = 0 }, true},
		{"gateway rate limit disabled", func(c *Config) {
			c.Gateway.RateLimitRPS = 0
			c.Gateway.RateLimitBurst = 0
		}, false},
		{"poller interval 0", func(c *Config) { c.Poller.Interval = 0 }, true},
		{"poller window 0", func(c *Config) { c.Poller.Window = 0 }, true},
		{"negative item delay", func(c *Config) { c.Poller.ItemDelay = -time.Second }, true},
		{"visibility retries 0", func(c *Config) { c.Poller.VisibilityRetries = 0 }, true},
		{"max_instances 0", func(c *Config) { c.Batch.MaxInstances = 0 }, true},
		{"max_concurrent 0", func(c *Config) { c.Batch.MaxConcurrent = 0 }, true},
		{"max_attempts 0", func(c *Config) { c.Batch.MaxAttempts = 0 }, true},
		{"max_backoff < base_backoff", func(c *Config) {
			c.Batch.BaseBackoff = 10 * time.Second
			c.Batch.MaxBackoff = time.Second
		}, true},
		{"stale threshold too small", func(c *Config) { c.Batch.StaleThreshold = time.Second }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
poller:
  interval: 5s
  window: 30m
batch:
  max_instances: 20
  max_concurrent: 2
  base_backoff: 250ms
gateway:
  rate_limit_rps: 3
  rate_limit_burst: 3
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Poller.Interval != 5*time.Second {
		t.Errorf("Poller.Interval = %s, want 5s", cfg.Poller.Interval)
	}
	if cfg.Poller.Window != 30*time.Minute {
		t.Errorf("Poller.Window = %s, want 30m", cfg.Poller.Window)
	}
	if cfg.Batch.MaxInstances != 20 {
		t.Errorf("Batch.MaxInstances = %d, want 20", cfg.Batch.MaxInstances)
	}
	if cfg.Batch.MaxConcurrent != 2 {
		t.Errorf("Batch.MaxConcurrent = %d, want 2", cfg.Batch.MaxConcurrent)
	}
	if cfg.Batch.BaseBackoff != 250*time.Millisecond {
		t.Errorf("Batch.BaseBackoff = %s, want 250ms", cfg.Batch.BaseBackoff)
	}
	// Untouched sections keep their defaults.
	if cfg.Batch.MaxAttempts != 3 {
		t.Errorf("Batch.MaxAttempts = %d, want 3", cfg.Batch.MaxAttempts)
	}
	if cfg.Gateway.RateLimitRPS != 3 {
		t.Errorf("Gateway.RateLimitRPS = %v, want 3", cfg.Gateway.RateLimitRPS)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("batch:\n  max_concurrent: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orchestrator")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("API_KEYS", "a,b")
	t.Setenv("CATALOG_PATH", "/etc/orchestrator/catalog.yaml")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Database.DSN != "postgres://localhost/orchestrator" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Gateway.DefaultToken != "tok" {
		t.Errorf("Gateway.DefaultToken = %q, want tok", cfg.Gateway.DefaultToken)
	}
	if cfg.CatalogPath != "/etc/orchestrator/catalog.yaml" {
		t.Errorf("CatalogPath = %q", cfg.CatalogPath)
	}
	if len(cfg.Security.AllowedKeys) != 2 {
		t.Errorf("Security.AllowedKeys = %v, want 2 keys", cfg.Security.AllowedKeys)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
