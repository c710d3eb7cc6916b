package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Poller   PollerConfig   `yaml:"poller"`
	Batch    BatchConfig    `yaml:"batch"`
	TLS      TLSConfig      `yaml:"tls"`

	// CatalogPath seeds the in-memory store when no database is configured.
	CatalogPath string `yaml:"catalog_path"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// GatewayConfig controls the HTTP client for the remote query engine.
type GatewayConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"`
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	BreakerFailures  uint32        `yaml:"breaker_failures"` // consecutive transient failures before the breaker opens
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	MaxResultBytes   int64         `yaml:"max_result_bytes"`
	UserAgent        string        `yaml:"user_agent"`
	DefaultToken     string        `yaml:"default_token"`
	JobNamePrefix    string        `yaml:"job_name_prefix"`
	InstanceCacheTTL time.Duration `yaml:"instance_cache_ttl"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
	EventBuffer     int           `yaml:"event_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	MaxConcurrentBatches int      `yaml:"max_concurrent_batches"` // batch submissions in flight per process
}

// PollerConfig controls the background status sweep.
type PollerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	Window            time.Duration `yaml:"window"`     // only executions started within this window are polled
	ItemDelay         time.Duration `yaml:"item_delay"` // pause between reconciliations
	MaxPerPass        int           `yaml:"max_per_pass"`
	VisibilityRetries int           `yaml:"visibility_retries"`
	VisibilityDelay   time.Duration `yaml:"visibility_delay"`
	FirstPollProgress int           `yaml:"first_poll_progress"` // progress below this counts as a first poll
}

// BatchConfig controls batch fan-out.
type BatchConfig struct {
	MaxInstances     int           `yaml:"max_instances"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	StaleThreshold   time.Duration `yaml:"stale_threshold"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // batch submission waits for every child dispatch
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Gateway: GatewayConfig{
			Timeout:          30 * time.Second,
			RateLimitRPS:     10,
			RateLimitBurst:   20,
			BreakerFailures:  5,
			BreakerCooldown:  30 * time.Second,
			MaxResultBytes:   64 << 20,
			UserAgent:        "query-orchestrator/1.0",
			JobNamePrefix:    "workflow",
			InstanceCacheTTL: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
			EventBuffer:     10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:         "X-API-Key",
			RateLimitRPS:         100,
			RateLimitBurst:       200,
			MaxConcurrentBatches: 4,
		},
		Poller: PollerConfig{
			Enabled:           true,
			Interval:          15 * time.Second,
			Window:            2 * time.Hour,
			ItemDelay:         500 * time.Millisecond,
			MaxPerPass:        1000,
			VisibilityRetries: 3,
			VisibilityDelay:   2 * time.Second,
			FirstPollProgress: 10,
		},
		Batch: BatchConfig{
			MaxInstances:     100,
			MaxConcurrent:    5,
			MaxAttempts:      3,
			BaseBackoff:      1 * time.Second,
			MaxBackoff:       30 * time.Second,
			StaleThreshold:   30 * time.Minute,
			RecoveryInterval: 5 * time.Minute,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overrides file settings with environment variables.
func (c *Config) ApplyEnv() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if token := os.Getenv("GATEWAY_TOKEN"); token != "" {
		c.Gateway.DefaultToken = token
	}
	if path := os.Getenv("CATALOG_PATH"); path != "" {
		c.CatalogPath = path
	}
	if keys := os.Getenv("API_KEYS"); keys != "" {
		c.Security.AllowedKeys = strings.Split(keys, ",")
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be > 0")
	}
	if c.Gateway.RateLimitRPS < 0 {
		return fmt.Errorf("gateway.rate_limit_rps must be >= 0")
	}
	if c.Gateway.RateLimitRPS > 0 && c.Gateway.RateLimitBurst < 1 {
		return fmt.Errorf("gateway.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	if c.Security.MaxConcurrentBatches < 0 {
		return fmt.Errorf("security.max_concurrent_batches must be >= 0")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be > 0")
	}
	if c.Poller.Window <= 0 {
		return fmt.Errorf("poller.window must be > 0")
	}
	if c.Poller.ItemDelay < 0 {
		return fmt.Errorf("poller.item_delay must be >= 0")
	}
	if c.Poller.VisibilityRetries < 1 {
		return fmt.Errorf("poller.visibility_retries must be >= 1")
	}
	if c.Batch.MaxInstances < 1 {
		return fmt.Errorf("batch.max_instances must be >= 1")
	}
	if c.Batch.MaxConcurrent < 1 {
		return fmt.Errorf("batch.max_concurrent must be >= 1")
	}
	if c.Batch.MaxAttempts < 1 {
		return fmt.Errorf("batch.max_attempts must be >= 1")
	}
	if c.Batch.BaseBackoff <= 0 {
		return fmt.Errorf("batch.base_backoff must be > 0")
	}
	if c.Batch.MaxBackoff < c.Batch.BaseBackoff {
		return fmt.Errorf("batch.max_backoff (%s) must be >= base_backoff (%s)",
			c.Batch.MaxBackoff, c.Batch.BaseBackoff)
	}
	if c.Batch.StaleThreshold < time.Minute {
		return fmt.Errorf("batch.stale_threshold must be >= 1m")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint != "" {
		if _, err := url.Parse(c.Tracing.Endpoint); err != nil {
			return fmt.Errorf("tracing.endpoint: %w", err)
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
