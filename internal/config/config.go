// Package config loads the monitor configuration from a YAML file with
// environment-variable overrides. A .env file, when present, is folded into
// the environment before overrides are read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full monitor configuration. Intervals are plain integers in
// the unit their field name carries so the file stays trivially parseable.
type Config struct {
	MonitorID string `yaml:"monitor_id"`

	Log            LogConfig            `yaml:"log"`
	Stream         StreamConfig         `yaml:"stream"`
	FaultTolerance FaultToleranceConfig `yaml:"fault_tolerance"`
	Pipeline       PipelineConfig       `yaml:"pipeline"`
	Storage        StorageConfig        `yaml:"storage"`
	Pricing        PricingConfig        `yaml:"pricing"`
	Alerting       AlertingConfig       `yaml:"alerting"`
	API            APIConfig            `yaml:"api"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StreamConnection is one upstream WebSocket endpoint. IDs must be unique;
// they key the fault-tolerance breakers and the connections API.
type StreamConnection struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

type StreamConfig struct {
	Connections []StreamConnection `yaml:"connections"`
	// WatchAccounts are bonding-curve account pubkeys to subscribe for
	// ground-truth reserve snapshots.
	WatchAccounts []string `yaml:"watch_accounts"`

	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`
	ReadTimeoutSec      int `yaml:"read_timeout_sec"`
	WriteTimeoutSec     int `yaml:"write_timeout_sec"`
	PingIntervalSec     int `yaml:"ping_interval_sec"`
}

type FaultToleranceConfig struct {
	FailureThreshold     int `yaml:"failure_threshold"`
	CooldownSec          int `yaml:"cooldown_sec"`
	BaseReconnectDelayMs int `yaml:"base_reconnect_delay_ms"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

type PipelineConfig struct {
	BatchMaxSize         int `yaml:"batch_max_size"`
	BatchFlushIntervalMs int `yaml:"batch_flush_interval_ms"`
	Workers              int `yaml:"workers"`
	MaxRetries           int `yaml:"max_retries"`
	RetryDelayMs         int `yaml:"retry_delay_ms"`

	ParseFailureAlertThreshold int `yaml:"parse_failure_alert_threshold"`
	ParseFailureWindowSec      int `yaml:"parse_failure_window_sec"`

	// Cron specs with a seconds field.
	ForkSweepSpec       string `yaml:"fork_sweep_spec"`
	ChainValidationSpec string `yaml:"chain_validation_spec"`
	PoolSweepSpec       string `yaml:"pool_sweep_spec"`

	PoolRetentionHours int `yaml:"pool_retention_hours"`
}

type StorageConfig struct {
	// Backend selects the trade and fork stores: "memory" or "postgres".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// ClickHouseDSN enables the trade archive when set.
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
}

type PricingConfig struct {
	Endpoint        string `yaml:"endpoint"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
}

type AlertingConfig struct {
	CooldownSec int `yaml:"cooldown_sec"`
	MaxHistory  int `yaml:"max_history"`

	WebhookURL        string  `yaml:"webhook_url"`
	WebhookRatePerSec float64 `yaml:"webhook_rate_per_sec"`
	WebhookBurst      int     `yaml:"webhook_burst"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Load reads the YAML file at path (optional, "" skips it), then applies
// environment overrides on top, then validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		MonitorID: "monitor-1",
		Log:       LogConfig{Level: "info"},
		Stream: StreamConfig{
			HandshakeTimeoutSec: 10,
			ReadTimeoutSec:      60,
			WriteTimeoutSec:     10,
			PingIntervalSec:     30,
		},
		FaultTolerance: FaultToleranceConfig{
			FailureThreshold:     5,
			CooldownSec:          30,
			BaseReconnectDelayMs: 500,
			MaxReconnectAttempts: 10,
		},
		Pipeline: PipelineConfig{
			BatchMaxSize:               50,
			BatchFlushIntervalMs:       500,
			Workers:                    8,
			MaxRetries:                 3,
			RetryDelayMs:               50,
			ParseFailureAlertThreshold: 25,
			ParseFailureWindowSec:      60,
			ForkSweepSpec:              "*/5 * * * * *",
			ChainValidationSpec:        "*/30 * * * * *",
			PoolSweepSpec:              "0 * * * * *",
			PoolRetentionHours:         24,
		},
		Storage: StorageConfig{Backend: BackendMemory},
		Pricing: PricingConfig{PollIntervalSec: 30},
		Alerting: AlertingConfig{
			CooldownSec:       60,
			MaxHistory:        500,
			WebhookRatePerSec: 1,
			WebhookBurst:      5,
		},
		API: APIConfig{Addr: ":8080"},
	}
}

// applyEnv lets deployment environments override the file without editing
// it. WS_ENDPOINT replaces the whole connection list with a single primary.
func (c *Config) applyEnv() {
	if v := getEnv("MONITOR_ID", ""); v != "" {
		c.MonitorID = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.Log.Level = v
	}
	if v := getEnv("WS_ENDPOINT", ""); v != "" {
		c.Stream.Connections = []StreamConnection{{ID: "primary", Endpoint: v}}
	}
	if v := getEnv("WATCH_ACCOUNTS", ""); v != "" {
		c.Stream.WatchAccounts = splitList(v)
	}
	if v := getEnv("STORAGE_BACKEND", ""); v != "" {
		c.Storage.Backend = v
	}
	if v := getEnv("POSTGRES_DSN", ""); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := getEnv("CLICKHOUSE_DSN", ""); v != "" {
		c.Storage.ClickHouseDSN = v
	}
	if v := getEnv("PRICE_ENDPOINT", ""); v != "" {
		c.Pricing.Endpoint = v
	}
	if v := getEnv("ALERT_WEBHOOK_URL", ""); v != "" {
		c.Alerting.WebhookURL = v
	}
	if v := getEnv("API_ADDR", ""); v != "" {
		c.API.Addr = v
	}
	c.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", c.Pipeline.Workers)
	c.Pipeline.BatchMaxSize = getEnvInt("BATCH_MAX_SIZE", c.Pipeline.BatchMaxSize)
}

func (c *Config) validate() error {
	if len(c.Stream.Connections) == 0 {
		return fmt.Errorf("stream.connections is required (or set WS_ENDPOINT)")
	}
	seen := make(map[string]bool, len(c.Stream.Connections))
	for _, conn := range c.Stream.Connections {
		if conn.ID == "" || conn.Endpoint == "" {
			return fmt.Errorf("stream connection needs both id and endpoint")
		}
		if seen[conn.ID] {
			return fmt.Errorf("duplicate stream connection id %q", conn.ID)
		}
		seen[conn.ID] = true
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required with the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
