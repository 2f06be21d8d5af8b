package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithEnvEndpoint(t *testing.T) {
	t.Setenv("WS_ENDPOINT", "wss://rpc.example.com")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Stream.Connections, 1)
	assert.Equal(t, "primary", cfg.Stream.Connections[0].ID)
	assert.Equal(t, "monitor-1", cfg.MonitorID)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 50, cfg.Pipeline.BatchMaxSize)
	assert.Equal(t, "*/5 * * * * *", cfg.Pipeline.ForkSweepSpec)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfigFile(t, `
monitor_id: monitor-eu-1
stream:
  connections:
    - id: helius
      endpoint: wss://helius.example.com
    - id: triton
      endpoint: wss://triton.example.com
  watch_accounts:
    - CurvePool1111111111111111111111111111111111
pipeline:
  batch_max_size: 200
  workers: 16
storage:
  backend: postgres
  postgres_dsn: postgres://monitor@localhost:5432/pools
alerting:
  webhook_url: https://hooks.example.com/alerts
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor-eu-1", cfg.MonitorID)
	require.Len(t, cfg.Stream.Connections, 2)
	assert.Equal(t, "triton", cfg.Stream.Connections[1].ID)
	assert.Equal(t, 200, cfg.Pipeline.BatchMaxSize)
	assert.Equal(t, 16, cfg.Pipeline.Workers)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "https://hooks.example.com/alerts", cfg.Alerting.WebhookURL)

	// Fields the file does not set keep their defaults.
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
stream:
  connections:
    - id: helius
      endpoint: wss://helius.example.com
storage:
  backend: memory
`)
	t.Setenv("STORAGE_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://monitor@db:5432/pools")
	t.Setenv("BATCH_MAX_SIZE", "10")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://monitor@db:5432/pools", cfg.Storage.PostgresDSN)
	assert.Equal(t, 10, cfg.Pipeline.BatchMaxSize)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("WS_ENDPOINT", "")
	_, err := Load("")
	assert.Error(t, err, "no connections configured")

	path := writeConfigFile(t, `
stream:
  connections:
    - id: a
      endpoint: wss://one.example.com
    - id: a
      endpoint: wss://two.example.com
`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "duplicate stream connection id")

	path = writeConfigFile(t, `
stream:
  connections:
    - id: a
      endpoint: wss://one.example.com
storage:
  backend: postgres
`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "postgres_dsn")
}
