package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, int64(10), cfg.Rewards.CheckinPoints)
	assert.Equal(t, 5, cfg.Reviews.MaxPending)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval.Duration)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "ledger.toml", `
[server]
port = 9090

[database]
driver = "postgres"
dsn = "postgres://ledger@localhost/ledger"

[log]
level = "debug"
format = "json"

[checkin]
timezone = "America/New_York"

[rewards]
checkin_points = 20
referrer_cashback_percent = "3.5"

[scheduler]
interval = "15m"
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, int64(20), cfg.Rewards.CheckinPoints)
	assert.Equal(t, "3.5", cfg.Rewards.ReferrerCashbackPercent.String())
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval.Duration)

	// Untouched sections keep their defaults
	assert.Equal(t, int64(20), cfg.Rewards.ReviewCap)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "ledger.yaml", `
server:
  port: 7070
cache:
  backend: redis
  redis:
    addr: "cache:6379"
reviews:
  max_pending: 3
  auto_approve: true
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, config.CacheRedis, cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 3, cfg.Reviews.MaxPending)
	assert.True(t, cfg.Reviews.AutoApprove)
}

func TestLoad_EnvironmentWinsOverFile(t *testing.T) {
	path := writeFile(t, "ledger.toml", "[server]\nport = 9090\n")
	t.Setenv("LEDGER_PORT", "6060")
	t.Setenv("LEDGER_DB_PATH", "/tmp/other.db")
	t.Setenv("LEDGER_LOG_LEVEL", "warn")
	t.Setenv("LEDGER_SCHEDULER_ENABLED", "false")
	t.Setenv("LEDGER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, slog.LevelWarn, cfg.Log.Level)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		env  map[string]string
	}{
		{name: "unknown extension", file: "ledger.ini", body: "port=1"},
		{name: "unknown field", file: "ledger.toml", body: "[server]\nprot = 1\n"},
		{name: "bad port env", env: map[string]string{"LEDGER_PORT": "eighty"}},
		{name: "bad interval env", env: map[string]string{"LEDGER_SCHEDULER_INTERVAL": "soon"}},
		{name: "unknown driver", env: map[string]string{"LEDGER_DB_DRIVER": "mysql"}},
		{name: "postgres without dsn", env: map[string]string{"LEDGER_DB_DRIVER": "postgres"}},
		{name: "bad timezone", env: map[string]string{"LEDGER_TIMEZONE": "Mars/Olympus"}},
		{name: "bad cache backend", env: map[string]string{"LEDGER_CACHE_BACKEND": "memcached"}},
		{name: "negative reward", file: "ledger.toml", body: "[rewards]\ncheckin_points = -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file, tt.body)
			}

			_, err := config.Load(path)

			assert.Error(t, err)
		})
	}
}
