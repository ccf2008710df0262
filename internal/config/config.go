/*
config.go - Application configuration

PURPOSE:
  One Config struct for the server and the CLI.

LOAD ORDER (later wins):
  1. Defaults()
  2. Config file, TOML or YAML by extension (.toml, .yaml, .yml)
  3. LEDGER_* environment variables
  4. Command-line flags (applied by the caller)
  5. Validate()

EXAMPLE (ledger.toml):
  [server]
  port = 8080

  [database]
  driver = "sqlite"
  path = "ledger.db"

  [checkin]
  timezone = "America/New_York"

  [rewards]
  checkin_points = 10
  referrer_cashback_percent = "2.5"   # decimals are strings

ENVIRONMENT:
  LEDGER_PORT, LEDGER_DB_DRIVER, LEDGER_DB_PATH, LEDGER_DB_DSN,
  LEDGER_LOG_LEVEL, LEDGER_LOG_FORMAT, LEDGER_TRACING_ENABLED,
  LEDGER_TRACING_ENDPOINT, LEDGER_CACHE_BACKEND, LEDGER_REDIS_ADDR,
  LEDGER_TIMEZONE, LEDGER_REVIEWS_AUTO_APPROVE, LEDGER_SCHEDULER_ENABLED,
  LEDGER_SCHEDULER_INTERVAL, LEDGER_ALLOWED_ORIGINS
*/
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/warp/rewards-ledger/rewards"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Database  DatabaseConfig  `toml:"database" yaml:"database"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Tracing   TracingConfig   `toml:"tracing" yaml:"tracing"`
	Cache     CacheConfig     `toml:"cache" yaml:"cache"`
	Ledger    LedgerConfig    `toml:"ledger" yaml:"ledger"`
	Rewards   rewards.Rules   `toml:"rewards" yaml:"rewards"`
	Checkin   CheckinConfig   `toml:"checkin" yaml:"checkin"`
	Reviews   ReviewsConfig   `toml:"reviews" yaml:"reviews"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
}

type ServerConfig struct {
	Port           int      `toml:"port" yaml:"port"`
	Host           string   `toml:"host" yaml:"host"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	ReadTimeout    Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   Duration `toml:"write_timeout" yaml:"write_timeout"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type DatabaseConfig struct {
	Driver   string `toml:"driver" yaml:"driver"`
	Path     string `toml:"path" yaml:"path"` // sqlite; ":memory:" for in-memory
	DSN      string `toml:"dsn" yaml:"dsn"`   // postgres
	MaxConns int    `toml:"max_conns" yaml:"max_conns"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level" yaml:"level"`
	Format    string     `toml:"format" yaml:"format"` // text or json
	AddSource bool       `toml:"add_source" yaml:"add_source"`
}

type TracingConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	Environment string `toml:"environment" yaml:"environment"`
}

const (
	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"
)

type CacheConfig struct {
	Backend string      `toml:"backend" yaml:"backend"`
	Size    int         `toml:"size" yaml:"size"`
	TTL     Duration    `toml:"ttl" yaml:"ttl"`
	Redis   RedisConfig `toml:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	Prefix   string `toml:"prefix" yaml:"prefix"`
}

type LedgerConfig struct {
	UnitTimeout Duration `toml:"unit_timeout" yaml:"unit_timeout"`
}

type CheckinConfig struct {
	Timezone string `toml:"timezone" yaml:"timezone"` // IANA name
}

type ReviewsConfig struct {
	MaxPending  int  `toml:"max_pending" yaml:"max_pending"`
	AutoApprove bool `toml:"auto_approve" yaml:"auto_approve"`
}

type SchedulerConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Interval    Duration `toml:"interval" yaml:"interval"`
	Concurrency int      `toml:"concurrency" yaml:"concurrency"`
}

// Duration is a time.Duration written as "90s" or "1h" in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
			ReadTimeout:    Duration{15 * time.Second},
			WriteTimeout:   Duration{15 * time.Second},
		},
		Database: DatabaseConfig{
			Driver:   DriverSQLite,
			Path:     "ledger.db",
			MaxConns: 10,
		},
		Log: LogConfig{
			Level:  slog.LevelInfo,
			Format: "text",
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			ServiceName: "rewards-ledger",
			Environment: "development",
		},
		Cache: CacheConfig{
			Backend: CacheLRU,
			Size:    256,
			TTL:     Duration{5 * time.Minute},
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "ledger:"},
		},
		Ledger:    LedgerConfig{UnitTimeout: Duration{5 * time.Second}},
		Rewards:   rewards.DefaultRules(),
		Checkin:   CheckinConfig{Timezone: "UTC"},
		Reviews:   ReviewsConfig{MaxPending: 5},
		Scheduler: SchedulerConfig{Enabled: true, Interval: Duration{time.Hour}, Concurrency: 4},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the configuration from defaults, an optional file and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", ext)
	}
}

func overrideFromEnv(cfg *Config) error {
	var errs []string
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			}
		}
	}

	setInt("LEDGER_PORT", &cfg.Server.Port)
	setString("LEDGER_DB_DRIVER", &cfg.Database.Driver)
	setString("LEDGER_DB_PATH", &cfg.Database.Path)
	setString("LEDGER_DB_DSN", &cfg.Database.DSN)
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		if err := cfg.Log.Level.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Sprintf("LEDGER_LOG_LEVEL: %v", err))
		}
	}
	setString("LEDGER_LOG_FORMAT", &cfg.Log.Format)
	setBool("LEDGER_TRACING_ENABLED", &cfg.Tracing.Enabled)
	setString("LEDGER_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	setString("LEDGER_CACHE_BACKEND", &cfg.Cache.Backend)
	setString("LEDGER_REDIS_ADDR", &cfg.Cache.Redis.Addr)
	setString("LEDGER_TIMEZONE", &cfg.Checkin.Timezone)
	setBool("LEDGER_REVIEWS_AUTO_APPROVE", &cfg.Reviews.AutoApprove)
	setBool("LEDGER_SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	setDuration("LEDGER_SCHEDULER_INTERVAL", &cfg.Scheduler.Interval)
	if v := os.Getenv("LEDGER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		return fmt.Errorf("log format must be text or json, got %q", f)
	}
	switch c.Cache.Backend {
	case CacheNone, CacheLRU, CacheRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Ledger.UnitTimeout.Duration <= 0 {
		return fmt.Errorf("ledger unit timeout must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Reviews.MaxPending <= 0 {
		return fmt.Errorf("reviews max_pending must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval.Duration <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if err := c.Rewards.Validate(); err != nil {
		return fmt.Errorf("rewards: %w", err)
	}
	return nil
}

// Location resolves the check-in reference timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Checkin.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid checkin timezone %q: %w", c.Checkin.Timezone, err)
	}
	return loc, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
