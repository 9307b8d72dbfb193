package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dtningest/internal/logger"
)

// Config represents the application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Influx    InfluxConfig    `yaml:"influx"`
	Redis     RedisConfig     `yaml:"redis"`
	Vendor    VendorConfig    `yaml:"vendor"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   logger.Config   `yaml:"logging"`
}

// AppConfig represents application identity configuration.
type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// InfluxConfig represents the time-series store configuration.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// Bucket holding symbol metadata, separate from market data.
	SymbolBucket string `yaml:"symbol_bucket"`

	Timeout      time.Duration `yaml:"timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig represents the key/value store configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// VendorConfig represents the upstream market-data feed configuration.
type VendorConfig struct {
	HistURL  string `yaml:"hist_url"`
	QuoteURL string `yaml:"quote_url"`

	// Requests per second against the vendor history endpoint.
	RequestRate float64       `yaml:"request_rate"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// IngestionConfig represents ingestion tuning.
type IngestionConfig struct {
	// Default minutes of intraday tick backfill for a fresh live subscription.
	DefaultBackfillMinutes int `yaml:"default_backfill_minutes"`

	// Reconciler periodic tick.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// Worker goroutines draining the vendor message channel.
	LiveWorkers int `yaml:"live_workers"`

	// Fallback global historical job fire time, Eastern.
	ScheduleHour   int `yaml:"schedule_hour"`
	ScheduleMinute int `yaml:"schedule_minute"`
}

// MetricsConfig represents the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Load loads configuration from a YAML file and applies environment
// overrides.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv(NewEnvManager("", ""))
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "dtningest", Env: "development"},
		Influx: InfluxConfig{
			URL:          "http://localhost:8086",
			Org:          "dtn",
			Bucket:       "market_data",
			SymbolBucket: "symbol_management",
			Timeout:      120 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Vendor: VendorConfig{
			RequestRate: 5,
			DialTimeout: 10 * time.Second,
		},
		Ingestion: IngestionConfig{
			DefaultBackfillMinutes: 120,
			ReconcileInterval:      time.Minute,
			LiveWorkers:            4,
			ScheduleHour:           20,
			ScheduleMinute:         1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9180",
			Path:    "/metrics",
		},
		Logging: logger.DefaultConfig,
	}
}

// applyEnv overlays environment variables onto the loaded configuration.
// Secrets accept encrypted values with an ENC: prefix.
func (c *Config) applyEnv(env *EnvManager) {
	c.Influx.URL = env.GetString("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = env.GetEncryptedString("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = env.GetString("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = env.GetString("INFLUX_BUCKET", c.Influx.Bucket)
	c.Influx.SymbolBucket = env.GetString("INFLUX_SYMBOL_BUCKET", c.Influx.SymbolBucket)

	c.Redis.Addr = env.GetString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env.GetEncryptedString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = env.GetInt("REDIS_DB", c.Redis.DB)

	c.Vendor.HistURL = env.GetString("VENDOR_HIST_URL", c.Vendor.HistURL)
	c.Vendor.QuoteURL = env.GetString("VENDOR_QUOTE_URL", c.Vendor.QuoteURL)

	c.Logging.Level = env.GetString("LOG_LEVEL", c.Logging.Level)
}
