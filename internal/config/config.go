// Package config loads the gateway's YAML configuration. Values support
// ${ENV_VAR} expansion so secrets stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acashmore/mdfeed/internal/feed"
	"github.com/acashmore/mdfeed/internal/model"
	"github.com/acashmore/mdfeed/internal/pipeline"
	"github.com/acashmore/mdfeed/internal/publish"
	"github.com/acashmore/mdfeed/internal/store"
)

// Config is the root of the gateway configuration.
type Config struct {
	Instance    string            `yaml:"instance"`
	Feeds       []FeedConfig      `yaml:"feeds"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// FeedConfig configures one vendor feed. Vendor-specific fields are only
// read for that vendor.
type FeedConfig struct {
	Vendor  string   `yaml:"vendor"`
	Enabled bool     `yaml:"enabled"`
	Symbols []string `yaml:"symbols"`

	// databento / ice
	APIKey   string `yaml:"api_key"`
	Dataset  string `yaml:"dataset"`
	Schema   string `yaml:"schema"`
	Encoding string `yaml:"encoding"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	URL      string `yaml:"url"`

	// cme
	Group     string `yaml:"group"`
	Interface string `yaml:"interface"`
}

// ReconnectConfig is the shared handler reconnection policy.
type ReconnectConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// PipelineConfig sizes the tick buffer.
type PipelineConfig struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	Capacity        int `yaml:"capacity"`
}

// AggregationConfig controls bar building.
type AggregationConfig struct {
	Timeframe string `yaml:"timeframe"` // Go duration, e.g. "1m"
}

// RedisConfig configures the pub/sub publisher.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
	BatchSize     int    `yaml:"batch_size"`
	FlushMs       int    `yaml:"flush_ms"`
}

// DatabaseConfig configures tick persistence.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

// MetricsConfig configures the Prometheus/health listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads and validates a config file. Environment references in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns a ready-to-run configuration with no feeds.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "mdfeed"
	}
	if c.Reconnect.BaseDelayMs == 0 {
		c.Reconnect.BaseDelayMs = 1000
	}
	if c.Reconnect.MaxDelayMs == 0 {
		c.Reconnect.MaxDelayMs = 60000
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = -1
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = 1000
	}
	if c.Pipeline.FlushIntervalMs == 0 {
		c.Pipeline.FlushIntervalMs = 100
	}
	if c.Pipeline.Capacity == 0 {
		c.Pipeline.Capacity = 65536
	}
	if c.Aggregation.Timeframe == "" {
		c.Aggregation.Timeframe = "1m"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "md"
	}
	if c.Redis.BatchSize == 0 {
		c.Redis.BatchSize = 100
	}
	if c.Redis.FlushMs == 0 {
		c.Redis.FlushMs = 10
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 4
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9100"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, f := range c.Feeds {
		if f.Vendor == "" {
			return fmt.Errorf("feeds[%d]: vendor is required", i)
		}
		switch model.Vendor(f.Vendor) {
		case model.VendorDatabento, model.VendorBloomberg, model.VendorCME, model.VendorICE:
		default:
			return fmt.Errorf("feeds[%d]: unknown vendor %q", i, f.Vendor)
		}
		if seen[f.Vendor] {
			return fmt.Errorf("feeds[%d]: duplicate vendor %q", i, f.Vendor)
		}
		seen[f.Vendor] = true
		if f.Enabled && len(f.Symbols) == 0 {
			return fmt.Errorf("feeds[%d]: enabled feed %q has no symbols", i, f.Vendor)
		}
	}
	if _, err := time.ParseDuration(c.Aggregation.Timeframe); err != nil {
		return fmt.Errorf("aggregation.timeframe: %w", err)
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if c.Pipeline.Capacity < c.Pipeline.BatchSize {
		return fmt.Errorf("pipeline.capacity must be >= batch_size")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

// EnabledFeeds returns only the feeds with enabled: true.
func (c *Config) EnabledFeeds() []FeedConfig {
	var out []FeedConfig
	for _, f := range c.Feeds {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}

// HandlerConfig converts the reconnect section.
func (c *Config) HandlerConfig() feed.HandlerConfig {
	return feed.HandlerConfig{
		ReconnectBaseDelay:   time.Duration(c.Reconnect.BaseDelayMs) * time.Millisecond,
		ReconnectMaxDelay:    time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond,
		MaxReconnectAttempts: c.Reconnect.MaxAttempts,
	}
}

// BufferConfig converts the pipeline section.
func (c *Config) BufferConfig() pipeline.BufferConfig {
	return pipeline.BufferConfig{
		BatchSize:     c.Pipeline.BatchSize,
		FlushInterval: time.Duration(c.Pipeline.FlushIntervalMs) * time.Millisecond,
		Capacity:      c.Pipeline.Capacity,
	}
}

// Timeframe parses the aggregation timeframe. Validate guarantees it parses.
func (c *Config) Timeframe() time.Duration {
	d, _ := time.ParseDuration(c.Aggregation.Timeframe)
	return d
}

// PublisherConfig converts the redis section. Secrets reach the file via
// ${ENV_VAR} expansion in Load.
func (c *Config) PublisherConfig() publish.Config {
	pc := publish.DefaultConfig()
	pc.Host = c.Redis.Host
	pc.Port = c.Redis.Port
	pc.Password = c.Redis.Password
	pc.DB = c.Redis.DB
	pc.ChannelPrefix = c.Redis.ChannelPrefix
	pc.BatchSize = c.Redis.BatchSize
	pc.FlushInterval = time.Duration(c.Redis.FlushMs) * time.Millisecond
	pc.Timeframe = c.Aggregation.Timeframe
	return pc
}

// StoreConfig converts the database section.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Database,
		SSLMode:  c.Database.SSLMode,
		MaxConns: c.Database.MaxConns,
	}
}
