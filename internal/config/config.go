// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CONDOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	VIX         VIXConfig         `mapstructure:"vix"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Strategies  StrategiesConfig  `mapstructure:"strategies"`
	Store       StoreConfig       `mapstructure:"store"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// BrokerConfig holds the brokerage gateway endpoint and credentials.
// APIToken is sensitive: set it via CONDOR_API_TOKEN rather than the file.
type BrokerConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIToken  string        `mapstructure:"api_token"`
	AccountID string        `mapstructure:"account_id"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MarketDataConfig holds the streaming feed endpoint and the symbols the
// engine subscribes to. StaleTimeout drives the DataStale global trigger:
// no tick for this long during market hours suspends entries.
type MarketDataConfig struct {
	WSURL        string        `mapstructure:"ws_url"`
	Symbols      []string      `mapstructure:"symbols"`
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
}

// VIXConfig tunes the VIX manager cache.
type VIXConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// CacheConfig tunes the unified cache.
type CacheConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxEntries  int           `mapstructure:"max_entries"`
	MaxMemoryMB int           `mapstructure:"max_memory_mb"`
}

// CoordinatorConfig tunes strategy scheduling.
type CoordinatorConfig struct {
	Throttle time.Duration `mapstructure:"throttle"`
}

// StrategiesConfig holds the per-strategy enable switches.
type StrategiesConfig struct {
	ZeroDTE  bool `mapstructure:"zero_dte"`
	LT112    bool `mapstructure:"lt112"`
	IPMCC    bool `mapstructure:"ipmcc"`
	Strangle bool `mapstructure:"strangle"`
	Ladder   bool `mapstructure:"ladder"`
}

// StoreConfig sets where state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// EngineConfig holds the cron specs for the engine's scheduled jobs.
type EngineConfig struct {
	PersistSpec     string `mapstructure:"persist_spec"`
	MaintenanceSpec string `mapstructure:"maintenance_spec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CONDOR_API_TOKEN, CONDOR_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CONDOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if token := os.Getenv("CONDOR_API_TOKEN"); token != "" {
		cfg.Broker.APIToken = token
	}
	if os.Getenv("CONDOR_DRY_RUN") == "true" || os.Getenv("CONDOR_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills the zero values that have sensible production
// defaults. Required fields stay empty and fail Validate instead.
func (c *Config) applyDefaults() {
	if c.Broker.Timeout <= 0 {
		c.Broker.Timeout = 10 * time.Second
	}
	if c.MarketData.StaleTimeout <= 0 {
		c.MarketData.StaleTimeout = 2 * time.Minute
	}
	if len(c.MarketData.Symbols) == 0 {
		c.MarketData.Symbols = []string{"SPY", "ES", "VIX"}
	}
	if c.VIX.CacheTTL <= 0 {
		c.VIX.CacheTTL = time.Minute
	}
	if c.Engine.PersistSpec == "" {
		c.Engine.PersistSpec = "@every 1m"
	}
	if c.Engine.MaintenanceSpec == "" {
		c.Engine.MaintenanceSpec = "@every 5m"
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "data"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required outside dry-run")
	}
	if !c.DryRun && c.Broker.APIToken == "" {
		return fmt.Errorf("broker.api_token is required outside dry-run (set CONDOR_API_TOKEN)")
	}
	if !c.DryRun && c.MarketData.WSURL == "" {
		return fmt.Errorf("market_data.ws_url is required outside dry-run")
	}
	if c.Cache.MaxMemoryMB < 0 {
		return fmt.Errorf("cache.max_memory_mb must be >= 0")
	}
	if c.Coordinator.Throttle < 0 {
		return fmt.Errorf("coordinator.throttle must be >= 0")
	}
	return nil
}
