package config

import (
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

const (
	defaultDBPath           = "./.threadline"
	defaultSyncCron         = "*/5 * * * *"
	defaultPageSize         = 100
	defaultInitialDepth     = 10
	defaultCatchupWindow    = 7 * 24 * time.Hour
	defaultRetryAttempts    = 3
	defaultRetryBackoff     = 500 * time.Millisecond
	defaultRequestTimeout   = 30 * time.Second
	defaultRateRPS          = 5.0
	defaultRateBurst        = 10
	defaultMetricsAddr      = ":9102"
	defaultPendingFoldBound = 3
)

// Load reads and validates a config file, then applies env overrides. A
// missing path yields pure defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = defaultDBPath
	}
	if c.Storage.PendingFoldBound <= 0 {
		c.Storage.PendingFoldBound = defaultPendingFoldBound
	}
	if c.Sync.Cron == "" {
		c.Sync.Cron = defaultSyncCron
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = defaultPageSize
	}
	if c.Sync.InitialDepthPages <= 0 {
		c.Sync.InitialDepthPages = defaultInitialDepth
	}
	if c.Sync.MaxCatchupWindow <= 0 {
		c.Sync.MaxCatchupWindow = Duration(defaultCatchupWindow)
	}
	if c.Sync.RetryAttempts <= 0 {
		c.Sync.RetryAttempts = defaultRetryAttempts
	}
	if c.Sync.RetryBackoff <= 0 {
		c.Sync.RetryBackoff = Duration(defaultRetryBackoff)
	}
	if c.Sync.RequestTimeout <= 0 {
		c.Sync.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.Sync.RateRPS <= 0 {
		c.Sync.RateRPS = defaultRateRPS
	}
	if c.Sync.RateBurst <= 0 {
		c.Sync.RateBurst = defaultRateBurst
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaultMetricsAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv lets the environment override the values operators most often
// need to change without editing a file.
func (c *Config) applyEnv() {
	if v := os.Getenv("THREADLINE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("THREADLINE_ARCHIVE_ENDPOINT"); v != "" {
		c.Sync.Endpoint = v
	}
	if v := os.Getenv("THREADLINE_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("THREADLINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Sync.Enabled && c.Sync.Endpoint == "" {
		return fmt.Errorf("sync enabled but no endpoint configured")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("feed enabled but no url configured")
	}
	if c.Sync.Cron != "" && !gronx.New().IsValid(c.Sync.Cron) {
		return fmt.Errorf("invalid sync cron %q", c.Sync.Cron)
	}
	return nil
}
