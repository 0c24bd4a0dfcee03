package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Feed    FeedConfig    `yaml:"feed"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig holds cache store settings.
type StorageConfig struct {
	Path string `yaml:"path"`
	// PendingFoldBound is how many folds an event with an unresolved target
	// survives before being dropped as an anomaly.
	PendingFoldBound int `yaml:"pending_fold_bound"`
	// MaxSize is a soft threshold; crossing it only logs a warning.
	// Accepts humanized values ("2GB").
	MaxSize Size `yaml:"max_size"`
}

// SyncConfig holds archive catch-up settings.
type SyncConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Endpoint          string   `yaml:"endpoint"`
	Cron              string   `yaml:"cron"`
	PageSize          int      `yaml:"page_size"`
	InitialDepthPages int      `yaml:"initial_depth_pages"`
	MaxCatchupWindow  Duration `yaml:"max_catchup_window"`
	RetryAttempts     int      `yaml:"retry_attempts"`
	RetryBackoff      Duration `yaml:"retry_backoff"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	RateRPS           float64  `yaml:"rate_rps"`
	RateBurst         int      `yaml:"rate_burst"`
	VersionHint       string   `yaml:"version_hint"`
}

// FeedConfig holds live event stream settings.
type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the optional prometheus listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Duration parses yaml values like "500ms" or "168h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Size parses yaml values like "512MB" via humanize.
type Size uint64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*s = 0
		return nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) Bytes() uint64 { return uint64(s) }
