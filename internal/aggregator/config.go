package aggregator

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

// Config is the aggregator's full TOML configuration surface.
type Config struct {
	LogLevel  string          `toml:"log_level"` // debug|info|warn|error
	Database  DatabaseConfig  `toml:"database"`
	API       APIConfig       `toml:"api"`
	Collector CollectorConfig `toml:"collector"`
	Rollup    RollupConfig    `toml:"aggregator"`
	Retention RetentionConfig `toml:"retention"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	AdminToken  string   `toml:"admin_token"`
}

type CollectorConfig struct {
	Interval   Duration `toml:"interval"`
	Timeout    Duration `toml:"timeout"`
	RetryCount int      `toml:"retry_count"`
	RetryDelay Duration `toml:"retry_delay"`
}

type RollupConfig struct {
	PeriodHours int  `toml:"period_hours"`
	AlignToHour bool `toml:"align_to_hour"`
}

type RetentionConfig struct {
	Days        int `toml:"days"`
	CleanupHour int `toml:"cleanup_hour"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg, md)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config, md toml.MetaData) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/gpu-monitor/aggregator.db"
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8000
	}
	if cfg.API.AdminToken == "" {
		cfg.API.AdminToken = "dev"
	}
	if !md.IsDefined("collector", "interval") {
		cfg.Collector.Interval.Duration = 5 * time.Second
	}
	if !md.IsDefined("collector", "timeout") {
		cfg.Collector.Timeout.Duration = 2 * time.Second
	}
	if !md.IsDefined("collector", "retry_count") {
		cfg.Collector.RetryCount = 0
	}
	if cfg.Rollup.PeriodHours == 0 {
		cfg.Rollup.PeriodHours = 1
	}
	if !md.IsDefined("aggregator", "align_to_hour") {
		cfg.Rollup.AlignToHour = true
	}
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 30
	}
	if !md.IsDefined("retention", "cleanup_hour") {
		cfg.Retention.CleanupHour = 3
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", cfg.API.Port)
	}
	if cfg.Collector.Interval.Duration < 1*time.Second {
		return fmt.Errorf("collector.interval must be >= 1s")
	}
	if cfg.Collector.Timeout.Duration < 1*time.Second {
		return fmt.Errorf("collector.timeout must be >= 1s")
	}
	if cfg.Retention.Days < 1 {
		return fmt.Errorf("retention.days must be >= 1")
	}
	if cfg.Retention.CleanupHour < 0 || cfg.Retention.CleanupHour > 23 {
		return fmt.Errorf("retention.cleanup_hour must be in [0,23]")
	}
	// admin_token == "dev" is the documented development-mode bypass value;
	// every other value is treated as a real secret.
	return nil
}

// DevModeBypass reports whether the configured admin token is the
// placeholder development value, which skips auth on write endpoints.
func (c *Config) DevModeBypass() bool {
	return c.API.AdminToken == "dev"
}
