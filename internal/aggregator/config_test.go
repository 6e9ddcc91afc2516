package aggregator

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAggregatorLoadConfigFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	os.WriteFile(path, []byte(`
[database]
path = "/var/lib/gpu-monitor/aggregator.db"

[api]
host = "0.0.0.0"
port = 8443
admin_token = "s3cr3t"

[collector]
interval = "10s"
timeout = "3s"

[aggregator]
period_hours = 1
align_to_hour = true

[retention]
days = 14
cleanup_hour = 2
`), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.API.Port != 8443 {
		t.Errorf("api.port = %d, want 8443", cfg.API.Port)
	}
	if cfg.Collector.Interval.Duration != 10*time.Second {
		t.Errorf("collector.interval = %v, want 10s", cfg.Collector.Interval.Duration)
	}
	if cfg.Retention.Days != 14 {
		t.Errorf("retention.days = %d, want 14", cfg.Retention.Days)
	}
	if cfg.DevModeBypass() {
		t.Error("expected DevModeBypass() false for a real admin token")
	}
}

func TestAggregatorLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	os.WriteFile(path, []byte(""), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.API.AdminToken != "dev" {
		t.Errorf("default admin_token = %q, want dev", cfg.API.AdminToken)
	}
	if !cfg.DevModeBypass() {
		t.Error("expected DevModeBypass() true for the default dev token")
	}
	if cfg.Collector.Interval.Duration != 5*time.Second {
		t.Errorf("default collector.interval = %v, want 5s", cfg.Collector.Interval.Duration)
	}
	if cfg.Retention.Days != 30 {
		t.Errorf("default retention.days = %d, want 30", cfg.Retention.Days)
	}
	if cfg.Retention.CleanupHour != 3 {
		t.Errorf("default retention.cleanup_hour = %d, want 3", cfg.Retention.CleanupHour)
	}
}

func TestAggregatorLoadConfigRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	os.WriteFile(path, []byte(`
[api]
port = 70000
`), 0644)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestAggregatorLoadConfigRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	os.WriteFile(path, []byte(`log_level = "verbose"`), 0644)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}
