package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/CNF6682/GPU-Server-Monitor/internal/wire"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
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

// Config is the agent's full TOML configuration surface.
type Config struct {
	NodeID           string         `toml:"node_id"`
	Listen           string         `toml:"listen"`
	Token            string         `toml:"token"`
	Disks            []string       `toml:"disks"`
	ServicesAllowlist []string      `toml:"services_allowlist"`
	GPU              string         `toml:"gpu"` // auto|off|nvidia
	LogLevel         string         `toml:"log_level"` // debug|info|warn|error
	Proxy            *wire.ProxyConfig `toml:"proxy"`

	Host HostConfig `toml:"host"`
}

// HostConfig controls where the agent reads proc-filesystem data from;
// overridable in tests and for container deployments where /proc is bind-mounted
// elsewhere.
type HostConfig struct {
	Proc string `toml:"proc"`
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
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = hostname
	}
	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:9109"
	}
	if cfg.GPU == "" {
		cfg.GPU = "auto"
	}
	if cfg.Host.Proc == "" {
		cfg.Host.Proc = "/proc"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Proxy != nil && !md.IsDefined("proxy", "center_ssh_port") && cfg.Proxy.CenterSSHPort == 0 {
		cfg.Proxy.CenterSSHPort = 22
	}
}

func validate(cfg *Config) error {
	if cfg.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if cfg.Token == "" {
		return fmt.Errorf("token is required")
	}
	switch cfg.GPU {
	case "auto", "off", "nvidia":
	default:
		return fmt.Errorf("gpu mode must be one of auto|off|nvidia, got %q", cfg.GPU)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}
	if cfg.Proxy != nil && cfg.Proxy.Enabled {
		if cfg.Proxy.ServerListenPort <= 0 || cfg.Proxy.ServerListenPort > 65535 {
			return fmt.Errorf("proxy.server_listen_port out of range")
		}
		if cfg.Proxy.CenterProxyPort <= 0 || cfg.Proxy.CenterProxyPort > 65535 {
			return fmt.Errorf("proxy.center_proxy_port out of range")
		}
		if cfg.Proxy.CenterSSHHost == "" {
			return fmt.Errorf("proxy.center_ssh_host is required when proxy is enabled")
		}
		if cfg.Proxy.CenterSSHUser == "" {
			return fmt.Errorf("proxy.center_ssh_user is required when proxy is enabled")
		}
		if cfg.Proxy.IdentityFile == "" {
			return fmt.Errorf("proxy.identity_file is required when proxy is enabled")
		}
	}
	return nil
}
