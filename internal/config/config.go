// Package config loads the daemon's YAML configuration and applies the
// BROWSER_MCP_PORT environment override documented in spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"helm/internal/logging"
)

const (
	DefaultPort              = 9876
	DefaultKeepaliveTimeout  = 60 * time.Second
	DefaultAgentConnectWait  = 15 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultAgentPingInterval = 25 * time.Second
	DefaultProtocolVersion   = 1
)

// TimeoutConfig holds the daemon's timing knobs, named directly after the
// quantities spec.md §4.3/§4.2 calls out.
type TimeoutConfig struct {
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	AgentConnectWait  time.Duration `yaml:"agent_connect_wait"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	AgentPingInterval time.Duration `yaml:"agent_ping_interval"`
}

// BreakerConfig configures the circuit breaker wrapping the router's
// agent dispatch path.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig bounds how fast a single session may submit commands.
// Zero RatePerSecond means unlimited, the default, to avoid changing
// spec.md's documented behavior unless explicitly configured.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// TracerConfig controls OpenTelemetry span export.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "" (noop)
}

// LockFileConfig controls the PID/lock file path.
type LockFileConfig struct {
	Path string `yaml:"path"`
}

// Config is the daemon's top-level configuration.
type Config struct {
	Port            int             `yaml:"port"`
	ProtocolVersion int             `yaml:"protocol_version"`
	Timeouts        TimeoutConfig   `yaml:"timeouts"`
	Breaker         BreakerConfig   `yaml:"breaker"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Tracer          TracerConfig    `yaml:"tracer"`
	LockFile        LockFileConfig  `yaml:"lock_file"`
	Logger          logging.Config  `yaml:"logger"`
}

// Default returns a Config with every field at its spec-mandated default.
func Default() Config {
	return Config{
		Port:            DefaultPort,
		ProtocolVersion: DefaultProtocolVersion,
		Timeouts: TimeoutConfig{
			KeepaliveTimeout:  DefaultKeepaliveTimeout,
			AgentConnectWait:  DefaultAgentConnectWait,
			RequestTimeout:    DefaultRequestTimeout,
			AgentPingInterval: DefaultAgentPingInterval,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		LockFile: LockFileConfig{Path: defaultLockFilePath()},
		Logger:   logging.Config{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads and parses a YAML config file at path, falling back to
// Default() for any field left unset, then applies environment overrides.
// An empty path returns Default() with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		loaded := Default()
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg = loaded
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv applies BROWSER_MCP_PORT, the one environment override spec.md
// §6 documents.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BROWSER_MCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
}

// Validate checks the config for internally-consistent values, following
// the teacher codebase's practice of a dedicated validation pass distinct
// from unmarshaling.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Timeouts.KeepaliveTimeout <= 0 {
		return fmt.Errorf("config: keepalive_timeout must be positive")
	}
	if c.Timeouts.AgentConnectWait <= 0 {
		return fmt.Errorf("config: agent_connect_wait must be positive")
	}
	if c.Timeouts.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}
	if c.Timeouts.AgentPingInterval <= 0 {
		return fmt.Errorf("config: agent_ping_interval must be positive")
	}
	if c.ProtocolVersion <= 0 {
		return fmt.Errorf("config: protocol_version must be positive")
	}
	if c.RateLimit.RatePerSecond < 0 {
		return fmt.Errorf("config: rate_limit.rate_per_second must be non-negative")
	}
	return nil
}

func defaultLockFilePath() string {
	dir := os.TempDir()
	return dir + "/helmd.lock.json"
}
