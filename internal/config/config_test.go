package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.ProtocolVersion != DefaultProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", cfg.ProtocolVersion, DefaultProtocolVersion)
	}
	if cfg.Timeouts.KeepaliveTimeout != DefaultKeepaliveTimeout {
		t.Errorf("KeepaliveTimeout = %v, want %v", cfg.Timeouts.KeepaliveTimeout, DefaultKeepaliveTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should pass validation: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
}

func TestLoadNonExistentPathErrors(t *testing.T) {
	_, err := Load("/tmp/nonexistent-helmd-config-12345.yaml")
	if err == nil {
		t.Fatal("expected error reading a missing config file")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helmd.yaml")
	content := `
port: 7000
protocol_version: 2
timeouts:
  keepalive_timeout: 45s
  agent_connect_wait: 10s
  request_timeout: 20s
  agent_ping_interval: 15s
rate_limit:
  rate_per_second: 5
  burst: 10
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.Port)
	}
	if cfg.ProtocolVersion != 2 {
		t.Errorf("ProtocolVersion = %d, want 2", cfg.ProtocolVersion)
	}
	if cfg.RateLimit.Burst != 10 {
		t.Errorf("RateLimit.Burst = %d, want 10", cfg.RateLimit.Burst)
	}
	// Fields absent from the YAML keep their Default() values.
	if cfg.Breaker.MaxFailures != 5 {
		t.Errorf("Breaker.MaxFailures = %d, want 5 (default)", cfg.Breaker.MaxFailures)
	}
}

func TestEnvOverridesPort(t *testing.T) {
	t.Setenv("BROWSER_MCP_PORT", "8123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8123 {
		t.Errorf("Port = %d, want 8123 from BROWSER_MCP_PORT", cfg.Port)
	}
}

func TestEnvOverrideIgnoresNonNumeric(t *testing.T) {
	t.Setenv("BROWSER_MCP_PORT", "not-a-port")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want unchanged default %d", cfg.Port, DefaultPort)
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
	}{
		{"keepalive", func(c *Config) { c.Timeouts.KeepaliveTimeout = 0 }},
		{"connect-wait", func(c *Config) { c.Timeouts.AgentConnectWait = 0 }},
		{"request", func(c *Config) { c.Timeouts.RequestTimeout = 0 }},
		{"ping", func(c *Config) { c.Timeouts.AgentPingInterval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for zero %s timeout", tc.name)
			}
		})
	}
}

func TestValidateRejectsNonPositiveProtocolVersion(t *testing.T) {
	cfg := Default()
	cfg.ProtocolVersion = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero protocol_version")
	}
}

func TestValidateRejectsNegativeRate(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.RatePerSecond = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative rate_per_second")
	}
}
