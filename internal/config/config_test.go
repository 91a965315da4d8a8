package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
comfy:
  host: "10.0.0.5"
  port: 9188
  workflow: "flows/portrait.json"
  output_node: "42"
relay:
  port: 9190
  allowed_origins:
    - "http://localhost:1880"
execution:
  receive_timeout: 90s
artifact:
  max_attempts: 4
sinks:
  mqtt:
    enabled: true
    broker: "broker.local:1883"
    qos: 1
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Comfy.Host != "10.0.0.5" {
		t.Errorf("Comfy.Host = %q, want %q", cfg.Comfy.Host, "10.0.0.5")
	}
	if cfg.Comfy.Port != 9188 {
		t.Errorf("Comfy.Port = %d, want 9188", cfg.Comfy.Port)
	}
	if cfg.Comfy.OutputNode != "42" {
		t.Errorf("Comfy.OutputNode = %q, want %q", cfg.Comfy.OutputNode, "42")
	}
	if cfg.Relay.Port != 9190 {
		t.Errorf("Relay.Port = %d, want 9190", cfg.Relay.Port)
	}
	if len(cfg.Relay.AllowedOrigins) != 1 || cfg.Relay.AllowedOrigins[0] != "http://localhost:1880" {
		t.Errorf("Relay.AllowedOrigins = %v", cfg.Relay.AllowedOrigins)
	}
	if cfg.Execution.ReceiveTimeout != 90*time.Second {
		t.Errorf("Execution.ReceiveTimeout = %v, want 90s", cfg.Execution.ReceiveTimeout)
	}
	if cfg.Artifact.MaxAttempts != 4 {
		t.Errorf("Artifact.MaxAttempts = %d, want 4", cfg.Artifact.MaxAttempts)
	}
	if !cfg.Sinks.MQTT.Enabled || cfg.Sinks.MQTT.Broker != "broker.local:1883" || cfg.Sinks.MQTT.QoS != 1 {
		t.Errorf("Sinks.MQTT = %+v", cfg.Sinks.MQTT)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.HTTP.Port != 8189 {
		t.Errorf("HTTP.Port = %d, want default 8189", cfg.HTTP.Port)
	}
	if cfg.Execution.SettleDelay != 3*time.Second {
		t.Errorf("Execution.SettleDelay = %v, want default 3s", cfg.Execution.SettleDelay)
	}
	if cfg.Execution.OverallTimeout != 300*time.Second {
		t.Errorf("Execution.OverallTimeout = %v, want default 300s", cfg.Execution.OverallTimeout)
	}
	if cfg.Artifact.StepDelay != 500*time.Millisecond {
		t.Errorf("Artifact.StepDelay = %v, want default 500ms", cfg.Artifact.StepDelay)
	}
	if cfg.Sinks.MQTT.TopicPrefix != "comfy" {
		t.Errorf("Sinks.MQTT.TopicPrefix = %q, want default %q", cfg.Sinks.MQTT.TopicPrefix, "comfy")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("comfy: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() on invalid yaml should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Comfy.Port != 8188 {
		t.Errorf("Comfy.Port = %d, want default 8188", cfg.Comfy.Port)
	}
	if cfg.Comfy.OutputNode != DefaultOutputNode {
		t.Errorf("Comfy.OutputNode = %q, want default %q", cfg.Comfy.OutputNode, DefaultOutputNode)
	}
	if cfg.Relay.Port != 8190 {
		t.Errorf("Relay.Port = %d, want default 8190", cfg.Relay.Port)
	}
	if cfg.Artifact.MaxAttempts != 12 {
		t.Errorf("Artifact.MaxAttempts = %d, want default 12", cfg.Artifact.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("COMFY_HOST", "gpu-box")
	t.Setenv("COMFY_PORT", "7000")
	t.Setenv("RELAY_PORT", "7002")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	cfg := defaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}

	if cfg.Comfy.Host != "gpu-box" {
		t.Errorf("Comfy.Host = %q, want %q", cfg.Comfy.Host, "gpu-box")
	}
	if cfg.Comfy.Port != 7000 {
		t.Errorf("Comfy.Port = %d, want 7000", cfg.Comfy.Port)
	}
	if cfg.Relay.Port != 7002 {
		t.Errorf("Relay.Port = %d, want 7002", cfg.Relay.Port)
	}
	if !cfg.Sinks.Redis.Enabled || cfg.Sinks.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("Sinks.Redis = %+v, want enabled with env url", cfg.Sinks.Redis)
	}
	if cfg.BackendURL() != "http://gpu-box:7000" {
		t.Errorf("BackendURL() = %q", cfg.BackendURL())
	}
	if cfg.BackendSocketURL() != "ws://gpu-box:7000/ws" {
		t.Errorf("BackendSocketURL() = %q", cfg.BackendSocketURL())
	}
}

func TestApplyEnvBadPort(t *testing.T) {
	t.Setenv("HTTP_PORT", "eighty")

	cfg := defaultConfig()
	if err := ApplyEnv(cfg); err == nil {
		t.Fatal("ApplyEnv() with non-numeric port should return error")
	}
	if cfg.HTTP.Port != 8189 {
		t.Errorf("HTTP.Port = %d, should keep default on parse error", cfg.HTTP.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"PortZero", func(c *Config) { c.Comfy.Port = 0 }},
		{"PortTooLarge", func(c *Config) { c.Relay.Port = 70000 }},
		{"EmptyHost", func(c *Config) { c.Comfy.Host = "" }},
		{"EmptyOutputNode", func(c *Config) { c.Comfy.OutputNode = "" }},
		{"ZeroReceiveTimeout", func(c *Config) { c.Execution.ReceiveTimeout = 0 }},
		{"ZeroAttempts", func(c *Config) { c.Artifact.MaxAttempts = 0 }},
		{"ZeroThreshold", func(c *Config) { c.Monitor.FailureThreshold = 0 }},
		{"ZeroSendBuffer", func(c *Config) { c.Relay.SendBuffer = 0 }},
		{"NegativeMaxClients", func(c *Config) { c.Relay.MaxClients = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
