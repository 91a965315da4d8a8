package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultOutputNode is the node id of the workflow's save-image node when
// none is configured.
const DefaultOutputNode = "9"

type Config struct {
	Comfy     ComfyConfig     `yaml:"comfy"`
	HTTP      ServerConfig    `yaml:"http_server"`
	Relay     RelayConfig     `yaml:"relay"`
	Execution ExecutionConfig `yaml:"execution"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Log       LogConfig       `yaml:"log"`
	Sinks     SinksConfig     `yaml:"sinks"`
}

type ComfyConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Workflow   string `yaml:"workflow"`
	OutputNode string `yaml:"output_node"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type RelayConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	SendBuffer     int      `yaml:"send_buffer"`
	// MaxClients caps concurrent subscriber sockets; 0 means unlimited.
	MaxClients int `yaml:"max_clients"`
}

type ExecutionConfig struct {
	ReceiveTimeout   time.Duration `yaml:"receive_timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	DrainDelay       time.Duration `yaml:"drain_delay"`
	OverallTimeout   time.Duration `yaml:"overall_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type ArtifactConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	StepDelay    time.Duration `yaml:"step_delay"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type MonitorConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type SinksConfig struct {
	MQTT  MQTTSinkConfig  `yaml:"mqtt"`
	Redis RedisSinkConfig `yaml:"redis"`
}

// MQTTSinkConfig publishes relayed events to an MQTT broker, which is how
// Node-RED flows usually consume them.
type MQTTSinkConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type RedisSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

func defaultConfig() *Config {
	return &Config{
		Comfy: ComfyConfig{
			Host:       "127.0.0.1",
			Port:       8188,
			Workflow:   "workflows/workflow_api.json",
			OutputNode: DefaultOutputNode,
		},
		HTTP: ServerConfig{
			Port: 8189,
			Host: "127.0.0.1",
		},
		Relay: RelayConfig{
			Port:       8190,
			Host:       "127.0.0.1",
			SendBuffer: 64,
		},
		Execution: ExecutionConfig{
			ReceiveTimeout:   180 * time.Second,
			SettleDelay:      3 * time.Second,
			DrainDelay:       2 * time.Second,
			OverallTimeout:   300 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Artifact: ArtifactConfig{
			MaxAttempts:  12,
			BaseDelay:    time.Second,
			StepDelay:    500 * time.Millisecond,
			ProbeTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			ProbeInterval:    30 * time.Second,
			FailureThreshold: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Sinks: SinksConfig{
			MQTT: MQTTSinkConfig{
				Broker:      "127.0.0.1:1883",
				ClientID:    "comfy-relay",
				TopicPrefix: "comfy",
			},
			Redis: RedisSinkConfig{
				URL:     "redis://127.0.0.1:6379/0",
				Channel: "comfy:events",
			},
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// envOverrides names the environment variables ApplyEnv reads. Unset
// variables leave the loaded value alone.
type envOverrides struct {
	ComfyHost       string `envconfig:"COMFY_HOST"`
	ComfyPort       *int   `envconfig:"COMFY_PORT"`
	ComfyWorkflow   string `envconfig:"COMFY_WORKFLOW"`
	ComfyOutputNode string `envconfig:"COMFY_OUTPUT_NODE"`
	HTTPPort        *int   `envconfig:"HTTP_PORT"`
	RelayPort       *int   `envconfig:"RELAY_PORT"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	RedisURL        string `envconfig:"REDIS_URL"`
	MQTTBroker      string `envconfig:"MQTT_BROKER"`
}

// ApplyEnv overlays environment variables onto cfg. Unparseable numeric
// values are reported and cfg is left unchanged.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("processing environment: %w", err)
	}

	str := func(v string, dst *string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(v *int, dst *int) {
		if v != nil {
			*dst = *v
		}
	}

	str(env.ComfyHost, &cfg.Comfy.Host)
	str(env.ComfyWorkflow, &cfg.Comfy.Workflow)
	str(env.ComfyOutputNode, &cfg.Comfy.OutputNode)
	str(env.LogLevel, &cfg.Log.Level)
	num(env.ComfyPort, &cfg.Comfy.Port)
	num(env.HTTPPort, &cfg.HTTP.Port)
	num(env.RelayPort, &cfg.Relay.Port)
	if env.RedisURL != "" {
		cfg.Sinks.Redis.URL = env.RedisURL
		cfg.Sinks.Redis.Enabled = true
	}
	if env.MQTTBroker != "" {
		cfg.Sinks.MQTT.Broker = env.MQTTBroker
		cfg.Sinks.MQTT.Enabled = true
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{
		"comfy.port":       c.Comfy.Port,
		"http_server.port": c.HTTP.Port,
		"relay.port":       c.Relay.Port,
	} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: %d out of range", name, port))
		}
	}
	if c.Comfy.Host == "" {
		errs = append(errs, errors.New("comfy.host is required"))
	}
	if c.Comfy.OutputNode == "" {
		errs = append(errs, errors.New("comfy.output_node is required"))
	}
	if c.Execution.ReceiveTimeout <= 0 || c.Execution.OverallTimeout <= 0 {
		errs = append(errs, errors.New("execution timeouts must be positive"))
	}
	if c.Artifact.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("artifact.max_attempts: %d must be positive", c.Artifact.MaxAttempts))
	}
	if c.Relay.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("relay.send_buffer: %d must be positive", c.Relay.SendBuffer))
	}
	if c.Relay.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("relay.max_clients: %d must not be negative", c.Relay.MaxClients))
	}
	if c.Monitor.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("monitor.failure_threshold: %d must be positive", c.Monitor.FailureThreshold))
	}
	return errors.Join(errs...)
}

// BackendURL is the base HTTP address of the generation backend.
func (c *Config) BackendURL() string {
	return fmt.Sprintf("http://%s:%d", c.Comfy.Host, c.Comfy.Port)
}

// BackendSocketURL is the websocket endpoint of the generation backend.
func (c *Config) BackendSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.Comfy.Host, c.Comfy.Port)
}
