// Package config loads bridge configuration from YAML with environment
// variable expansion and a small set of direct env overrides for the knobs
// operators most often change (broker address, ports, command timeout).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root bridge configuration.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Stream  StreamConfig  `yaml:"stream"`
	HTTP    HTTPConfig    `yaml:"http"`
	Command CommandConfig `yaml:"command"`
	Paths   PathsConfig   `yaml:"paths"`
	Reflex  ReflexConfig  `yaml:"reflex"`
	LLM     LLMConfig     `yaml:"llm"`
	MCP     MCPConfig     `yaml:"mcp"`
}

// MCPConfig configures the external tool surface. Port is the SSE listener;
// 0 disables it (stdio mode is a separate subcommand).
type MCPConfig struct {
	Port int `yaml:"port"`
}

// BrokerConfig configures the MQTT adapter.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

// StreamConfig configures the line-delimited JSON socket server.
type StreamConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
}

// HTTPConfig configures the REST surface.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CommandConfig configures the command router.
type CommandConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// PathsConfig holds the persisted-file locations.
type PathsConfig struct {
	DataDir     string `yaml:"data_dir"`
	Devices     string `yaml:"devices"`
	Projections string `yaml:"projections"`
	Routing     string `yaml:"routing"`
	VirtualTool string `yaml:"virtual_tools"`
	ReflexDir   string `yaml:"reflex_dir"`
	History     string `yaml:"history"`
}

// ReflexConfig configures the reflex engine.
type ReflexConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// LLMConfig configures the provider used by reflex llm actions.
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	dataDir := "data"
	return &Config{
		Broker: BrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "saba-bridge",
			Enabled:  true,
		},
		Stream: StreamConfig{
			Host:    "0.0.0.0",
			Port:    8585,
			Enabled: true,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8787,
		},
		Command: CommandConfig{
			Timeout: 15 * time.Second,
		},
		Paths: defaultPaths(dataDir),
		Reflex: ReflexConfig{
			Enabled:      true,
			TickInterval: time.Second,
		},
		LLM: LLMConfig{
			Model: "claude-sonnet-4-20250514",
		},
		MCP: MCPConfig{
			Port: 8788,
		},
	}
}

func defaultPaths(dataDir string) PathsConfig {
	return PathsConfig{
		DataDir:     dataDir,
		Devices:     filepath.Join(dataDir, "devices.json"),
		Projections: filepath.Join(dataDir, "projections.json"),
		Routing:     filepath.Join(dataDir, "routing.json"),
		VirtualTool: filepath.Join(dataDir, "virtual_tools.json"),
		ReflexDir:   filepath.Join(dataDir, "reflexes"),
		History:     filepath.Join(dataDir, "history.db"),
	}
}

// Load reads a YAML config file, expands ${ENV} references, and applies env
// overrides on top. An empty path returns the defaults with env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for values the bridge cannot start with.
func (c *Config) Validate() error {
	if c.Command.Timeout <= 0 {
		return fmt.Errorf("command.timeout must be positive, got %s", c.Command.Timeout)
	}
	if c.Broker.Enabled && c.Broker.Port <= 0 {
		return fmt.Errorf("broker.port must be positive, got %d", c.Broker.Port)
	}
	if c.Stream.Enabled && c.Stream.Port <= 0 {
		return fmt.Errorf("stream.port must be positive, got %d", c.Stream.Port)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SABA_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v, ok := envInt("SABA_BROKER_PORT"); ok {
		cfg.Broker.Port = v
	}
	if v := os.Getenv("SABA_BROKER_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("SABA_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v, ok := envInt("SABA_STREAM_PORT"); ok {
		cfg.Stream.Port = v
	}
	if v, ok := envInt("SABA_HTTP_PORT"); ok {
		cfg.HTTP.Port = v
	}
	if v, ok := envInt("SABA_MCP_PORT"); ok {
		cfg.MCP.Port = v
	}
	if v, ok := envInt("SABA_CMD_TIMEOUT_MS"); ok {
		cfg.Command.Timeout = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("SABA_DATA_DIR"); v != "" {
		cfg.Paths = defaultPaths(v)
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
