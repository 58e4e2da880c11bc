// ABOUTME: Configuration loading and parsing for desk-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete desk-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agent    AgentConfig    `yaml:"agent"`
	VNC      VNCConfig      `yaml:"vnc"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// Disabled turns off bearer token checks entirely. Intended for
	// local compose setups where the gateway is not exposed.
	Disabled bool `yaml:"disabled"`
}

// AgentConfig holds the configuration handed to new agent runtimes
type AgentConfig struct {
	Provider     string `yaml:"provider"` // "anthropic", "comet", ...
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"` // computer-use sidecar address
	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`

	TurnTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TurnTimeoutRaw string `yaml:"turn_timeout"`
}

// VNCConfig holds connection details for the shared VNC display.
// These are surfaced on session detail responses so the client can
// embed the noVNC viewer next to the chat.
type VNCConfig struct {
	Display  string `yaml:"display"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	WebURL   string `yaml:"web_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional fields
func (c *Config) applyDefaults() {
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 5 * time.Minute
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "anthropic"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set auth.disabled)")
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}

	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Agent.TurnTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Agent.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing turn_timeout %q: %w", cfg.Agent.TurnTimeoutRaw, err)
		}
		cfg.Agent.TurnTimeout = d
	}

	return nil
}
