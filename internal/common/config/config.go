// Package config provides configuration management for the agenthive broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Session   SessionConfig   `mapstructure:"session"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds transport configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ReadTimeout   int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout  int    `mapstructure:"writeTimeout"` // in seconds
	InterfaceMode string `mapstructure:"interfaceMode"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MCPConfig holds downstream MCP server supervision configuration.
type MCPConfig struct {
	ConfigFile       string `mapstructure:"configFile"`
	DiscoveryTimeout int    `mapstructure:"discoveryTimeout"` // in seconds
	CallTimeout      int    `mapstructure:"callTimeout"`      // in seconds
	RestartDelay     int    `mapstructure:"restartDelay"`     // in milliseconds
}

// SessionConfig holds session token configuration.
type SessionConfig struct {
	TTLMinutes    int `mapstructure:"ttlMinutes"`
	SweepInterval int `mapstructure:"sweepInterval"` // in seconds
}

// HeartbeatConfig holds agent liveness configuration.
type HeartbeatConfig struct {
	Interval         int `mapstructure:"interval"`         // scheduler period, in seconds
	OfflineThreshold int `mapstructure:"offlineThreshold"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// InterfaceModes describes which transports are enabled.
type InterfaceModes struct {
	Stdio     bool
	HTTP      bool
	WebSocket bool
}

// Modes parses the interfaceMode string. Accepted values: "stdio", "http",
// "websocket", "all", "remote", or comma-separated combinations
// ("stdio,http"). Unknown entries are ignored; an empty result falls back
// to stdio so the broker always answers on at least one interface.
func (s *ServerConfig) Modes() InterfaceModes {
	var m InterfaceModes
	for _, part := range strings.Split(s.InterfaceMode, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "stdio":
			m.Stdio = true
		case "http":
			m.HTTP = true
		case "websocket", "ws":
			m.WebSocket = true
		case "all":
			m.Stdio = true
			m.HTTP = true
			m.WebSocket = true
		case "remote":
			m.HTTP = true
			m.WebSocket = true
		}
	}
	if !m.Stdio && !m.HTTP && !m.WebSocket {
		m.Stdio = true
	}
	return m
}

// DiscoveryTimeoutDuration returns the downstream discovery timeout.
func (m *MCPConfig) DiscoveryTimeoutDuration() time.Duration {
	return time.Duration(m.DiscoveryTimeout) * time.Second
}

// CallTimeoutDuration returns the downstream tool-call timeout.
func (m *MCPConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(m.CallTimeout) * time.Second
}

// RestartDelayDuration returns the child restart delay.
func (m *MCPConfig) RestartDelayDuration() time.Duration {
	return time.Duration(m.RestartDelay) * time.Millisecond
}

// TTL returns the session lifetime as a time.Duration.
func (s *SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// SweepIntervalDuration returns the expired-session sweep period.
func (s *SessionConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// IntervalDuration returns the heartbeat scheduler period.
func (h *HeartbeatConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// OfflineThresholdDuration returns the liveness cutoff.
func (h *HeartbeatConfig) OfflineThresholdDuration() time.Duration {
	return time.Duration(h.OfflineThreshold) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AGENTHIVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8700)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.interfaceMode", "stdio")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agenthive-broker")
	v.SetDefault("nats.maxReconnects", 10)

	// Downstream MCP server defaults
	v.SetDefault("mcp.configFile", "mcp_servers.json")
	v.SetDefault("mcp.discoveryTimeout", 5)
	v.SetDefault("mcp.callTimeout", 30)
	v.SetDefault("mcp.restartDelay", 1000)

	// Session defaults
	v.SetDefault("session.ttlMinutes", 60)
	v.SetDefault("session.sweepInterval", 300)

	// Heartbeat defaults
	v.SetDefault("heartbeat.interval", 10)
	v.SetDefault("heartbeat.offlineThreshold", 30)

	// Logging defaults; stderr keeps stdout clean for the stdio transport
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MCP_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agenthive/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("mcp.configFile", "MCP_CONFIG_FILE")
	_ = v.BindEnv("server.interfaceMode", "MCP_INTERFACE_MODE")
	_ = v.BindEnv("server.port", "MCP_HTTP_PORT")
	_ = v.BindEnv("server.host", "MCP_HTTP_HOST")
	_ = v.BindEnv("nats.url", "MCP_NATS_URL")
	_ = v.BindEnv("logging.level", "MCP_LOG_LEVEL")
	_ = v.BindEnv("logging.outputPath", "MCP_LOG_OUTPUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agenthive/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.MCP.ConfigFile == "" {
		errs = append(errs, "mcp.configFile must not be empty")
	}
	if cfg.MCP.DiscoveryTimeout <= 0 {
		errs = append(errs, "mcp.discoveryTimeout must be positive")
	}
	if cfg.MCP.CallTimeout <= 0 {
		errs = append(errs, "mcp.callTimeout must be positive")
	}

	if cfg.Session.TTLMinutes <= 0 {
		errs = append(errs, "session.ttlMinutes must be positive")
	}
	if cfg.Session.SweepInterval <= 0 {
		errs = append(errs, "session.sweepInterval must be positive")
	}

	if cfg.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if cfg.Heartbeat.OfflineThreshold <= 0 {
		errs = append(errs, "heartbeat.offlineThreshold must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
