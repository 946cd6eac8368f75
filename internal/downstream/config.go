package downstream

import (
	"encoding/json"
	"fmt"
	"os"
)

// Server types. HTTP servers are accepted in config but not dialed for
// tool discovery; the transport is reserved.
const (
	TypeStdio = "stdio"
	TypeHTTP  = "http"
)

// ServerConfig describes one downstream MCP server.
type ServerConfig struct {
	Type        string            `json:"type"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	AutoRestart bool              `json:"auto_restart"`
	Description string            `json:"description,omitempty"`
}

// Config is the on-disk shape of the downstream server file.
type Config struct {
	Servers map[string]ServerConfig `json:"servers"`
}

// DefaultConfig returns the built-in server set used when no config file
// exists: the reference memory, sequential-thinking, and library-docs
// servers, all spawned with npx over stdio.
func DefaultConfig() *Config {
	return &Config{
		Servers: map[string]ServerConfig{
			"memory": {
				Type:        TypeStdio,
				Command:     "npx",
				Args:        []string{"-y", "@modelcontextprotocol/server-memory"},
				AutoRestart: true,
				Description: "Knowledge graph memory server",
			},
			"sequential-thinking": {
				Type:        TypeStdio,
				Command:     "npx",
				Args:        []string{"-y", "@modelcontextprotocol/server-sequential-thinking"},
				AutoRestart: true,
				Description: "Step-by-step reasoning server",
			},
			"context7": {
				Type:        TypeStdio,
				Command:     "npx",
				Args:        []string{"-y", "@upstash/context7-mcp"},
				AutoRestart: true,
				Description: "Library documentation lookup server",
			},
		},
	}
}

// LoadConfig reads the downstream server file at path. A missing file
// yields the built-in defaults; a malformed file is an error so a typo
// never silently drops servers.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read downstream config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse downstream config %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	for name, server := range cfg.Servers {
		if server.Type == "" {
			server.Type = TypeStdio
			cfg.Servers[name] = server
		}
	}
	return &cfg, nil
}

// Validate checks that a server entry is startable.
func (s ServerConfig) Validate(name string) error {
	switch s.Type {
	case TypeStdio:
		if s.Command == "" {
			return fmt.Errorf("server %s: stdio type requires a command", name)
		}
	case TypeHTTP:
		if s.URL == "" {
			return fmt.Errorf("server %s: http type requires a url", name)
		}
	default:
		return fmt.Errorf("server %s: unknown type %q", name, s.Type)
	}
	return nil
}
