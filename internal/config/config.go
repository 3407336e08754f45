// Package config loads the inspector's TOML profile: which servers it knows how to reach
// and the client defaults used when talking to them.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport kinds a server entry may use.
const (
	TransportStdIO = "stdio"
	TransportSSE   = "sse"
)

// ServerConfig describes how to reach one server.
type ServerConfig struct {
	Transport string            `toml:"transport"`
	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env"`
	URL       string            `toml:"url"`
}

// ClientConfig holds the identity and defaults of the inspecting client.
type ClientConfig struct {
	Name           string `toml:"name"`
	Version        string `toml:"version"`
	RequestTimeout string `toml:"requestTimeout"`
	HistorySize    int    `toml:"historySize"`

	Timeout time.Duration `toml:"-"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Config aggregates a profile.
type Config struct {
	DefaultServer string                  `toml:"defaultServer"`
	Client        ClientConfig            `toml:"client"`
	Logging       LoggingConfig           `toml:"logging"`
	Servers       map[string]ServerConfig `toml:"servers"`
}

// Load reads a profile from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a profile, filling in defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Server returns the entry called name, or the default server when name is empty.
func (cfg *Config) Server(name string) (ServerConfig, error) {
	if name == "" {
		name = cfg.DefaultServer
	}
	if name == "" {
		return ServerConfig{}, fmt.Errorf("no server named and no defaultServer configured")
	}
	srv, ok := cfg.Servers[name]
	if !ok {
		return ServerConfig{}, fmt.Errorf("unknown server %q", name)
	}
	return srv, nil
}

// SlogLevel maps logging.level to a slog level.
func (cfg *Config) SlogLevel() slog.Level {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (cfg *Config) validate() error {
	if cfg.Client.Name == "" {
		cfg.Client.Name = "mcp-inspect"
	}
	if cfg.Client.Version == "" {
		cfg.Client.Version = "0.1.0"
	}
	if cfg.Client.RequestTimeout != "" {
		d, err := time.ParseDuration(cfg.Client.RequestTimeout)
		if err != nil {
			return fmt.Errorf("client.requestTimeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("client.requestTimeout must not be negative")
		}
		cfg.Client.Timeout = d
	}
	if cfg.Client.HistorySize < 0 {
		return fmt.Errorf("client.historySize must not be negative")
	}

	for name, srv := range cfg.Servers {
		if srv.Transport == "" {
			if srv.URL != "" {
				srv.Transport = TransportSSE
			} else {
				srv.Transport = TransportStdIO
			}
		}
		switch srv.Transport {
		case TransportStdIO:
			if srv.Command == "" {
				return fmt.Errorf("servers.%s.command required", name)
			}
		case TransportSSE:
			if srv.URL == "" {
				return fmt.Errorf("servers.%s.url required", name)
			}
		default:
			return fmt.Errorf("servers.%s.transport: unknown transport %q", name, srv.Transport)
		}
		cfg.Servers[name] = srv
	}

	if cfg.DefaultServer != "" {
		if _, ok := cfg.Servers[cfg.DefaultServer]; !ok {
			return fmt.Errorf("defaultServer %q is not configured", cfg.DefaultServer)
		}
	}
	return nil
}
