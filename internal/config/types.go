package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the Confluence connection and
// profile source settings once they are loaded.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Confluence ConfluenceConfig `koanf:"confluence"`
	Profiles   ProfilesConfig   `koanf:"profiles"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type ServerCacheConfig struct {
	Backend string                 `koanf:"backend"`
	TTL     CacheTTLConfig         `koanf:"ttl"`
	Redis   ServerRedisCacheConfig `koanf:"redis"`
}

// CacheTTLConfig carries the per-layer cache lifetimes as duration strings.
// Pages and spaces default to 30 minutes, the per-user resolved set to 5.
type CacheTTLConfig struct {
	Pages   string `koanf:"pages"`
	Spaces  string `koanf:"spaces"`
	UserSet string `koanf:"userSet"`
}

// GetTTL parses the configured duration for a cache layer, falling back to
// the supplied default when the string is empty or invalid.
func (c CacheTTLConfig) GetTTL(layer string, fallback time.Duration) time.Duration {
	var raw string
	switch layer {
	case "pages":
		raw = c.Pages
	case "spaces":
		raw = c.Spaces
	case "userSet":
		raw = c.UserSet
	default:
		return fallback
	}
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ConfluenceConfig selects the remote backend and its connection parameters.
// Connection is either "direct" (REST API) or "mcp" (intermediary MCP server).
type ConfluenceConfig struct {
	Connection     string    `koanf:"connection"`
	BaseURL        string    `koanf:"baseUrl"`
	Email          string    `koanf:"email"`
	APIToken       string    `koanf:"apiToken"`
	AuthType       string    `koanf:"authType"`
	ContentFormat  string    `koanf:"contentFormat"`
	TimeoutSeconds int       `koanf:"timeoutSeconds"`
	MCP            MCPConfig `koanf:"mcp"`
}

// MCPConfig carries the intermediary server coordinates for the mcp connection.
type MCPConfig struct {
	Endpoint string `koanf:"endpoint"`
	CloudID  string `koanf:"cloudId"`
}

// Timeout returns the remote call timeout with the documented 30s default.
func (c ConfluenceConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ProfilesConfig announces where user access profiles are sourced.
type ProfilesConfig struct {
	File  string `koanf:"file"`
	Watch bool   `koanf:"watch"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	for _, layer := range []struct {
		name  string
		value string
	}{
		{"server.cache.ttl.pages", c.Server.Cache.TTL.Pages},
		{"server.cache.ttl.spaces", c.Server.Cache.TTL.Spaces},
		{"server.cache.ttl.userSet", c.Server.Cache.TTL.UserSet},
	} {
		if layer.value == "" {
			continue
		}
		if _, err := time.ParseDuration(layer.value); err != nil {
			return fmt.Errorf("config: %s invalid: %q", layer.name, layer.value)
		}
	}

	connection := strings.TrimSpace(strings.ToLower(c.Confluence.Connection))
	switch connection {
	case "", "direct":
		if strings.TrimSpace(c.Confluence.BaseURL) == "" {
			return errors.New("config: confluence.baseUrl required for direct connection")
		}
		if strings.TrimSpace(c.Confluence.APIToken) == "" {
			return errors.New("config: confluence.apiToken required for direct connection")
		}
	case "mcp":
		if strings.TrimSpace(c.Confluence.MCP.Endpoint) == "" {
			return errors.New("config: confluence.mcp.endpoint required for mcp connection")
		}
	default:
		return fmt.Errorf("config: confluence.connection unsupported: %s", c.Confluence.Connection)
	}
	switch strings.TrimSpace(strings.ToLower(c.Confluence.AuthType)) {
	case "", "basic", "bearer":
	default:
		return fmt.Errorf("config: confluence.authType unsupported: %s", c.Confluence.AuthType)
	}
	switch strings.TrimSpace(strings.ToLower(c.Confluence.ContentFormat)) {
	case "", "markdown", "adf":
	default:
		return fmt.Errorf("config: confluence.contentFormat unsupported: %s", c.Confluence.ContentFormat)
	}
	if c.Confluence.TimeoutSeconds < 0 {
		return fmt.Errorf("config: confluence.timeoutSeconds invalid: %d", c.Confluence.TimeoutSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend: "memory",
				TTL: CacheTTLConfig{
					Pages:   "30m",
					Spaces:  "30m",
					UserSet: "5m",
				},
			},
		},
		Confluence: ConfluenceConfig{
			Connection:     "direct",
			AuthType:       "basic",
			ContentFormat:  "markdown",
			TimeoutSeconds: 30,
		},
		Profiles: ProfilesConfig{
			File:  "./profiles.yaml",
			Watch: true,
		},
	}
}
