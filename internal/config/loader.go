package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), ParserForFile(path)); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.ttl.userset":      "server.cache.ttl.userSet",
			"server.cache.redis.tls.cafile": "server.cache.redis.tls.caFile",
			"confluence.baseurl":            "confluence.baseUrl",
			"confluence.apitoken":           "confluence.apiToken",
			"confluence.authtype":           "confluence.authType",
			"confluence.contentformat":      "confluence.contentFormat",
			"confluence.timeoutseconds":     "confluence.timeoutSeconds",
			"confluence.mcp.cloudid":        "confluence.mcp.cloudId",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CONFLUENCE__BASEURL -> confluence.baseurl).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so API_TOKEN collapses into apitoken when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParserForFile picks the koanf parser matching the file extension. YAML is
// the default so extensionless paths keep working.
func ParserForFile(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return yaml.Parser()
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"backend": cfg.Server.Cache.Backend,
				"ttl": map[string]any{
					"pages":   cfg.Server.Cache.TTL.Pages,
					"spaces":  cfg.Server.Cache.TTL.Spaces,
					"userSet": cfg.Server.Cache.TTL.UserSet,
				},
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
		"confluence": map[string]any{
			"connection":     cfg.Confluence.Connection,
			"baseUrl":        cfg.Confluence.BaseURL,
			"email":          cfg.Confluence.Email,
			"apiToken":       cfg.Confluence.APIToken,
			"authType":       cfg.Confluence.AuthType,
			"contentFormat":  cfg.Confluence.ContentFormat,
			"timeoutSeconds": cfg.Confluence.TimeoutSeconds,
			"mcp": map[string]any{
				"endpoint": cfg.Confluence.MCP.Endpoint,
				"cloudId":  cfg.Confluence.MCP.CloudID,
			},
		},
		"profiles": map[string]any{
			"file":  cfg.Profiles.File,
			"watch": cfg.Profiles.Watch,
		},
	}
}
