package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	ktoml "github.com/knadh/koanf/parsers/toml"
	kyaml "github.com/knadh/koanf/parsers/yaml"
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
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.store.redis.cafile":         "server.store.redis.tls.caFile",
			"server.store.redis.tls.cafile":     "server.store.redis.tls.caFile",
			"server.cache.ttlseconds":           "server.cache.ttlSeconds",
			"server.cache.peruser":              "server.cache.perUser",
			"server.cache.cacheauthenticated":   "server.cache.cacheAuthenticated",
			"server.cache.identityheader":       "server.cache.identityHeader",
			"server.cache.varyheaders":          "server.cache.varyHeaders",
			"server.cache.contenttypes":         "server.cache.contentTypes",
			"server.cache.mutationmethods":      "server.cache.mutationMethods",
			"server.cache.dynamictags":          "server.cache.dynamicTags",
			"server.cache.ignoresegments":       "server.cache.ignoreSegments",
			"server.cache.normalizeidentifiers": "server.cache.normalizeIdentifiers",
			"server.cache.maxtagdepth":          "server.cache.maxTagDepth",
			"server.breaker.failurethreshold":   "server.breaker.failureThreshold",
			"server.breaker.timeoutseconds":     "server.breaker.timeoutSeconds",
			"server.breaker.slowms":             "server.breaker.slowMs",
			"server.breaker.failurestatuses":    "server.breaker.failureStatuses",
			"server.breaker.fallbackstatus":     "server.breaker.fallbackStatus",
			"server.breaker.fallbacktemplate":   "server.breaker.fallbackTemplate",
			"server.breaker.failurepredicate":   "server.breaker.failurePredicate",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
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

// parserFor picks the file parser from the extension so operators can keep
// configuration in whichever format their tooling emits.
func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return ktoml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format: %s", path)
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
			"upstream": map[string]any{
				"url": cfg.Server.Upstream.URL,
			},
			"store": map[string]any{
				"driver": cfg.Server.Store.Driver,
				"redis": map[string]any{
					"address":  cfg.Server.Store.Redis.Address,
					"username": cfg.Server.Store.Redis.Username,
					"password": cfg.Server.Store.Redis.Password,
					"db":       cfg.Server.Store.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
			},
			"cache": map[string]any{
				"enabled":              cfg.Server.Cache.Enabled,
				"ttlSeconds":           cfg.Server.Cache.TTLSeconds,
				"perUser":              cfg.Server.Cache.PerUser,
				"cacheAuthenticated":   cfg.Server.Cache.CacheAuthenticated,
				"identityHeader":       cfg.Server.Cache.IdentityHeader,
				"varyHeaders":          cfg.Server.Cache.VaryHeaders,
				"contentTypes":         cfg.Server.Cache.ContentTypes,
				"mutationMethods":      cfg.Server.Cache.MutationMethods,
				"dynamicTags":          cfg.Server.Cache.DynamicTags,
				"ignoreSegments":       cfg.Server.Cache.IgnoreSegments,
				"normalizeIdentifiers": cfg.Server.Cache.NormalizeIdentifiers,
				"maxTagDepth":          cfg.Server.Cache.MaxTagDepth,
			},
			"breaker": map[string]any{
				"enabled":          cfg.Server.Breaker.Enabled,
				"failureThreshold": cfg.Server.Breaker.FailureThreshold,
				"timeoutSeconds":   cfg.Server.Breaker.TimeoutSeconds,
				"scope":            cfg.Server.Breaker.Scope,
				"slowMs":           cfg.Server.Breaker.SlowMs,
				"failureStatuses":  cfg.Server.Breaker.FailureStatuses,
				"fallbackStatus":   cfg.Server.Breaker.FallbackStatus,
				"fallbackTemplate": cfg.Server.Breaker.FallbackTemplate,
				"failurePredicate": cfg.Server.Breaker.FailurePredicate,
				"routes":           cfg.Server.Breaker.Routes,
			},
		},
	}
}
