package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option the gateway reads at startup. It is
// assembled once by the Loader and never mutated afterwards; components
// receive the sub-structs they need through their constructors.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs for the gateway daemon.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Store    StoreConfig    `koanf:"store"`
	Cache    CacheConfig    `koanf:"cache"`
	Breaker  BreakerConfig  `koanf:"breaker"`
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

// UpstreamConfig names the origin the gateway proxies to.
type UpstreamConfig struct {
	URL string `koanf:"url"`
}

// StoreConfig selects and parameterizes the shared key-value store that both
// the response cache and the circuit breaker coordinate through.
type StoreConfig struct {
	Driver string           `koanf:"driver"`
	Redis  RedisStoreConfig `koanf:"redis"`
}

type RedisStoreConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisTLSStoreConfig `koanf:"tls"`
}

type RedisTLSStoreConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CacheConfig is the response cache surface: eligibility gates, key/tag
// derivation knobs, and per-route overrides.
type CacheConfig struct {
	Enabled              bool         `koanf:"enabled"`
	TTLSeconds           int          `koanf:"ttlSeconds"`
	PerUser              bool         `koanf:"perUser"`
	CacheAuthenticated   bool         `koanf:"cacheAuthenticated"`
	IdentityHeader       string       `koanf:"identityHeader"`
	VaryHeaders          []string     `koanf:"varyHeaders"`
	ContentTypes         []string     `koanf:"contentTypes"`
	MutationMethods      []string     `koanf:"mutationMethods"`
	DynamicTags          bool         `koanf:"dynamicTags"`
	IgnoreSegments       []string     `koanf:"ignoreSegments"`
	NormalizeIdentifiers bool         `koanf:"normalizeIdentifiers"`
	MaxTagDepth          int          `koanf:"maxTagDepth"`
	Routes               []RouteCache `koanf:"routes"`
}

// RouteCache overrides cache behavior for any request whose path matches the
// prefix. The first matching entry wins.
type RouteCache struct {
	Prefix     string   `koanf:"prefix"`
	TTLSeconds int      `koanf:"ttlSeconds"`
	Tags       []string `koanf:"tags"`
}

// BreakerConfig is the circuit breaker surface. Routes names path prefixes
// that act as shared scopes in route mode.
type BreakerConfig struct {
	Enabled          bool     `koanf:"enabled"`
	FailureThreshold int      `koanf:"failureThreshold"`
	TimeoutSeconds   int      `koanf:"timeoutSeconds"`
	Scope            string   `koanf:"scope"`
	SlowMs           int      `koanf:"slowMs"`
	FailureStatuses  []int    `koanf:"failureStatuses"`
	FallbackStatus   int      `koanf:"fallbackStatus"`
	FallbackTemplate string   `koanf:"fallbackTemplate"`
	FailurePredicate string   `koanf:"failurePredicate"`
	Routes           []string `koanf:"routes"`
}

// Breaker scope modes. They trade blast radius against granularity: endpoint
// isolates a single method+path, route a matching configured cache route,
// segment the whole first path segment.
const (
	ScopeEndpoint = "endpoint"
	ScopeRoute    = "route"
	ScopeSegment  = "segment"
)

// Validate rejects configurations the runtime cannot honor. Components assume
// a validated config, so every structural invariant is enforced here.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Upstream.URL != "" {
		parsed, err := url.Parse(c.Server.Upstream.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: upstream.url invalid: %q", c.Server.Upstream.URL)
		}
	}
	driver := strings.TrimSpace(strings.ToLower(c.Server.Store.Driver))
	switch driver {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return errors.New("config: server.store.redis.address required for redis driver")
		}
	default:
		return fmt.Errorf("config: server.store.driver unsupported: %s", c.Server.Store.Driver)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	if c.Server.Cache.MaxTagDepth < 1 {
		return fmt.Errorf("config: server.cache.maxTagDepth invalid: %d", c.Server.Cache.MaxTagDepth)
	}
	for i, route := range c.Server.Cache.Routes {
		if strings.TrimSpace(route.Prefix) == "" {
			return fmt.Errorf("config: server.cache.routes[%d].prefix empty", i)
		}
		if route.TTLSeconds < 0 {
			return fmt.Errorf("config: server.cache.routes[%d].ttlSeconds invalid: %d", i, route.TTLSeconds)
		}
	}
	if c.Server.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: server.breaker.failureThreshold invalid: %d", c.Server.Breaker.FailureThreshold)
	}
	if c.Server.Breaker.TimeoutSeconds < 1 {
		return fmt.Errorf("config: server.breaker.timeoutSeconds invalid: %d", c.Server.Breaker.TimeoutSeconds)
	}
	if c.Server.Breaker.SlowMs < 0 {
		return fmt.Errorf("config: server.breaker.slowMs invalid: %d", c.Server.Breaker.SlowMs)
	}
	scope := strings.TrimSpace(strings.ToLower(c.Server.Breaker.Scope))
	switch scope {
	case "", ScopeEndpoint, ScopeRoute, ScopeSegment:
	default:
		return fmt.Errorf("config: server.breaker.scope unsupported: %s", c.Server.Breaker.Scope)
	}
	for i, route := range c.Server.Breaker.Routes {
		if strings.TrimSpace(route) == "" {
			return fmt.Errorf("config: server.breaker.routes[%d] empty", i)
		}
	}
	for _, status := range c.Server.Breaker.FailureStatuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("config: server.breaker.failureStatuses contains invalid status: %d", status)
		}
	}
	if s := c.Server.Breaker.FallbackStatus; s != 0 && (s < 100 || s > 599) {
		return fmt.Errorf("config: server.breaker.fallbackStatus invalid: %d", s)
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
			Store: StoreConfig{
				Driver: "memory",
			},
			Cache: CacheConfig{
				Enabled:              true,
				TTLSeconds:           300,
				IdentityHeader:       "X-User-ID",
				ContentTypes:         []string{"application/json", "text/plain"},
				MutationMethods:      []string{"POST", "PUT", "PATCH", "DELETE"},
				DynamicTags:          true,
				IgnoreSegments:       []string{"api", "v1", "v2", "v3"},
				NormalizeIdentifiers: true,
				MaxTagDepth:          5,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				TimeoutSeconds:   60,
				Scope:            ScopeEndpoint,
				FailureStatuses:  []int{500, 502, 503, 504},
				FallbackStatus:   503,
			},
		},
	}
}
