package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "memory", cfg.Server.Store.Driver)
	require.True(t, cfg.Server.Cache.Enabled)
	require.Equal(t, 300, cfg.Server.Cache.TTLSeconds)
	require.Equal(t, []string{"api", "v1", "v2", "v3"}, cfg.Server.Cache.IgnoreSegments)
	require.Equal(t, 5, cfg.Server.Breaker.FailureThreshold)
	require.Equal(t, 60, cfg.Server.Breaker.TimeoutSeconds)
	require.Equal(t, ScopeEndpoint, cfg.Server.Breaker.Scope)
	require.Equal(t, []int{500, 502, 503, 504}, cfg.Server.Breaker.FailureStatuses)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeConfigFile(t, "gateway.yaml", `
server:
  listen:
    port: 9090
  upstream:
    url: http://origin:8000
  store:
    driver: redis
    redis:
      address: localhost:6379
  cache:
    ttlSeconds: 120
    routes:
      - prefix: /api/v1/reports
        ttlSeconds: 30
        tags: [reports]
  breaker:
    failureThreshold: 3
    timeoutSeconds: 30
    scope: segment
    failurePredicate: "status >= 500"
`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Listen.Port)
	require.Equal(t, "http://origin:8000", cfg.Server.Upstream.URL)
	require.Equal(t, "redis", cfg.Server.Store.Driver)
	require.Equal(t, "localhost:6379", cfg.Server.Store.Redis.Address)
	require.Equal(t, 120, cfg.Server.Cache.TTLSeconds)
	require.Len(t, cfg.Server.Cache.Routes, 1)
	require.Equal(t, "/api/v1/reports", cfg.Server.Cache.Routes[0].Prefix)
	require.Equal(t, 30, cfg.Server.Cache.Routes[0].TTLSeconds)
	require.Equal(t, []string{"reports"}, cfg.Server.Cache.Routes[0].Tags)
	require.Equal(t, 3, cfg.Server.Breaker.FailureThreshold)
	require.Equal(t, ScopeSegment, cfg.Server.Breaker.Scope)
	require.Equal(t, "status >= 500", cfg.Server.Breaker.FailurePredicate)

	// Unset file values keep their defaults.
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.True(t, cfg.Server.Cache.DynamicTags)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "gateway.yaml", `
server:
  listen:
    port: 9090
  cache:
    ttlSeconds: 120
`)

	t.Setenv("REQSHIELD_SERVER__LISTEN__PORT", "7070")
	t.Setenv("REQSHIELD_SERVER__CACHE__TTLSECONDS", "45")
	t.Setenv("REQSHIELD_SERVER__BREAKER__SCOPE", "route")

	cfg, err := NewLoader("REQSHIELD", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Listen.Port)
	require.Equal(t, 45, cfg.Server.Cache.TTLSeconds)
	require.Equal(t, ScopeRoute, cfg.Server.Breaker.Scope)
}

func TestLoadJSONFile(t *testing.T) {
	path := writeConfigFile(t, "gateway.json",
		`{"server":{"listen":{"port":8888},"breaker":{"fallbackStatus":429}}}`)

	cfg, err := NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8888, cfg.Server.Listen.Port)
	require.Equal(t, 429, cfg.Server.Breaker.FallbackStatus)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader("", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeConfigFile(t, "gateway.ini", "[server]")
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, "gateway.yaml", `
server:
  store:
    driver: redis
`)
	_, err := NewLoader("", path).Load(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis.address")
}
