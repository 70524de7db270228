package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfor/reqshield/internal/breaker"
	"github.com/luxfor/reqshield/internal/config"
	"github.com/luxfor/reqshield/internal/httpcache"
	"github.com/luxfor/reqshield/internal/logging"
	"github.com/luxfor/reqshield/internal/metrics"
	"github.com/luxfor/reqshield/internal/server"
	"github.com/luxfor/reqshield/internal/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "REQSHIELD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	kv, err := buildStore(logger, cfg.Server.Store)
	if err != nil {
		logger.Error("store setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := kv.Close(closeCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	origin, err := buildOrigin(cfg.Server.Upstream)
	if err != nil {
		logger.Error("upstream setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	engine := httpcache.NewEngine(kv, cfg.Server.Cache, logger, recorder)
	brk, err := breaker.New(kv, cfg.Server.Breaker, logger, recorder)
	if err != nil {
		logger.Error("breaker setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	handler := server.NewHandler(engine, brk, origin, recorder)

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore selects the shared key-value backend from configuration.
func buildStore(logger *slog.Logger, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Info("using in-memory store", slog.String("driver", "memory"))
		return store.NewMemory(), nil
	case "redis":
		logger.Info("using redis store", slog.String("address", cfg.Redis.Address))
		return store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
	default:
		return nil, fmt.Errorf("main: unsupported store driver %q", cfg.Driver)
	}
}

// buildOrigin constructs the origin handler the protection chain wraps. With
// no upstream configured the gateway answers 502 for proxied paths, which
// keeps the daemon bootable for smoke tests.
func buildOrigin(cfg config.UpstreamConfig) (http.Handler, error) {
	if cfg.URL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no upstream configured", http.StatusBadGateway)
		}), nil
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("main: parse upstream url: %w", err)
	}
	return httputil.NewSingleHostReverseProxy(target), nil
}
