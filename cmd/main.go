package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zynqa/confmirror/internal/cache"
	"github.com/zynqa/confmirror/internal/config"
	"github.com/zynqa/confmirror/internal/confluence"
	"github.com/zynqa/confmirror/internal/logging"
	"github.com/zynqa/confmirror/internal/metrics"
	"github.com/zynqa/confmirror/internal/mirror"
	"github.com/zynqa/confmirror/internal/profiles"
	"github.com/zynqa/confmirror/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CONFMIRROR", "environment variable prefix")
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

	store := buildStore(logger.With(slog.String("component", "cache_factory")), cfg.Server.Cache)

	gateway, err := buildGateway(ctx, cfg.Confluence, logger)
	if err != nil {
		logger.Error("confluence backend setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	svc := mirror.NewService(mirror.Options{
		Gateway:       gateway,
		Store:         store,
		Logger:        logger,
		Metrics:       recorder,
		ContentFormat: cfg.Confluence.ContentFormat,
		TTL: mirror.TTLs{
			Pages:   cfg.Server.Cache.TTL.GetTTL("pages", 30*time.Minute),
			Spaces:  cfg.Server.Cache.TTL.GetTTL("spaces", 30*time.Minute),
			UserSet: cfg.Server.Cache.TTL.GetTTL("userSet", 5*time.Minute),
		},
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			logger.Error("mirror shutdown failed", slog.Any("error", err))
		}
	}()

	directory := profiles.NewStore(cfg.Profiles.File, logger)
	if cfg.Profiles.Watch {
		watcher, err := directory.Watch(ctx, func(changed []string) {
			for _, userID := range changed {
				record, ok := directory.Lookup(userID)
				if !ok {
					svc.InvalidateAll(ctx)
					continue
				}
				svc.InvalidateUser(ctx, userID, record.Profile)
			}
		}, func(err error) {
			if err != nil {
				logger.Error("profiles watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("profiles watcher setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer watcher.Stop()
	} else {
		if _, err := directory.Load(ctx); err != nil {
			logger.Error("profiles load failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	handler := server.NewHandler(svc, directory, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", handler)

	srv, err := server.New(cfg, logger, mux)
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

func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Store {
	fallbackTTL := cfg.TTL.GetTTL("pages", 30*time.Minute)
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory result cache", slog.Duration("default_ttl", fallbackTTL))
		return cache.NewMemory(fallbackTTL)
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(fallbackTTL)
		}
		logger.Info("using redis result cache", slog.String("address", cfg.Redis.Address))
		return redisStore
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(fallbackTTL)
	}
}

func buildGateway(ctx context.Context, cfg config.ConfluenceConfig, logger *slog.Logger) (confluence.Gateway, error) {
	connection := strings.TrimSpace(strings.ToLower(cfg.Connection))
	switch connection {
	case "", "direct":
		return confluence.NewRESTClient(confluence.RESTOptions{
			BaseURL:  cfg.BaseURL,
			Email:    cfg.Email,
			APIToken: cfg.APIToken,
			AuthType: cfg.AuthType,
			Timeout:  cfg.Timeout(),
			Logger:   logger,
		})
	case "mcp":
		return confluence.NewMCPClient(ctx, confluence.MCPOptions{
			Endpoint: cfg.MCP.Endpoint,
			CloudID:  cfg.MCP.CloudID,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unsupported confluence connection: %s", cfg.Connection)
	}
}
