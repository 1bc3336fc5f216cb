package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drover-dev/drover/internal/cache"
	"github.com/drover-dev/drover/internal/config"
	"github.com/drover-dev/drover/internal/discovery"
	"github.com/drover-dev/drover/internal/engine"
	"github.com/drover-dev/drover/internal/metrics"
	"github.com/drover-dev/drover/internal/state"
)

// loadConfig honors the --config flag, falling back to the standard search
// order (env, project config, user config, defaults).
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// buildEngine assembles an engine from configuration. The returned cleanup
// closes whatever collaborators were opened.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := []engine.Option{
		engine.WithDetector(discovery.NewHTTP(10 * time.Second)),
	}

	if cfg.State.Path != "" {
		db, err := state.Open(cfg.State.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening state db: %w", err)
		}
		closers = append(closers, func() { db.Close() })
		opts = append(opts, engine.WithStore(db))
	}

	switch cfg.Cache.Backend {
	case "redis":
		rc, err := cache.NewRedis(context.Background(), cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
		closers = append(closers, func() { rc.Close() })
		opts = append(opts, engine.WithCache(rc))
	case "", "memory":
		// Engine defaults to the in-memory cache.
	default:
		cleanup()
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	if cfg.Metrics.ListenAddr != "" {
		opts = append(opts, engine.WithMetrics(metrics.MustNew(prometheus.DefaultRegisterer)))
	}

	if debugPath := os.Getenv("DROVER_DEBUG_LOG"); debugPath != "" {
		logger, err := engine.NewDebugLogger(debugPath)
		if err != nil {
			log.Printf("debug log disabled: %v", err)
		} else {
			closers = append(closers, func() { logger.Close() })
			opts = append(opts, engine.WithLogger(logger))
		}
	}

	return engine.New(cfg, opts...), cleanup, nil
}
