// Package main runs the market data server: polling scheduler, moving
// average consumer, cached read API and the backing stores in one process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jmoncayo-pursuit/market-data-api/internal/api"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/bus"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/average"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/cache"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/provider"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/ratelimit"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/scheduler"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage/memory"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage/postgres"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/system"
	"github.com/jmoncayo-pursuit/market-data-api/internal/config"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

func main() {
	// Missing .env is fine; the environment may be set by the platform.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("main").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	log := logger.NewWithLevel("main", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkers := make(map[string]api.HealthChecker)

	var store storage.MarketDataStore
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("connect postgres")
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		checkers["postgres"] = pg
		log.Info("using postgres store")
	} else {
		store = memory.New()
		log.Warn("DATABASE_URL not set; using in-memory store")
	}

	var cacheBackend cache.Backend
	var counterStore ratelimit.CounterStore
	if cfg.RedisAddr != "" {
		redisBackend, err := cache.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Error("connect redis")
			os.Exit(1)
		}
		defer redisBackend.Close()
		cacheBackend = redisBackend
		checkers["redis"] = redisBackend

		counters, err := ratelimit.NewRedisCounterStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 2*cfg.RateLimitWindow)
		if err != nil {
			log.WithError(err).Error("connect redis for rate limiting")
			os.Exit(1)
		}
		counterStore = counters
		log.Info("using redis cache and rate-limit backends")
	} else {
		cacheBackend = cache.NewMemoryBackend()
		counterStore = ratelimit.NewMemoryCounterStore()
		log.Warn("REDIS_ADDR not set; using in-memory cache and rate-limit backends")
	}

	cacheManager := cache.New(cacheBackend, store, cfg.CacheTTL, logger.NewWithLevel("cache", cfg.LogLevel))
	limiter := ratelimit.New(counterStore, int64(cfg.RateLimitRequests), cfg.RateLimitWindow, nil, logger.NewWithLevel("ratelimit", cfg.LogLevel))

	eventBus := bus.New(logger.NewWithLevel("bus", cfg.LogLevel)).WithBufferSize(cfg.BusBufferSize)
	defer eventBus.Close()

	fetchers := map[string]provider.Fetcher{
		"yahoo": provider.NewHTTPFetcher(provider.HTTPFetcherConfig{
			BaseURL:           cfg.ProviderBaseURL,
			Source:            "yahoo",
			Timeout:           cfg.ProviderTimeout,
			RequestsPerSecond: cfg.ProviderRPS,
			Burst:             cfg.ProviderBurst,
		}, logger.NewWithLevel("provider", cfg.LogLevel)),
		"random": provider.NewRandomFetcher(logger.NewWithLevel("provider", cfg.LogLevel)),
	}

	engine := average.New(eventBus, store, cacheManager, average.Config{
		Group:      cfg.ConsumerGroup,
		WindowSize: cfg.MovingAverageWindow,
		Workers:    cfg.ConsumerWorkers,
	}, logger.NewWithLevel("average", cfg.LogLevel))

	sched := scheduler.New(eventBus, fetchers, "yahoo", scheduler.Config{
		FailureThreshold: cfg.JobFailureThreshold,
		FetchTimeout:     cfg.FetchTimeout,
	}, logger.NewWithLevel("scheduler", cfg.LogLevel))

	manager := system.NewManager()
	// Consumer before producer: the engine must be draining the bus before
	// the first tick publishes.
	for _, svc := range []system.Service{engine, sched} {
		if err := manager.Register(svc); err != nil {
			log.WithError(err).Error("register service")
			os.Exit(1)
		}
	}
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("start services")
		os.Exit(1)
	}

	handler := api.NewHandler(api.Deps{
		Scheduler: sched,
		Cache:     cacheManager,
		Store:     store,
		Limiter:   limiter,
		Checkers:  checkers,
		Log:       logger.NewWithLevel("api", cfg.LogLevel),
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
	log.Info("shutdown complete")
}
