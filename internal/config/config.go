// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every tunable the server reads at startup. Fields without an
// explicit value fall back to the envdecode defaults below.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	// DatabaseURL selects the Postgres store; empty means in-memory.
	DatabaseURL string `env:"DATABASE_URL,default="`

	// RedisAddr selects the Redis cache and rate-limit backends; empty
	// means in-memory.
	RedisAddr     string `env:"REDIS_ADDR,default="`
	RedisPassword string `env:"REDIS_PASSWORD,default="`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	ProviderBaseURL string        `env:"PROVIDER_BASE_URL,default=https://query1.finance.yahoo.com"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	ProviderRPS     float64       `env:"PROVIDER_RPS,default=5"`
	ProviderBurst   int           `env:"PROVIDER_BURST,default=5"`

	CacheTTL time.Duration `env:"CACHE_TTL,default=30s"`

	MovingAverageWindow int    `env:"MOVING_AVERAGE_WINDOW,default=5"`
	ConsumerGroup       string `env:"CONSUMER_GROUP,default=moving-average"`
	ConsumerWorkers     int    `env:"CONSUMER_WORKERS,default=4"`
	BusBufferSize       int    `env:"BUS_BUFFER_SIZE,default=1024"`

	JobFailureThreshold int           `env:"JOB_FAILURE_THRESHOLD,default=5"`
	FetchTimeout        time.Duration `env:"FETCH_TIMEOUT,default=10s"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS,default=100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
}

// Load decodes configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MovingAverageWindow <= 0 {
		return fmt.Errorf("MOVING_AVERAGE_WINDOW must be positive, got %d", c.MovingAverageWindow)
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL must not be empty")
	}
	return nil
}
