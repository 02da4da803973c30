package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default HTTP addr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.MovingAverageWindow != 5 {
		t.Fatalf("expected default window 5, got %d", cfg.MovingAverageWindow)
	}
	if cfg.RateLimitRequests != 100 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("expected default rate limit 100/60s, got %d/%s", cfg.RateLimitRequests, cfg.RateLimitWindow)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Fatalf("expected default cache TTL 30s, got %s", cfg.CacheTTL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("MOVING_AVERAGE_WINDOW", "10")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected HTTP addr :9090, got %s", cfg.HTTPAddr)
	}
	if cfg.MovingAverageWindow != 10 {
		t.Fatalf("expected window 10, got %d", cfg.MovingAverageWindow)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("expected rate limit window 30s, got %s", cfg.RateLimitWindow)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("MOVING_AVERAGE_WINDOW", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero moving-average window")
	}
}
