// Package httputil provides HTTP client utilities for upstream calls.
package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client wraps http.Client with a bounded timeout and retry budget for GET
// requests against JSON endpoints.
type Client struct {
	httpClient *http.Client
	maxRetries int
	userAgent  string
}

// Config configures the client.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	UserAgent  string
}

// New creates a client. Zero values fall back to a 10s timeout and 2
// retries.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "market-data-api/1.0"
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		userAgent:  userAgent,
	}
}

// GetJSON fetches url and decodes the response body into dest. Transport
// errors and 5xx responses are retried up to the retry budget with a short
// backoff; 4xx responses fail immediately.
func (c *Client) GetJSON(ctx context.Context, url string, dest any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}

		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
