package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/cache"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/provider"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/ratelimit"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/scheduler"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage/memory"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, market.PriceEvent) error { return nil }

type testEnv struct {
	handler http.Handler
	store   *memory.Store
}

func newTestEnv(t *testing.T, limit int64) *testEnv {
	t.Helper()

	log := logger.NewDefault("api-test")
	store := memory.New()
	fetchers := map[string]provider.Fetcher{"random": provider.NewRandomFetcher(log)}

	sched := scheduler.New(discardPublisher{}, fetchers, "random", scheduler.Config{}, log)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			t.Fatalf("stop scheduler: %v", err)
		}
	})

	deps := Deps{
		Scheduler: sched,
		Cache:     cache.New(cache.NewMemoryBackend(), store, time.Minute, log),
		Store:     store,
		Limiter:   ratelimit.New(ratelimit.NewMemoryCounterStore(), limit, time.Minute, nil, log),
		Log:       log,
	}
	return &testEnv{handler: NewHandler(deps), store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:52000"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_JobRoundTrip(t *testing.T) {
	env := newTestEnv(t, 1000)

	rec := env.do(t, http.MethodPost, "/prices/poll", map[string]interface{}{
		"symbols":          []string{"AAPL", "MSFT"},
		"interval_seconds": 60,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		ID              string   `json:"id"`
		Symbols         []string `json:"symbols"`
		IntervalSeconds float64  `json:"interval_seconds"`
		Status          string   `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" || created.IntervalSeconds != 60 || created.Status != "pending" {
		t.Fatalf("unexpected created job %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/prices/poll/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/prices/poll/"+created.ID+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause job: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/prices/poll/"+created.ID+"/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume job: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/prices/poll/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete job: expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/prices/poll/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted job: expected 404, got %d", rec.Code)
	}
}

func TestHandler_CreateJobValidationMapsTo400(t *testing.T) {
	env := newTestEnv(t, 1000)

	rec := env.do(t, http.MethodPost, "/prices/poll", map[string]interface{}{
		"symbols":          []string{},
		"interval_seconds": 60,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty symbols, got %d", rec.Code)
	}
}

func TestHandler_DeleteAllJobs(t *testing.T) {
	env := newTestEnv(t, 1000)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/prices/poll", map[string]interface{}{
			"symbols":          []string{"AAPL"},
			"interval_seconds": 60,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create job %d: got %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodDelete, "/prices/poll", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete all: expected 200, got %d", rec.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode delete-all response: %v", err)
	}
	if resp["deleted"] != 2 {
		t.Fatalf("expected 2 deletions, got %d", resp["deleted"])
	}
}

func TestHandler_LatestPrice(t *testing.T) {
	env := newTestEnv(t, 1000)

	event := market.PriceEvent{Symbol: "AAPL", Sequence: 1, Price: 187.5, Volume: 1000, Source: "test", Timestamp: time.Now().UTC()}
	record := market.MovingAverageRecord{Symbol: "AAPL", WindowSize: 5, Average: 187.5, SampleCount: 1, Window: []float64{187.5}, LastSequence: 1, LastUpdatedAt: time.Now().UTC()}
	if err := env.store.SavePriceAndAverage(context.Background(), event, record); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/prices/latest?symbol=AAPL", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Price         market.PriceEvent          `json:"price"`
		MovingAverage market.MovingAverageRecord `json:"moving_average"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Price.Price != 187.5 || resp.MovingAverage.SampleCount != 1 {
		t.Fatalf("unexpected payload %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/prices/latest?symbol=UNKNOWN", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown symbol, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/prices/latest", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without symbol, got %d", rec.Code)
	}
}

func TestHandler_RateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, 5)

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodGet, "/prices/poll", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/prices/poll", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over limit, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func TestHandler_RateLimitIsPerClient(t *testing.T) {
	env := newTestEnv(t, 2)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/prices/poll", nil)
		req.RemoteAddr = "10.0.0.1:52000"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if i < 2 && rec.Code != http.StatusOK {
			t.Fatalf("client A request %d: expected 200, got %d", i+1, rec.Code)
		}
		if i == 2 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("client A request 3: expected 429, got %d", rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/prices/poll", nil)
	req.RemoteAddr = "10.0.0.9:40000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client: expected 200, got %d", rec.Code)
	}
}

func TestHandler_HealthAndMetricsBypassRateLimit(t *testing.T) {
	env := newTestEnv(t, 1)

	if rec := env.do(t, http.MethodGet, "/prices/poll", nil); rec.Code != http.StatusOK {
		t.Fatalf("warmup request: got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/prices/poll", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected throttled /prices, got %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		if rec := env.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d: got %d", i+1, rec.Code)
		}
		if rec := env.do(t, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
			t.Fatalf("metrics request %d: got %d", i+1, rec.Code)
		}
	}
}

func TestHandler_PriceHistoryAndSymbols(t *testing.T) {
	env := newTestEnv(t, 1000)

	for i := 1; i <= 3; i++ {
		event := market.PriceEvent{Symbol: "MSFT", Sequence: uint64(i), Price: float64(100 + i), Source: "test", Timestamp: time.Now().UTC()}
		record := market.MovingAverageRecord{Symbol: "MSFT", WindowSize: 5, Average: float64(100 + i), SampleCount: int64(i), LastSequence: uint64(i), LastUpdatedAt: time.Now().UTC()}
		if err := env.store.SavePriceAndAverage(context.Background(), event, record); err != nil {
			t.Fatalf("seed price %d: %v", i, err)
		}
	}

	rec := env.do(t, http.MethodGet, "/prices/history?symbol=MSFT&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var history struct {
		Symbol string              `json:"symbol"`
		Prices []market.PriceEvent `json:"prices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Prices) != 2 {
		t.Fatalf("expected 2 prices, got %d", len(history.Prices))
	}

	rec = env.do(t, http.MethodGet, "/prices/symbols", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("symbols: expected 200, got %d", rec.Code)
	}
	var symbols struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &symbols); err != nil {
		t.Fatalf("decode symbols: %v", err)
	}
	found := false
	for _, s := range symbols.Symbols {
		if s == "MSFT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("MSFT missing from symbols %v", symbols.Symbols)
	}
}

func TestHandler_HealthReportsBackends(t *testing.T) {
	log := logger.NewDefault("api-test")
	store := memory.New()
	deps := Deps{
		Scheduler: schedulerForHealth(t, log),
		Cache:     cache.New(cache.NewMemoryBackend(), store, time.Minute, log),
		Store:     store,
		Limiter:   ratelimit.New(ratelimit.NewMemoryCounterStore(), 1000, time.Minute, nil, log),
		Checkers: map[string]HealthChecker{
			"store": healthFunc(func(context.Context) error { return nil }),
			"cache": healthFunc(func(context.Context) error { return fmt.Errorf("connection refused") }),
		},
		Log: log,
	}
	handler := NewHandler(deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with failing backend, got %d", rec.Code)
	}
	var resp struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "degraded" || resp.Backends["store"] != "ok" {
		t.Fatalf("unexpected health payload %+v", resp)
	}
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

func schedulerForHealth(t *testing.T, log *logger.Logger) *scheduler.Service {
	t.Helper()
	sched := scheduler.New(discardPublisher{}, map[string]provider.Fetcher{"random": provider.NewRandomFetcher(log)}, "random", scheduler.Config{}, log)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	})
	return sched
}
