package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/httputil"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

// HTTPFetcher retrieves quotes from a Yahoo-chart-shaped HTTP endpoint. A
// shared token-bucket limiter throttles outbound requests so concurrent jobs
// cannot hammer the upstream.
type HTTPFetcher struct {
	client  *httputil.Client
	baseURL string
	source  string
	limiter *rate.Limiter
	log     *logger.Logger
}

// HTTPFetcherConfig configures the HTTP fetcher.
type HTTPFetcherConfig struct {
	BaseURL           string
	Source            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewHTTPFetcher creates a fetcher for the configured upstream.
func NewHTTPFetcher(cfg HTTPFetcherConfig, log *logger.Logger) *HTTPFetcher {
	if log == nil {
		log = logger.NewDefault("provider-http")
	}
	source := cfg.Source
	if source == "" {
		source = "yahoo"
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &HTTPFetcher{
		client:  httputil.New(httputil.Config{Timeout: cfg.Timeout}),
		baseURL: cfg.BaseURL,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

// chartResponse mirrors the subset of the upstream chart payload we read.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice  float64 `json:"regularMarketPrice"`
				RegularMarketVolume int64   `json:"regularMarketVolume"`
			} `json:"meta"`
		} `json:"result"`
	} `json:"chart"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context, symbol string) (Quote, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Quote{}, market.WrapError(market.CodeProvider, "throttle wait", err)
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s", f.baseURL, url.PathEscape(symbol))
	var payload chartResponse
	if err := f.client.GetJSON(ctx, endpoint, &payload); err != nil {
		return Quote{}, market.WrapError(market.CodeProvider, fmt.Sprintf("fetch %s", symbol), err)
	}

	if len(payload.Chart.Result) == 0 {
		return Quote{}, market.Errorf(market.CodeProvider, "no chart result for %s", symbol)
	}
	meta := payload.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return Quote{}, market.Errorf(market.CodeProvider, "no market price for %s", symbol)
	}

	return Quote{
		Price:     meta.RegularMarketPrice,
		Volume:    meta.RegularMarketVolume,
		Source:    f.source,
		Timestamp: time.Now().UTC(),
	}, nil
}
