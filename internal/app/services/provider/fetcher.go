// Package provider contains the clients that fetch prices from upstream
// sources.
package provider

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

// Quote is a single price observation returned by a fetcher. Timestamp is
// event-time, set at fetch.
type Quote struct {
	Price     float64
	Volume    int64
	Source    string
	Timestamp time.Time
}

// Fetcher retrieves the current price for a symbol. Implementations must
// bound their own blocking with the request context.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (Quote, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, symbol string) (Quote, error)

func (f FetcherFunc) Fetch(ctx context.Context, symbol string) (Quote, error) {
	if f == nil {
		return Quote{}, market.NewError(market.CodeProvider, "no fetcher configured")
	}
	return f(ctx, symbol)
}

// RandomFetcher returns pseudo-random prices for demonstration purposes.
type RandomFetcher struct {
	mu   sync.Mutex
	rand *rand.Rand
	log  *logger.Logger
}

func NewRandomFetcher(log *logger.Logger) *RandomFetcher {
	if log == nil {
		log = logger.NewDefault("provider-random")
	}
	return &RandomFetcher{
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
		log:  log,
	}
}

func (f *RandomFetcher) Fetch(_ context.Context, symbol string) (Quote, error) {
	f.mu.Lock()
	price := f.rand.Float64()*100 + 50
	volume := f.rand.Int63n(10000) + 1
	f.mu.Unlock()

	return Quote{
		Price:     price,
		Volume:    volume,
		Source:    "random",
		Timestamp: time.Now().UTC(),
	}, nil
}
