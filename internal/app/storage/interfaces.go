package storage

import (
	"context"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
)

// MarketDataStore is the durable record of prices and computed averages.
type MarketDataStore interface {
	// SavePriceAndAverage persists a raw price and the symbol's updated
	// moving average atomically. Partial writes are never observable.
	SavePriceAndAverage(ctx context.Context, event market.PriceEvent, record market.MovingAverageRecord) error

	// ReadLatest returns the most recent price and average for a symbol.
	// Fails with a NOT_FOUND domain error when no data exists.
	ReadLatest(ctx context.Context, symbol string) (market.PriceEvent, market.MovingAverageRecord, error)

	// ListSymbols returns every symbol with at least one stored price.
	ListSymbols(ctx context.Context) ([]string, error)

	// ListPrices returns up to limit prices for a symbol, newest first.
	ListPrices(ctx context.Context, symbol string, limit int) ([]market.PriceEvent, error)
}
