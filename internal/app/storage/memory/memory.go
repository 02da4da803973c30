// Package memory provides an in-memory MarketDataStore. It is safe for
// concurrent use and is primarily intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage"
)

// Store keeps prices and averages in process memory.
type Store struct {
	mu       sync.RWMutex
	prices   map[string][]market.PriceEvent
	averages map[string]market.MovingAverageRecord

	// failNextSave makes the next SavePriceAndAverage fail; tests use it to
	// exercise the redelivery path.
	failNextSave error
}

var _ storage.MarketDataStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		prices:   make(map[string][]market.PriceEvent),
		averages: make(map[string]market.MovingAverageRecord),
	}
}

// FailNextSave arranges for the next save to return err.
func (s *Store) FailNextSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextSave = err
}

func (s *Store) SavePriceAndAverage(_ context.Context, event market.PriceEvent, record market.MovingAverageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextSave != nil {
		err := s.failNextSave
		s.failNextSave = nil
		return market.WrapError(market.CodeStore, "save price and average", err)
	}

	s.prices[event.Symbol] = append(s.prices[event.Symbol], event)
	record.Window = append([]float64(nil), record.Window...)
	s.averages[event.Symbol] = record
	return nil
}

func (s *Store) ReadLatest(_ context.Context, symbol string) (market.PriceEvent, market.MovingAverageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.prices[symbol]
	if !ok || len(events) == 0 {
		return market.PriceEvent{}, market.MovingAverageRecord{}, market.Errorf(market.CodeNotFound, "no data for symbol %s", symbol)
	}
	record := s.averages[symbol]
	record.Window = append([]float64(nil), record.Window...)
	return events[len(events)-1], record, nil
}

func (s *Store) ListSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.prices))
	for symbol := range s.prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (s *Store) ListPrices(_ context.Context, symbol string, limit int) ([]market.PriceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.prices[symbol]
	if len(events) == 0 {
		return nil, market.Errorf(market.CodeNotFound, "no data for symbol %s", symbol)
	}
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}

	out := make([]market.PriceEvent, 0, limit)
	for i := len(events) - 1; i >= len(events)-limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}
