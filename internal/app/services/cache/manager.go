package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/metrics"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

// DefaultTTL bounds how long a cached entry may serve reads without a store
// round trip.
const DefaultTTL = 30 * time.Second

// entry is the serialized cache payload for one symbol.
type entry struct {
	Event     market.PriceEvent          `json:"event"`
	Record    market.MovingAverageRecord `json:"record"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Manager is a read-through, invalidate-on-write cache over the persistence
// store. Entries are deleted, never updated in place: an invalidation always
// wins a race against a concurrent populate via per-symbol fence counters,
// so a read started before a write cannot resurrect stale data.
type Manager struct {
	backend Backend
	store   storage.MarketDataStore
	ttl     time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	fences map[string]uint64
}

// New creates a cache manager. A non-positive ttl falls back to DefaultTTL.
func New(backend Backend, store storage.MarketDataStore, ttl time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("cache")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		backend: backend,
		store:   store,
		ttl:     ttl,
		log:     log,
		fences:  make(map[string]uint64),
	}
}

func cacheKey(symbol string) string { return "price:" + symbol }

// GetLatest returns the latest price and moving average for a symbol. A hit
// within the TTL answers without touching the store; a miss reads the store
// and repopulates. Backend outages degrade to direct store reads.
func (m *Manager) GetLatest(ctx context.Context, symbol string) (market.PriceEvent, market.MovingAverageRecord, error) {
	key := cacheKey(symbol)

	data, err := m.backend.Get(ctx, key)
	switch {
	case err != nil:
		m.log.WithError(err).WithField("symbol", symbol).Warn("cache backend unavailable, reading store directly")
		metrics.RecordCacheLookup("bypass")
	case data != nil:
		var e entry
		if jsonErr := json.Unmarshal(data, &e); jsonErr == nil {
			metrics.RecordCacheLookup("hit")
			return e.Event, e.Record, nil
		} else {
			m.log.WithError(jsonErr).WithField("symbol", symbol).Warn("corrupt cache entry, treating as miss")
		}
		metrics.RecordCacheLookup("miss")
	default:
		metrics.RecordCacheLookup("miss")
	}

	fence := m.currentFence(symbol)

	event, record, err := m.store.ReadLatest(ctx, symbol)
	if err != nil {
		return market.PriceEvent{}, market.MovingAverageRecord{}, err
	}

	payload, err := json.Marshal(entry{Event: event, Record: record, FetchedAt: time.Now().UTC()})
	if err == nil {
		m.mu.Lock()
		// Populate only if no invalidation arrived while we were reading
		// the store; a moved fence means our data may already be stale.
		if m.fences[symbol] == fence {
			if err := m.backend.Set(ctx, key, payload, m.ttl); err != nil {
				m.log.WithError(err).WithField("symbol", symbol).Warn("cache populate failed")
			}
		}
		m.mu.Unlock()
	}

	return event, record, nil
}

// Invalidate removes the entry for a symbol. It is safe to call when no
// entry exists and it defeats any populate already in flight.
func (m *Manager) Invalidate(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fences[symbol]++
	metrics.RecordCacheInvalidation()
	if err := m.backend.Delete(ctx, cacheKey(symbol)); err != nil {
		// The fence already defeats in-flight populates; a failed delete
		// only leaves the old entry to age out within one TTL.
		m.log.WithError(err).WithField("symbol", symbol).Warn("cache delete failed")
		return err
	}
	return nil
}

func (m *Manager) currentFence(symbol string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fences[symbol]
}
