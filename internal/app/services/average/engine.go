// Package average consumes price events from the bus and maintains a
// moving average per symbol.
package average

import (
	"context"
	"sync"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/bus"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/metrics"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/system"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

// DefaultWindowSize is the number of most recent prices averaged per symbol.
const DefaultWindowSize = 5

// DefaultWorkers is the consumer pool size. Ordering is unaffected by the
// pool size: the bus delivers per symbol one event at a time, so workers
// only parallelize across symbols.
const DefaultWorkers = 4

// Invalidator evicts a symbol's cached read after its stored state changes.
type Invalidator interface {
	Invalidate(ctx context.Context, symbol string) error
}

// Config tunes the engine.
type Config struct {
	// Group names the bus consumer group the engine subscribes as.
	Group string
	// WindowSize is the moving-average window per symbol.
	WindowSize int
	// Workers is the number of concurrent consumers.
	Workers int
}

// Engine subscribes to the price event stream, updates per-symbol moving
// averages and persists each price together with its refreshed average.
type Engine struct {
	bus   *bus.Bus
	store storage.MarketDataStore
	cache Invalidator
	cfg   Config
	log   *logger.Logger

	mu     sync.Mutex
	states map[string]*symbolState

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// symbolState is only ever touched by the single in-flight delivery for its
// symbol, so it needs no lock of its own; the map access does.
type symbolState struct {
	seeded      bool
	lastSeq     uint64
	window      []float64
	sampleCount int64
}

var _ system.Service = (*Engine)(nil)

// New constructs an engine over the given bus, store and cache.
func New(b *bus.Bus, store storage.MarketDataStore, cache Invalidator, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("average-engine")
	}
	if cfg.Group == "" {
		cfg.Group = "moving-average"
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Engine{
		bus:    b,
		store:  store,
		cache:  cache,
		cfg:    cfg,
		log:    log,
		states: make(map[string]*symbolState),
	}
}

func (e *Engine) Name() string { return "moving-average-engine" }

// Start subscribes to the bus and launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}

	sub, err := e.bus.Subscribe(ctx, e.cfg.Group)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.consume(runCtx, sub)
	}
	e.log.WithField("group", e.cfg.Group).
		WithField("window_size", e.cfg.WindowSize).
		WithField("workers", e.cfg.Workers).
		Info("moving average engine started")
	return nil
}

// Stop halts the worker pool. Deliveries already claimed by a worker are
// finished; everything else stays on the bus for redelivery.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.runMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.log.Info("moving average engine stopped")
	return nil
}

func (e *Engine) consume(ctx context.Context, sub *bus.Subscription) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.Deliveries():
			if !ok {
				return
			}
			e.handle(ctx, d)
		}
	}
}

func (e *Engine) handle(ctx context.Context, d *bus.Delivery) {
	event := d.Event
	st := e.state(event.Symbol)

	if !st.seeded {
		if err := e.seed(ctx, st, event.Symbol); err != nil {
			e.log.WithError(err).WithField("symbol", event.Symbol).Warn("seed symbol state failed, will retry on redelivery")
			d.Nack()
			return
		}
	}

	// The bus redelivers on nack, so the same sequence can arrive twice.
	// Applying it twice would double-count the price in the window.
	if event.Sequence <= st.lastSeq {
		metrics.RecordDuplicateDropped()
		d.Ack()
		return
	}

	start := time.Now()
	window := append(append(make([]float64, 0, e.cfg.WindowSize), st.window...), event.Price)
	if len(window) > e.cfg.WindowSize {
		window = window[len(window)-e.cfg.WindowSize:]
	}

	record := market.MovingAverageRecord{
		Symbol:        event.Symbol,
		WindowSize:    e.cfg.WindowSize,
		Average:       mean(window),
		SampleCount:   st.sampleCount + 1,
		Window:        window,
		LastSequence:  event.Sequence,
		LastUpdatedAt: time.Now().UTC(),
	}

	if err := e.store.SavePriceAndAverage(ctx, event, record); err != nil {
		e.log.WithError(err).
			WithField("symbol", event.Symbol).
			WithField("sequence", event.Sequence).
			Warn("persist price and average failed, event will be redelivered")
		d.Nack()
		return
	}

	// Persisted. From here the delivery is acknowledged no matter what;
	// a cache hiccup must not trigger a redelivery of committed state.
	st.window = window
	st.sampleCount++
	st.lastSeq = event.Sequence

	if err := e.cache.Invalidate(ctx, event.Symbol); err != nil {
		e.log.WithError(err).WithField("symbol", event.Symbol).Warn("cache invalidation failed")
	}
	metrics.RecordEventConsumed()
	metrics.RecordApply(time.Since(start))
	d.Ack()
}

// seed restores a symbol's window from the store so averages survive a
// process restart instead of starting cold.
func (e *Engine) seed(ctx context.Context, st *symbolState, symbol string) error {
	_, record, err := e.store.ReadLatest(ctx, symbol)
	switch {
	case err == nil:
		st.window = append([]float64(nil), record.Window...)
		if len(st.window) > e.cfg.WindowSize {
			st.window = st.window[len(st.window)-e.cfg.WindowSize:]
		}
		st.sampleCount = record.SampleCount
	case market.IsNotFound(err):
		// First observation for this symbol.
	default:
		return err
	}
	st.seeded = true
	return nil
}

func (e *Engine) state(symbol string) *symbolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		st = &symbolState{}
		e.states[symbol] = st
	}
	return st
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
