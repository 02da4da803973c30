package average

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/bus"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/storage/memory"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

type recordingInvalidator struct {
	mu      sync.Mutex
	symbols []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols = append(r.symbols, symbol)
	return nil
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.symbols)
}

func startEngine(t *testing.T, store *memory.Store, inv Invalidator, cfg Config) (*bus.Bus, *Engine) {
	t.Helper()
	b := bus.New(logger.NewDefault("bus-test"))
	e := New(b, store, inv, cfg, logger.NewDefault("engine-test"))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Stop(stopCtx); err != nil {
			t.Fatalf("stop engine: %v", err)
		}
		b.Close()
	})
	return b, e
}

func publishPrice(t *testing.T, b *bus.Bus, symbol string, seq uint64, price float64) {
	t.Helper()
	err := b.Publish(context.Background(), market.PriceEvent{
		Symbol:    symbol,
		Sequence:  seq,
		Price:     price,
		Volume:    100,
		Source:    "test",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish seq %d: %v", seq, err)
	}
}

func waitForSequence(t *testing.T, store *memory.Store, symbol string, seq uint64) market.MovingAverageRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, record, err := store.ReadLatest(context.Background(), symbol)
		if err == nil && record.LastSequence >= seq {
			return record
		}
		if time.Now().After(deadline) {
			t.Fatalf("record for %s never reached sequence %d (err %v, record %+v)", symbol, seq, err, record)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngine_MovingAverageOverWindow(t *testing.T) {
	store := memory.New()
	inv := &recordingInvalidator{}
	b, _ := startEngine(t, store, inv, Config{WindowSize: 5})

	prices := []float64{150.0, 151.0, 149.0, 152.0, 150.0}
	for i, price := range prices {
		publishPrice(t, b, "AAPL", uint64(i+1), price)
	}

	record := waitForSequence(t, store, "AAPL", 5)
	if math.Abs(record.Average-150.4) > 1e-9 {
		t.Fatalf("expected average 150.4, got %v", record.Average)
	}
	if record.SampleCount != 5 {
		t.Fatalf("expected sample count 5, got %d", record.SampleCount)
	}
	if record.WindowSize != 5 {
		t.Fatalf("expected window size 5, got %d", record.WindowSize)
	}
}

func TestEngine_FirstEventAveragesToItself(t *testing.T) {
	store := memory.New()
	b, _ := startEngine(t, store, &recordingInvalidator{}, Config{})

	publishPrice(t, b, "MSFT", 1, 410.25)

	record := waitForSequence(t, store, "MSFT", 1)
	if record.Average != 410.25 {
		t.Fatalf("expected average 410.25, got %v", record.Average)
	}
	if record.SampleCount != 1 {
		t.Fatalf("expected sample count 1, got %d", record.SampleCount)
	}
}

func TestEngine_WindowEvictsOldestPrice(t *testing.T) {
	store := memory.New()
	b, _ := startEngine(t, store, &recordingInvalidator{}, Config{WindowSize: 3})

	for i, price := range []float64{10, 20, 30, 40} {
		publishPrice(t, b, "GOOG", uint64(i+1), price)
	}

	record := waitForSequence(t, store, "GOOG", 4)
	if record.Average != 30 {
		t.Fatalf("expected average of last 3 prices (30), got %v", record.Average)
	}
	if record.SampleCount != 4 {
		t.Fatalf("sample count tracks all observations, got %d", record.SampleCount)
	}
}

func TestEngine_DuplicateSequenceIsDropped(t *testing.T) {
	store := memory.New()
	b, _ := startEngine(t, store, &recordingInvalidator{}, Config{})

	publishPrice(t, b, "AAPL", 1, 100)
	waitForSequence(t, store, "AAPL", 1)

	// Same sequence again must not move the average.
	publishPrice(t, b, "AAPL", 1, 999)
	publishPrice(t, b, "AAPL", 2, 200)

	record := waitForSequence(t, store, "AAPL", 2)
	if record.Average != 150 {
		t.Fatalf("duplicate was applied: expected average 150, got %v", record.Average)
	}
	if record.SampleCount != 2 {
		t.Fatalf("expected sample count 2, got %d", record.SampleCount)
	}
}

func TestEngine_StoreFailureRetriesViaRedelivery(t *testing.T) {
	store := memory.New()
	b := bus.New(logger.NewDefault("bus-test")).WithRedeliveryDelay(10 * time.Millisecond)
	e := New(b, store, &recordingInvalidator{}, Config{}, logger.NewDefault("engine-test"))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Stop(stopCtx); err != nil {
			t.Fatalf("stop engine: %v", err)
		}
		b.Close()
	}()

	store.FailNextSave(errors.New("simulated store outage"))
	publishPrice(t, b, "AAPL", 1, 123)

	record := waitForSequence(t, store, "AAPL", 1)
	if record.Average != 123 {
		t.Fatalf("expected average 123 after retry, got %v", record.Average)
	}
	if record.SampleCount != 1 {
		t.Fatalf("retry applied the event twice: sample count %d", record.SampleCount)
	}
}

func TestEngine_InvalidatesCacheAfterPersist(t *testing.T) {
	store := memory.New()
	inv := &recordingInvalidator{}
	b, _ := startEngine(t, store, inv, Config{})

	publishPrice(t, b, "TSLA", 1, 250)
	waitForSequence(t, store, "TSLA", 1)

	deadline := time.Now().Add(time.Second)
	for inv.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cache was never invalidated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngine_SeedsWindowFromStore(t *testing.T) {
	store := memory.New()
	seedEvent := market.PriceEvent{Symbol: "AAPL", Sequence: 3, Price: 30, Source: "test", Timestamp: time.Now().UTC()}
	seedRecord := market.MovingAverageRecord{
		Symbol:        "AAPL",
		WindowSize:    5,
		Average:       20,
		SampleCount:   3,
		Window:        []float64{10, 20, 30},
		LastSequence:  3,
		LastUpdatedAt: time.Now().UTC(),
	}
	if err := store.SavePriceAndAverage(context.Background(), seedEvent, seedRecord); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	b, _ := startEngine(t, store, &recordingInvalidator{}, Config{WindowSize: 5})

	// A fresh engine restarts its sequence space but keeps averaging over
	// the persisted window.
	publishPrice(t, b, "AAPL", 1, 40)

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, record, err := store.ReadLatest(context.Background(), "AAPL")
		if err == nil && record.SampleCount == 4 {
			if record.Average != 25 {
				t.Fatalf("expected average 25 over restored window, got %v", record.Average)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("restored window never applied (err %v, record %+v)", err, record)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
