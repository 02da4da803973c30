package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
)

func event(symbol string, seq uint64, price float64) market.PriceEvent {
	return market.PriceEvent{
		Symbol:    symbol,
		Sequence:  seq,
		Price:     price,
		Volume:    100,
		Source:    "test",
		Timestamp: time.Now().UTC(),
	}
}

func receive(t *testing.T, sub *Subscription) *Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	return nil
}

func TestBus_PerSymbolOrdering(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "avg")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const perSymbol = 50
	symbols := []string{"AAPL", "MSFT"}
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := 1; i <= perSymbol; i++ {
				if err := b.Publish(context.Background(), event(symbol, uint64(i), float64(i))); err != nil {
					t.Errorf("publish %s/%d: %v", symbol, i, err)
					return
				}
			}
		}(symbol)
	}
	wg.Wait()

	last := map[string]uint64{}
	for i := 0; i < perSymbol*len(symbols); i++ {
		d := receive(t, sub)
		if d.Event.Sequence != last[d.Event.Symbol]+1 {
			t.Fatalf("out of order for %s: got %d after %d", d.Event.Symbol, d.Event.Sequence, last[d.Event.Symbol])
		}
		last[d.Event.Symbol] = d.Event.Sequence
		d.Ack()
	}
	for _, symbol := range symbols {
		if last[symbol] != perSymbol {
			t.Fatalf("symbol %s: expected %d events, got %d", symbol, perSymbol, last[symbol])
		}
	}
}

func TestBus_PublishBeforeSubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	for i := 1; i <= 3; i++ {
		if err := b.Publish(context.Background(), event("AAPL", uint64(i), 100+float64(i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	sub, err := b.Subscribe(context.Background(), "avg")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 1; i <= 3; i++ {
		d := receive(t, sub)
		if d.Event.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, d.Event.Sequence)
		}
		d.Ack()
	}
}

func TestBus_NackRedelivers(t *testing.T) {
	b := New(nil).WithRedeliveryDelay(0)
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "avg")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(context.Background(), event("AAPL", 1, 150)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(context.Background(), event("AAPL", 2, 151)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := receive(t, sub)
	if d.Event.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", d.Event.Sequence)
	}
	d.Nack()

	d = receive(t, sub)
	if d.Event.Sequence != 1 {
		t.Fatalf("expected redelivery of sequence 1, got %d", d.Event.Sequence)
	}
	d.Ack()

	d = receive(t, sub)
	if d.Event.Sequence != 2 {
		t.Fatalf("expected sequence 2 after ack, got %d", d.Event.Sequence)
	}
	d.Ack()
}

func TestBus_BufferFull(t *testing.T) {
	b := New(nil).WithBufferSize(2)
	defer b.Close()

	if err := b.Publish(context.Background(), event("AAPL", 1, 150)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(context.Background(), event("AAPL", 2, 151)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	err := b.Publish(context.Background(), event("AAPL", 3, 152))
	if !market.IsUnavailable(err) {
		t.Fatalf("expected UNAVAILABLE on full partition, got %v", err)
	}
}

func TestBus_ClosedIsUnavailable(t *testing.T) {
	b := New(nil)
	b.Close()

	if err := b.Publish(context.Background(), event("AAPL", 1, 150)); !market.IsUnavailable(err) {
		t.Fatalf("expected UNAVAILABLE publish on closed bus, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "avg"); !market.IsUnavailable(err) {
		t.Fatalf("expected UNAVAILABLE subscribe on closed bus, got %v", err)
	}
}

func TestBus_DuplicateGroupRejected(t *testing.T) {
	b := New(nil)
	defer b.Close()

	if _, err := b.Subscribe(context.Background(), "avg"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "avg"); !market.IsCode(err, market.CodeInvalidConfig) {
		t.Fatalf("expected INVALID_CONFIG for duplicate group, got %v", err)
	}
}
