// Package bus provides an ordered, partitioned publish/subscribe channel for
// price events. Events are partitioned by symbol: delivery within a symbol
// follows publish order, and an unacknowledged event is redelivered, so
// consumers see at-least-once semantics and must deduplicate by sequence.
// There is no ordering guarantee across symbols.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

const (
	// DefaultBufferSize bounds how many undelivered events a partition
	// retains before Publish starts failing with UNAVAILABLE.
	DefaultBufferSize = 1024

	defaultRedeliveryDelay = 100 * time.Millisecond
)

// Delivery carries one event to a consumer. The consumer must call exactly
// one of Ack or Nack; a Nack causes the same event to be redelivered.
type Delivery struct {
	Event market.PriceEvent

	once sync.Once
	done chan bool
}

// Ack marks the event as processed so the partition can advance.
func (d *Delivery) Ack() { d.once.Do(func() { d.done <- true }) }

// Nack leaves the event uncommitted; it will be redelivered.
func (d *Delivery) Nack() { d.once.Do(func() { d.done <- false }) }

// Subscription is an ordered stream of deliveries for one consumer group.
type Subscription struct {
	group string
	ch    chan *Delivery
}

// Deliveries returns the channel events arrive on. The channel is closed
// when the bus shuts down.
func (s *Subscription) Deliveries() <-chan *Delivery { return s.ch }

// Group returns the consumer group name.
func (s *Subscription) Group() string { return s.group }

// Bus is an in-process event bus partitioned by symbol. It is safe for
// concurrent use by multiple publishers.
type Bus struct {
	log             *logger.Logger
	bufferSize      int
	redeliveryDelay time.Duration

	mu         sync.Mutex
	closed     bool
	partitions map[string]*partition
	groups     map[string]*Subscription

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a bus with default buffering.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("event-bus")
	}
	return &Bus{
		log:             log,
		bufferSize:      DefaultBufferSize,
		redeliveryDelay: defaultRedeliveryDelay,
		partitions:      make(map[string]*partition),
		groups:          make(map[string]*Subscription),
		done:            make(chan struct{}),
	}
}

// WithBufferSize sets the per-partition retention bound.
func (b *Bus) WithBufferSize(n int) *Bus {
	if n > 0 {
		b.bufferSize = n
	}
	return b
}

// WithRedeliveryDelay sets the pause before a nacked event is redelivered.
func (b *Bus) WithRedeliveryDelay(d time.Duration) *Bus {
	if d >= 0 {
		b.redeliveryDelay = d
	}
	return b
}

// Publish appends the event to its symbol partition. It never blocks beyond
// the bounded buffer: a full partition or a closed bus fails with an
// UNAVAILABLE domain error.
func (b *Bus) Publish(_ context.Context, event market.PriceEvent) error {
	if event.Symbol == "" {
		return market.NewError(market.CodeInvalidConfig, "event symbol is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return market.NewError(market.CodeUnavailable, "event bus is closed")
	}
	p, ok := b.partitions[event.Symbol]
	if !ok {
		p = newPartition(event.Symbol)
		b.partitions[event.Symbol] = p
		for group, sub := range b.groups {
			p.addGroup(group)
			b.startPump(p, group, sub)
		}
	}
	b.mu.Unlock()

	p.mu.Lock()
	if len(p.events) >= b.bufferSize {
		p.mu.Unlock()
		return market.Errorf(market.CodeUnavailable, "partition %s buffer full", event.Symbol)
	}
	p.events = append(p.events, event)
	wake := make([]chan struct{}, 0, len(p.notify))
	for _, ch := range p.notify {
		wake = append(wake, ch)
	}
	p.mu.Unlock()

	for _, ch := range wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers a consumer group and returns its delivery stream. A
// new group receives every event still retained by the partitions. Only one
// subscription per group is honored.
func (b *Bus) Subscribe(_ context.Context, group string) (*Subscription, error) {
	if group == "" {
		return nil, market.NewError(market.CodeInvalidConfig, "consumer group is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, market.NewError(market.CodeUnavailable, "event bus is closed")
	}
	if _, exists := b.groups[group]; exists {
		return nil, market.Errorf(market.CodeInvalidConfig, "consumer group %s already subscribed", group)
	}

	sub := &Subscription{group: group, ch: make(chan *Delivery)}
	b.groups[group] = sub
	for _, p := range b.partitions {
		p.addGroup(group)
		b.startPump(p, group, sub)
	}
	b.log.WithField("group", group).Info("consumer group subscribed")
	return sub, nil
}

// Close stops delivery and closes all subscription channels. Publish and
// Subscribe fail afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	subs := make([]*Subscription, 0, len(b.groups))
	for _, sub := range b.groups {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	b.wg.Wait()
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (b *Bus) startPump(p *partition, group string, sub *Subscription) {
	b.wg.Add(1)
	go b.pump(p, group, sub)
}

// pump delivers one partition's events to one group, strictly in order. The
// next event is not offered until the previous one is acknowledged, which is
// what makes per-symbol consumption sequential without consumer-side locks.
func (b *Bus) pump(p *partition, group string, sub *Subscription) {
	defer b.wg.Done()

	notify := p.notifyChan(group)
	for {
		event, ok := p.next(group)
		if !ok {
			select {
			case <-b.done:
				return
			case <-notify:
				continue
			}
		}
		if !b.deliver(p, group, sub, event) {
			return
		}
	}
}

func (b *Bus) deliver(p *partition, group string, sub *Subscription, event market.PriceEvent) bool {
	for {
		d := &Delivery{Event: event, done: make(chan bool, 1)}
		select {
		case sub.ch <- d:
		case <-b.done:
			return false
		}

		select {
		case acked := <-d.done:
			if acked {
				p.advance(group)
				return true
			}
		case <-b.done:
			return false
		}

		b.log.WithField("symbol", event.Symbol).
			WithField("sequence", event.Sequence).
			WithField("group", group).
			Debug("redelivering nacked event")
		if b.redeliveryDelay > 0 {
			select {
			case <-time.After(b.redeliveryDelay):
			case <-b.done:
				return false
			}
		}
	}
}

// partition is the ordered sub-stream of events for one symbol. It retains
// events until every group has acknowledged them.
type partition struct {
	symbol string

	mu      sync.Mutex
	events  []market.PriceEvent
	base    int // absolute index of events[0]
	cursors map[string]int
	notify  map[string]chan struct{}
}

func newPartition(symbol string) *partition {
	return &partition{
		symbol:  symbol,
		cursors: make(map[string]int),
		notify:  make(map[string]chan struct{}),
	}
}

func (p *partition) addGroup(group string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cursors[group]; ok {
		return
	}
	p.cursors[group] = p.base
	p.notify[group] = make(chan struct{}, 1)
}

func (p *partition) notifyChan(group string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify[group]
}

func (p *partition) next(group string) (market.PriceEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.cursors[group] - p.base
	if idx >= len(p.events) {
		return market.PriceEvent{}, false
	}
	return p.events[idx], true
}

func (p *partition) advance(group string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[group]++

	min := p.cursors[group]
	for _, c := range p.cursors {
		if c < min {
			min = c
		}
	}
	if drop := min - p.base; drop > 0 {
		p.events = append([]market.PriceEvent(nil), p.events[drop:]...)
		p.base = min
	}
}
