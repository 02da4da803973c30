package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// windowCounter is the shared mutable counter for one (client, endpoint)
// pair in one window.
type windowCounter struct {
	windowStart int64
	count       int64
}

type counterShard struct {
	mu      sync.Mutex
	windows map[string]*windowCounter
}

// MemoryCounterStore is an in-process CounterStore. Keys are sharded by
// hash into independently locked buckets so concurrent callers on different
// keys never contend on a single global lock.
type MemoryCounterStore struct {
	shards [shardCount]*counterShard
}

var _ CounterStore = (*MemoryCounterStore)(nil)

// NewMemoryCounterStore creates an empty counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	s := &MemoryCounterStore{}
	for i := range s.shards {
		s.shards[i] = &counterShard{windows: make(map[string]*windowCounter)}
	}
	return s
}

func (s *MemoryCounterStore) IncrementAndGet(_ context.Context, clientKey, endpoint string, windowStart time.Time) (int64, error) {
	key := clientKey + "|" + endpoint
	shard := s.shards[shardFor(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	wc, ok := shard.windows[key]
	if !ok || wc.windowStart != windowStart.UnixNano() {
		// Window boundary: the counter resets to zero.
		wc = &windowCounter{windowStart: windowStart.UnixNano()}
		shard.windows[key] = wc
	}
	wc.count++
	return wc.count, nil
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
