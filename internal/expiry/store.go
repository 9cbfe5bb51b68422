// Package expiry provides a volatile, sharded key-value store with per-entry
// TTLs. Expiry is logical-first: an expired entry reports absent on access and
// is evicted in place, and each shard amortizes physical eviction over its own
// mutations so no background sweeper is required.
package expiry

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount = 16

	// reapEvery bounds how many mutations a shard accepts between
	// opportunistic sweeps of its own entries.
	reapEvery = 64
)

// Clock supplies the current time. Injectable so tests control expiry.
type Clock func() time.Time

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type shard[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ops     int
}

// Store maps string keys to values with per-entry expiry. All operations are
// atomic with respect to their own key; keys on different shards never contend
// on the same lock.
type Store[V any] struct {
	clock  Clock
	shards [shardCount]*shard[V]
}

// Option configures a Store.
type Option[V any] func(*Store[V])

// WithClock replaces the store's time source.
func WithClock[V any](clock Clock) Option[V] {
	return func(s *Store[V]) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns an empty store using time.Now unless overridden.
func New[V any](opts ...Option[V]) *Store[V] {
	s := &Store[V]{clock: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard[V]{entries: make(map[string]entry[V])}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Put stores value under key for ttl. A non-positive ttl stores an entry that
// is already expired, which behaves as absent on the next access.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.maybeReapLocked(now)
	sh.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
}

// PutIfAbsent stores value only when no live entry exists for key. It reports
// whether the value was stored. The check and the write happen under one shard
// lock, so concurrent callers for the same key observe exactly one true.
func (s *Store[V]) PutIfAbsent(key string, value V, ttl time.Duration) bool {
	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.maybeReapLocked(now)
	if e, ok := sh.entries[key]; ok && e.expiresAt.After(now) {
		return false
	}
	sh.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	return true
}

// Get returns the live value for key. An expired-but-unevicted entry reports
// absent and is removed.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V
	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return zero, false
	}
	if !e.expiresAt.After(now) {
		delete(sh.entries, key)
		return zero, false
	}
	return e.value, true
}

// GetAndRemove returns the live value for key and deletes it in the same
// critical section. Consume semantics: two concurrent callers cannot both
// receive the value.
func (s *Store[V]) GetAndRemove(key string) (V, bool) {
	var zero V
	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return zero, false
	}
	delete(sh.entries, key)
	if !e.expiresAt.After(now) {
		return zero, false
	}
	return e.value, true
}

// Update applies fn to the live value for key under the shard lock, keeping
// the entry's expiry. It reports whether a live entry existed.
func (s *Store[V]) Update(key string, fn func(V) V) bool {
	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return false
	}
	if !e.expiresAt.After(now) {
		delete(sh.entries, key)
		return false
	}
	e.value = fn(e.value)
	sh.entries[key] = e
	return true
}

// Remove deletes key. It reports whether a live entry was removed.
func (s *Store[V]) Remove(key string) bool {
	now := s.clock()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return false
	}
	delete(sh.entries, key)
	return e.expiresAt.After(now)
}

// Reap evicts every entry whose expiry is at or before now, across all shards,
// and returns the number of entries evicted.
func (s *Store[V]) Reap(now time.Time) int {
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !e.expiresAt.After(now) {
				delete(sh.entries, k)
				evicted++
			}
		}
		sh.ops = 0
		sh.mu.Unlock()
	}
	return evicted
}

// Len counts live entries.
func (s *Store[V]) Len() int {
	now := s.clock()
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.expiresAt.After(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (sh *shard[V]) maybeReapLocked(now time.Time) {
	sh.ops++
	if sh.ops < reapEvery {
		return
	}
	sh.ops = 0
	for k, e := range sh.entries {
		if !e.expiresAt.After(now) {
			delete(sh.entries, k)
		}
	}
}
