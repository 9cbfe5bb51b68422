// Package shortkey allocates compact opaque identifiers for interactive
// button payloads. Telegram caps callback data at 64 bytes, so full payloads
// live process-side keyed by a short "prefix:counter" string.
package shortkey

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/quailyquaily/voicerelay/internal/expiry"
)

// MaxKeyLen keeps allocated keys at half the transport's 64-byte callback
// payload ceiling, so a key can never approach the limit even with wrapping
// metadata around it.
const MaxKeyLen = 32

// Allocator hands out process-unique keys. The counter is never reused, even
// across removals: a uint64 incremented once per allocation cannot wrap within
// a deploy lifetime (2^64 allocations), so there is no reset policy.
type Allocator struct {
	counter atomic.Uint64
}

// Allocate returns prefix + ":" + a monotonically increasing decimal counter.
// Safe for concurrent callers; no two calls return the same key.
func (a *Allocator) Allocate(prefix string) (string, error) {
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	n := a.counter.Add(1)
	key := prefix + ":" + strconv.FormatUint(n, 10)
	if len(key) > MaxKeyLen {
		return "", fmt.Errorf("shortkey: key %q exceeds %d bytes", key, MaxKeyLen)
	}
	return key, nil
}

func validatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("shortkey: empty prefix")
	}
	// A uint64 is at most 20 decimal digits; prefix + ":" + 20 must fit.
	if len(prefix) > MaxKeyLen-21 {
		return fmt.Errorf("shortkey: prefix %q too long (max %d bytes)", prefix, MaxKeyLen-21)
	}
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			continue
		}
		return fmt.Errorf("shortkey: prefix %q must match [a-z0-9_]", prefix)
	}
	return nil
}

// Registry pairs an Allocator with an expiring payload store. Entries are
// consumed on first read; unconsumed entries are reaped on expiry.
type Registry[P any] struct {
	alloc Allocator
	store *expiry.Store[P]
}

// NewRegistry returns an empty registry.
func NewRegistry[P any](opts ...expiry.Option[P]) *Registry[P] {
	return &Registry[P]{store: expiry.New(opts...)}
}

// Put allocates a key under prefix and stores payload against it for ttl.
func (r *Registry[P]) Put(prefix string, payload P, ttl time.Duration) (string, error) {
	key, err := r.alloc.Allocate(prefix)
	if err != nil {
		return "", err
	}
	r.store.Put(key, payload, ttl)
	return key, nil
}

// Consume returns the payload for key and deletes it atomically. A second
// Consume for the same key, or a Consume after expiry, reports absent.
func (r *Registry[P]) Consume(key string) (P, bool) {
	return r.store.GetAndRemove(key)
}

// Len counts live, unconsumed entries.
func (r *Registry[P]) Len() int {
	return r.store.Len()
}
