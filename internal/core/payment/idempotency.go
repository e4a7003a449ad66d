package payment

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IdempotencyTTL is how long a payment result stays replayable under its
// idempotency key.
const IdempotencyTTL = 24 * time.Hour

const defaultIdempotencyCapacity = 65536

// idempotencyCache maps client-supplied keys to the exact result the
// first attempt produced. Replays return the stored pointer untouched so
// the caller observes a byte-identical result.
type idempotencyCache struct {
	lru *expirable.LRU[string, *PaymentResult]
}

func newIdempotencyCache(capacity int, ttl time.Duration) *idempotencyCache {
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	if ttl <= 0 {
		ttl = IdempotencyTTL
	}
	return &idempotencyCache{
		lru: expirable.NewLRU[string, *PaymentResult](capacity, nil, ttl),
	}
}

func (c *idempotencyCache) get(key string) (*PaymentResult, bool) {
	if key == "" {
		return nil, false
	}
	return c.lru.Get(key)
}

// put stores (or replaces) the result under the key. Replacement happens
// when a pending approval resolves: the terminal result supersedes the
// PENDING_APPROVAL one under the same key.
func (c *idempotencyCache) put(key string, res *PaymentResult) {
	if key == "" || res == nil {
		return
	}
	c.lru.Add(key, res)
}

// cache stores a terminal or pending result for replay. Results without
// an idempotency key are not cached.
func (o *Orchestrator) cache(res *PaymentResult) {
	o.idem.put(res.IdempotencyKey, res)
}
