package provider

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// rateCache caches exchange rates per currency pair with a TTL.
// Owned by the client instance so tests get independent caches.
type rateCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	pairs map[string]cachedRate
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

func newRateCache(ttl time.Duration) *rateCache {
	return &rateCache{
		ttl:   ttl,
		pairs: make(map[string]cachedRate),
	}
}

func (c *rateCache) get(from, to string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.pairs[from+"/"+to]
	if !ok || time.Since(entry.fetchedAt) >= c.ttl {
		return decimal.Zero, false
	}
	return entry.rate, true
}

func (c *rateCache) put(from, to string, rate decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs[from+"/"+to] = cachedRate{rate: rate, fetchedAt: time.Now()}
}
