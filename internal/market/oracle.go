package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/metrics"
)

// PriceSource is the read side of the oracle, consumed by the simulator for
// unrealized-PnL marks. Implementations must never return another symbol's
// price.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, bool)
}

// PriceOracle tracks the latest traded price per symbol. The in-memory map
// is the hot path, updated on every upstream tick; an optional Redis cache
// lets other processes (and restarts) read recent prices.
type PriceOracle struct {
	mu    sync.RWMutex
	last  map[string]float64
	cache *PriceCache
}

// NewPriceOracle creates an oracle. cache may be nil.
func NewPriceOracle(cache *PriceCache) *PriceOracle {
	return &PriceOracle{
		last:  make(map[string]float64),
		cache: cache,
	}
}

// Update records the latest price for a symbol. The Redis write happens on a
// detached goroutine with its own timeout so the upstream reader never blocks
// on cache I/O.
func (o *PriceOracle) Update(symbol string, price float64) {
	if price <= 0 {
		return
	}
	o.mu.Lock()
	o.last[symbol] = price
	o.mu.Unlock()

	if o.cache != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := o.cache.Set(ctx, symbol, price); err != nil {
				log.Debug().Err(err).Str("symbol", symbol).Msg("Price cache write failed")
			}
		}()
	}
}

// Price returns the latest known price for symbol. Memory first, then the
// Redis cache; a miss on both returns false.
func (o *PriceOracle) Price(ctx context.Context, symbol string) (float64, bool) {
	o.mu.RLock()
	p, ok := o.last[symbol]
	o.mu.RUnlock()
	if ok {
		return p, true
	}
	if o.cache == nil {
		return 0, false
	}
	p, ok = o.cache.Get(ctx, symbol)
	if ok {
		o.mu.Lock()
		o.last[symbol] = p
		o.mu.Unlock()
	}
	return p, ok
}

// Snapshot copies the current in-memory price map, for status endpoints.
func (o *PriceOracle) Snapshot() map[string]float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]float64, len(o.last))
	for k, v := range o.last {
		out[k] = v
	}
	return out
}

// PriceCache is a Redis-backed hot cache of last prices.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

type priceEntry struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPriceCache wraps an existing Redis client. A nil client yields a nil
// cache, which every method tolerates.
func NewPriceCache(client *redis.Client, ttl time.Duration) *PriceCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PriceCache{client: client, ttl: ttl}
}

// Get retrieves a cached price. Errors are treated as cache misses.
func (c *PriceCache) Get(ctx context.Context, symbol string) (float64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	raw, err := c.client.Get(cacheCtx, c.key(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Redis get error, treating as miss")
		}
		metrics.PriceCacheMisses.Inc()
		return 0, false
	}

	var entry priceEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached price")
		metrics.PriceCacheMisses.Inc()
		return 0, false
	}
	metrics.PriceCacheHits.Inc()
	return entry.Price, true
}

// Set stores a price with the configured TTL.
func (c *PriceCache) Set(ctx context.Context, symbol string, price float64) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(priceEntry{Symbol: symbol, Price: price, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal price entry: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return c.client.Set(cacheCtx, c.key(symbol), data, c.ttl).Err()
}

func (c *PriceCache) key(symbol string) string {
	return "price:last:" + symbol
}
