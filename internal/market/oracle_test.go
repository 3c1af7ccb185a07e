package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceOracleMemoryPath(t *testing.T) {
	oracle := NewPriceOracle(nil)

	_, ok := oracle.Price(context.Background(), "BTCUSDT")
	assert.False(t, ok)

	oracle.Update("BTCUSDT", 64250.5)
	oracle.Update("ETHUSDT", 3120.0)

	p, ok := oracle.Price(context.Background(), "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 64250.5, p)

	// Prices never cross symbols.
	p, ok = oracle.Price(context.Background(), "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 3120.0, p)

	// Non-positive updates are ignored.
	oracle.Update("BTCUSDT", 0)
	p, _ = oracle.Price(context.Background(), "BTCUSDT")
	assert.Equal(t, 64250.5, p)

	snap := oracle.Snapshot()
	assert.Len(t, snap, 2)
}

func TestPriceCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewPriceCache(client, time.Minute)

	ctx := context.Background()
	_, ok := cache.Get(ctx, "BTCUSDT")
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "BTCUSDT", 50123.25))
	p, ok := cache.Get(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50123.25, p)

	// Expired entries are misses.
	mr.FastForward(2 * time.Minute)
	_, ok = cache.Get(ctx, "BTCUSDT")
	assert.False(t, ok)
}

func TestPriceOracleRedisFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewPriceCache(client, time.Minute)

	// A previous process wrote the price.
	require.NoError(t, cache.Set(context.Background(), "SOLUSDT", 147.8))

	oracle := NewPriceOracle(cache)
	p, ok := oracle.Price(context.Background(), "SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, 147.8, p)

	// Fallback result is memoized.
	mr.FlushAll()
	p, ok = oracle.Price(context.Background(), "SOLUSDT")
	require.True(t, ok)
	assert.Equal(t, 147.8, p)
}

func TestNilPriceCache(t *testing.T) {
	var cache *PriceCache
	_, ok := cache.Get(context.Background(), "BTCUSDT")
	assert.False(t, ok)
	assert.Error(t, cache.Set(context.Background(), "BTCUSDT", 1))
	assert.Nil(t, NewPriceCache(nil, time.Minute))
}
