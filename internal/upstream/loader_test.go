package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/market"
)

// klinesStub emulates the exchange klines endpoint over a fixed dataset.
type klinesStub struct {
	mu         sync.Mutex
	rows       [][]interface{}
	requests   int
	startTimes []int64
	status     int
}

func klineRow(openTime time.Time, step time.Duration, o, h, l, c, v string) []interface{} {
	return []interface{}{
		openTime.UnixMilli(), o, h, l, c, v,
		openTime.Add(step).UnixMilli() - 1,
		"0", 0, "0", "0", "0",
	}
}

func (s *klinesStub) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if s.status != 0 {
		w.WriteHeader(s.status)
		w.Write([]byte(`{"code":-1000,"msg":"internal server error"}`))
		return
	}

	q := r.URL.Query()
	start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	s.startTimes = append(s.startTimes, start)

	var page [][]interface{}
	for _, row := range s.rows {
		openTime := row[0].(int64)
		if openTime < start || openTime > end {
			continue
		}
		page = append(page, row)
		if len(page) == limit {
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func newTestLoader(t *testing.T, stub *klinesStub, pageLimit int) *Loader {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(server.Close)

	loader := NewLoader(config.UpstreamConfig{
		RequestsPerSecond: 1000,
		Burst:             1000,
		KlinePageLimit:    pageLimit,
	})
	loader.client.BaseURL = server.URL
	loader.retry = fastRetryConfig()
	return loader
}

func TestLoaderPaginatesAscending(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stub := &klinesStub{}
	for i := 0; i < 5; i++ {
		openTime := base.Add(time.Duration(i) * time.Minute)
		price := strconv.FormatFloat(100+float64(i), 'f', 2, 64)
		stub.rows = append(stub.rows, klineRow(openTime, time.Minute, price, price, price, price, "1000"))
	}
	loader := newTestLoader(t, stub, 2)

	candles, err := loader.Klines(context.Background(), "BTCUSDT", market.Timeframe1m, base, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, candles, 5)

	for i, c := range candles {
		assert.Equal(t, base.Add(time.Duration(i)*time.Minute), c.Timestamp, "candle %d", i)
		assert.Equal(t, 100+float64(i), c.Close, "candle %d", i)
	}

	// Pages of 2: [0,1], [2,3], [4].
	assert.Equal(t, 3, stub.requests)
	require.Len(t, stub.startTimes, 3)
	assert.Equal(t, base.UnixMilli(), stub.startTimes[0])
	assert.Equal(t, base.Add(2*time.Minute).UnixMilli(), stub.startTimes[1])
	assert.Equal(t, base.Add(4*time.Minute).UnixMilli(), stub.startTimes[2])
}

func TestLoaderSkipsFormingCandle(t *testing.T) {
	now := time.Now().UTC()
	closedOpen := now.Add(-2 * time.Minute).Truncate(time.Minute)
	formingOpen := now.Truncate(time.Minute)

	stub := &klinesStub{rows: [][]interface{}{
		klineRow(closedOpen, time.Minute, "100", "101", "99", "100.5", "500"),
		klineRow(formingOpen, time.Minute, "100.5", "100.6", "100.4", "100.55", "50"),
	}}
	loader := newTestLoader(t, stub, 1000)

	candles, err := loader.Klines(context.Background(), "ETHUSDT", market.Timeframe1m, closedOpen, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, closedOpen, candles[0].Timestamp)
}

func TestLoaderEmptyRange(t *testing.T) {
	stub := &klinesStub{}
	loader := newTestLoader(t, stub, 1000)

	from := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	candles, err := loader.Klines(context.Background(), "BTCUSDT", market.Timeframe1m, from, from)
	require.NoError(t, err)
	assert.Nil(t, candles)
	assert.Equal(t, 0, stub.requests)
}

func TestLoaderBreakerOpensAfterRepeatedFailures(t *testing.T) {
	stub := &klinesStub{status: http.StatusInternalServerError}
	loader := newTestLoader(t, stub, 1000)
	loader.retry = RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}

	from := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Minute)

	for i := 0; i < 5; i++ {
		_, err := loader.Klines(context.Background(), "BTCUSDT", market.Timeframe1m, from, to)
		require.Error(t, err)
	}

	before := stub.requests
	_, err := loader.Klines(context.Background(), "BTCUSDT", market.Timeframe1m, from, to)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, before, stub.requests, "open breaker must not hit the network")
}

func TestParseCandleRejectsGarbage(t *testing.T) {
	_, err := parseCandle(1717243200000, "abc", "101", "99", "100", "10")
	require.Error(t, err)

	_, err = parseCandle(1717243200000, "100", "99", "101", "100", "10")
	require.Error(t, err, "high below low must fail validation")

	candle, err := parseCandle(1717243200000, "100", "101", "99", "100.5", "10")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1717243200000).UTC(), candle.Timestamp)
	assert.Equal(t, 100.5, candle.Close)
}
