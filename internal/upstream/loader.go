package upstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/metrics"
)

const defaultPageLimit = 1000

// Loader fetches historical klines over REST, paced by a rate limiter and
// guarded by a circuit breaker with bounded retries. It serves warm-up,
// gap-fill, the market history fallback and backtest data loading.
type Loader struct {
	client    *binance.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	retry     RetryConfig
	pageLimit int
}

// NewLoader creates a loader from upstream config.
func NewLoader(cfg config.UpstreamConfig) *Loader {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Upstream REST client initialized (testnet)")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	pageLimit := cfg.KlinePageLimit
	if pageLimit <= 0 || pageLimit > defaultPageLimit {
		pageLimit = defaultPageLimit
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream_rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Loader{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		breaker:   breaker,
		retry:     DefaultRetryConfig(),
		pageLimit: pageLimit,
	}
}

// Klines returns closed candles with open time in [from, to), ascending,
// fetching page by page until the range is covered.
func (l *Loader) Klines(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	if !from.Before(to) {
		return nil, nil
	}

	var out []market.Candle
	cursor := from
	for cursor.Before(to) {
		batch, err := l.page(ctx, symbol, tf, cursor, to)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)

		next := batch[len(batch)-1].Timestamp.Add(tf.Step())
		if !next.After(cursor) {
			break
		}
		cursor = next

		// A short page means the exchange has nothing further.
		if len(batch) < l.pageLimit {
			break
		}
	}

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", tf.String()).
		Int("candles", len(out)).
		Time("from", from).
		Time("to", to).
		Msg("Fetched historical klines")
	return out, nil
}

// Recent returns the latest n closed candles for symbol, ascending.
func (l *Loader) Recent(ctx context.Context, symbol string, tf market.Timeframe, n int) ([]market.Candle, error) {
	if n <= 0 {
		return nil, nil
	}
	to := time.Now().UTC().Truncate(tf.Step())
	from := to.Add(-time.Duration(n) * tf.Step())
	return l.Klines(ctx, symbol, tf, from, to)
}

func (l *Loader) page(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	var klines []*binance.Kline
	start := time.Now()
	_, err := l.breaker.Execute(func() (interface{}, error) {
		return nil, WithRetry(ctx, l.retry, func() error {
			if err := l.limiter.Wait(ctx); err != nil {
				return err
			}
			var kerr error
			klines, kerr = l.client.NewKlinesService().
				Symbol(symbol).
				Interval(string(tf)).
				StartTime(from.UnixMilli()).
				EndTime(to.UnixMilli() - 1).
				Limit(l.pageLimit).
				Do(ctx)
			return kerr
		})
	})
	metrics.RESTFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RecordError("fetch", "upstream")
		return nil, fmt.Errorf("klines fetch %s %s: %w", symbol, tf, err)
	}

	nowMs := time.Now().UnixMilli()
	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		// The last row may still be forming.
		if k.CloseTime >= nowMs {
			continue
		}
		candle, err := parseCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Skipping malformed kline row")
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

// parseCandle converts the exchange's string-encoded OHLCV to a validated
// domain candle.
func parseCandle(openTimeMs int64, open, high, low, closePrice, volume string) (market.Candle, error) {
	o, err := strconv.ParseFloat(open, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("bad open %q: %w", open, err)
	}
	h, err := strconv.ParseFloat(high, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("bad high %q: %w", high, err)
	}
	lo, err := strconv.ParseFloat(low, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("bad low %q: %w", low, err)
	}
	c, err := strconv.ParseFloat(closePrice, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("bad close %q: %w", closePrice, err)
	}
	v, err := strconv.ParseFloat(volume, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("bad volume %q: %w", volume, err)
	}

	candle := market.Candle{
		Timestamp: time.UnixMilli(openTimeMs).UTC(),
		Open:      o,
		High:      h,
		Low:       lo,
		Close:     c,
		Volume:    v,
	}
	if err := candle.Validate(); err != nil {
		return market.Candle{}, err
	}
	return candle, nil
}
