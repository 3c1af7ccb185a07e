package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Candle is one persisted OHLCV row. Indicator columns are nullable and stay
// NULL while the calculators are warming up.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`

	EMA7        *float64 `json:"ema7,omitempty"`
	EMA25       *float64 `json:"ema25,omitempty"`
	EMA99       *float64 `json:"ema99,omitempty"`
	RSI6        *float64 `json:"rsi6,omitempty"`
	RSI14       *float64 `json:"rsi14,omitempty"`
	VolumeSMA20 *float64 `json:"volume_sma20,omitempty"`
	BBUpper     *float64 `json:"bb_upper,omitempty"`
	BBMiddle    *float64 `json:"bb_middle,omitempty"`
	BBLower     *float64 `json:"bb_lower,omitempty"`
	StochK      *float64 `json:"stoch_k,omitempty"`
	StochD      *float64 `json:"stoch_d,omitempty"`
	VWAP        *float64 `json:"vwap,omitempty"`
	ATR14       *float64 `json:"atr14,omitempty"`
	ADX14       *float64 `json:"adx14,omitempty"`
}

const candleColumns = `timestamp, open, high, low, close, volume,
	ema7, ema25, ema99, rsi6, rsi14, volume_sma20,
	bb_upper, bb_middle, bb_lower, stoch_k, stoch_d, vwap, atr14, adx14`

func scanCandle(row pgx.Row) (*Candle, error) {
	var c Candle
	err := row.Scan(
		&c.Timestamp,
		&c.Open,
		&c.High,
		&c.Low,
		&c.Close,
		&c.Volume,
		&c.EMA7,
		&c.EMA25,
		&c.EMA99,
		&c.RSI6,
		&c.RSI14,
		&c.VolumeSMA20,
		&c.BBUpper,
		&c.BBMiddle,
		&c.BBLower,
		&c.StochK,
		&c.StochD,
		&c.VWAP,
		&c.ATR14,
		&c.ADX14,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCandle inserts or overwrites the row for the candle's timestamp.
// Gap-fill and provisional-to-closed rewrites land on the same primary key.
func (db *DB) UpsertCandle(ctx context.Context, symbol, timeframe string, c *Candle) error {
	table, err := candleTableName(symbol, timeframe)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (timestamp) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			ema7 = EXCLUDED.ema7,
			ema25 = EXCLUDED.ema25,
			ema99 = EXCLUDED.ema99,
			rsi6 = EXCLUDED.rsi6,
			rsi14 = EXCLUDED.rsi14,
			volume_sma20 = EXCLUDED.volume_sma20,
			bb_upper = EXCLUDED.bb_upper,
			bb_middle = EXCLUDED.bb_middle,
			bb_lower = EXCLUDED.bb_lower,
			stoch_k = EXCLUDED.stoch_k,
			stoch_d = EXCLUDED.stoch_d,
			vwap = EXCLUDED.vwap,
			atr14 = EXCLUDED.atr14,
			adx14 = EXCLUDED.adx14
	`, table, candleColumns)

	_, err = db.pool.Exec(ctx, query,
		c.Timestamp,
		c.Open,
		c.High,
		c.Low,
		c.Close,
		c.Volume,
		c.EMA7,
		c.EMA25,
		c.EMA99,
		c.RSI6,
		c.RSI14,
		c.VolumeSMA20,
		c.BBUpper,
		c.BBMiddle,
		c.BBLower,
		c.StochK,
		c.StochD,
		c.VWAP,
		c.ATR14,
		c.ADX14,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle into %s: %w", table, err)
	}

	return nil
}

// UpsertCandles writes a batch of candles, typically from warm-up or gap-fill.
func (db *DB) UpsertCandles(ctx context.Context, symbol, timeframe string, candles []*Candle) error {
	for _, c := range candles {
		if err := db.UpsertCandle(ctx, symbol, timeframe, c); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentCandles returns up to limit most recent candles in ascending
// timestamp order.
func (db *DB) GetRecentCandles(ctx context.Context, symbol, timeframe string, limit int) ([]*Candle, error) {
	table, err := candleTableName(symbol, timeframe)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		ORDER BY timestamp DESC
		LIMIT $1
	`, candleColumns, table)

	rows, err := db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles from %s: %w", table, err)
	}
	defer rows.Close()

	var candles []*Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	// Query returns newest first; callers consume oldest first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

// GetCandleRange returns candles with from <= timestamp < to in ascending
// order. Used by the backtest data loader.
func (db *DB) GetCandleRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]*Candle, error) {
	table, err := candleTableName(symbol, timeframe)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp ASC
	`, candleColumns, table)

	rows, err := db.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range from %s: %w", table, err)
	}
	defer rows.Close()

	var candles []*Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	return candles, nil
}

// GetLatestCandleTime returns the newest stored timestamp, or nil when the
// table is empty. Reconnect gap-fill resumes from this point.
func (db *DB) GetLatestCandleTime(ctx context.Context, symbol, timeframe string) (*time.Time, error) {
	table, err := candleTableName(symbol, timeframe)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT timestamp FROM %s ORDER BY timestamp DESC LIMIT 1", table)

	var ts time.Time
	err = db.pool.QueryRow(ctx, query).Scan(&ts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest candle time from %s: %w", table, err)
	}

	return &ts, nil
}

// CountCandles returns the number of rows among the most recent limit slots.
// The history endpoint uses it for the local-coverage check.
func (db *DB) CountCandles(ctx context.Context, symbol, timeframe string, limit int) (int, error) {
	table, err := candleTableName(symbol, timeframe)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT 1 FROM %s ORDER BY timestamp DESC LIMIT $1
		) recent
	`, table)

	var count int
	if err := db.pool.QueryRow(ctx, query, limit).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count candles in %s: %w", table, err)
	}

	return count, nil
}
