// Package market holds the core market-data domain: candles, per-symbol
// candle series, and the price oracle used for PnL reads.
package market

import (
	"fmt"
	"time"
)

// Timeframe is a candle aggregation interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
)

// AllTimeframes lists the intervals the engine subscribes to, primary first.
var AllTimeframes = []Timeframe{Timeframe1m, Timeframe15m, Timeframe1h}

// ParseTimeframe validates a timeframe string from config or an API query.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe1m, Timeframe15m, Timeframe1h:
		return Timeframe(s), nil
	default:
		return "", fmt.Errorf("invalid timeframe: %q", s)
	}
}

// Step returns the duration of one candle at this timeframe.
func (tf Timeframe) Step() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (tf Timeframe) String() string { return string(tf) }

// Candle is one OHLCV bar. Closed candles are immutable; the forming bar is
// represented by successive candles with the same timestamp.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the OHLCV shape invariants.
func (c Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("candle has zero timestamp")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle prices must be positive")
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle volume must be non-negative")
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	if c.Low > lo || c.High < hi {
		return fmt.Errorf("candle violates low <= open/close <= high")
	}
	return nil
}

// Bullish reports whether the bar closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// TypicalPrice is (high+low+close)/3, the VWAP input.
func (c Candle) TypicalPrice() float64 { return (c.High + c.Low + c.Close) / 3.0 }
