// Package indicators computes the technical indicators the signal generator
// consumes. Every calculator is a pure function of a candle window; values
// produced before the warm-up window is full carry Valid=false and must be
// treated as condition-not-satisfied by callers.
package indicators

import (
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

// Value is one computed indicator output with its warm-up sentinel.
type Value struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Invalid is the warm-up sentinel.
var Invalid = Value{}

// NewValue wraps a computed float. NaN and Inf collapse to the sentinel.
func NewValue(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Invalid
	}
	return Value{Value: v, Valid: true}
}

// chanOf feeds a slice through a buffered channel, the input shape the
// cinar/indicator v2 compute functions take.
func chanOf(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// EMA returns the latest exponential moving average over closes.
func EMA(closes []float64, period int) Value {
	series := EMASeries(closes, period)
	if len(series) == 0 {
		return Invalid
	}
	return NewValue(series[len(series)-1])
}

// EMASeries computes the EMA stream; output is shorter than the input by
// period-1 and aligned to its tail.
func EMASeries(closes []float64, period int) []float64 {
	if period < 1 || len(closes) < period {
		return nil
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return collect(ema.Compute(chanOf(closes)))
}

// RSI returns the latest relative strength index over closes.
func RSI(closes []float64, period int) Value {
	series := RSISeries(closes, period)
	if len(series) == 0 {
		return Invalid
	}
	return NewValue(series[len(series)-1])
}

// RSISeries computes the RSI stream, aligned to the tail of closes.
func RSISeries(closes []float64, period int) []float64 {
	if period < 1 || len(closes) < period+1 {
		return nil
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return collect(rsi.Compute(chanOf(closes)))
}

// SMA returns the latest simple moving average; used with volumes for the
// volume-spike baseline.
func SMA(values []float64, period int) Value {
	series := SMASeries(values, period)
	if len(series) == 0 {
		return Invalid
	}
	return NewValue(series[len(series)-1])
}

// SMASeries computes the SMA stream, aligned to the tail of values.
func SMASeries(values []float64, period int) []float64 {
	if period < 1 || len(values) < period {
		return nil
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	return collect(sma.Compute(chanOf(values)))
}
