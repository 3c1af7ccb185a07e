package indicators

import "math"

// ATR computes the Wilder-smoothed Average True Range. Needs period+1 bars
// (the first true range uses the previous close).
func ATR(highs, lows, closes []float64, period int) Value {
	series := ATRSeries(highs, lows, closes, period)
	if len(series) == 0 {
		return Invalid
	}
	return NewValue(series[len(series)-1])
}

// ATRSeries returns the ATR stream aligned to the input tail; entries before
// warm-up are omitted.
func ATRSeries(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if period < 1 || n != len(highs) || n != len(lows) || n < period+1 {
		return nil
	}

	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
	}

	smoothed := smoothWilder(tr[1:], period)
	if len(smoothed) < period {
		return nil
	}
	return smoothed[period-1:]
}
