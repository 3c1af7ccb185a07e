package indicators

import (
	"time"

	"github.com/pulsetrader/pulsetrader/internal/market"
)

// SessionVWAP computes the volume-weighted average price over the current
// session. A session starts at UTC midnight of the most recent candle; bars
// before the session boundary do not contribute.
func SessionVWAP(candles []market.Candle) Value {
	if len(candles) == 0 {
		return Invalid
	}

	last := candles[len(candles)-1].Timestamp.UTC()
	sessionStart := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)

	var pvSum, volSum float64
	for _, c := range candles {
		if c.Timestamp.UTC().Before(sessionStart) {
			continue
		}
		pvSum += c.TypicalPrice() * c.Volume
		volSum += c.Volume
	}
	if volSum == 0 {
		return Invalid
	}
	return NewValue(pvSum / volSum)
}
