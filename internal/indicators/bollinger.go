package indicators

import (
	"github.com/cinar/indicator/v2/volatility"
)

// Bands is one Bollinger Bands sample. The cinar implementation is fixed at
// 2 standard deviations, which matches the (20, 2σ) parameterization used
// throughout the engine.
type Bands struct {
	Upper  Value `json:"upper"`
	Middle Value `json:"middle"`
	Lower  Value `json:"lower"`
}

// BollingerBands returns the latest bands over closes.
func BollingerBands(closes []float64, period int) Bands {
	upper, middle, lower := BollingerSeries(closes, period)
	if len(middle) == 0 {
		return Bands{}
	}
	last := len(middle) - 1
	return Bands{
		Upper:  NewValue(upper[last]),
		Middle: NewValue(middle[last]),
		Lower:  NewValue(lower[last]),
	}
}

// BollingerSeries computes the aligned upper/middle/lower streams.
func BollingerSeries(closes []float64, period int) (upper, middle, lower []float64) {
	if period < 2 || len(closes) < period {
		return nil, nil, nil
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	upperChan, middleChan, lowerChan := bb.Compute(chanOf(closes))
	for {
		u, uok := <-upperChan
		m, mok := <-middleChan
		l, lok := <-lowerChan
		if !uok || !mok || !lok {
			break
		}
		upper = append(upper, u)
		middle = append(middle, m)
		lower = append(lower, l)
	}
	return upper, middle, lower
}
