package indicators

// Stochastic RSI with separate K/D smoothing is not available in
// cinar/indicator v2 with this parameterization, so we implement the
// stochastic layer ourselves on top of the cinar RSI stream.

// StochRSIParams is the (rsi, stoch, k, d) parameterization.
type StochRSIParams struct {
	RSIPeriod   int
	StochPeriod int
	KSmooth     int
	DSmooth     int
}

// DefaultStochRSIParams is the 14/14/3/3 setup the signal generator uses.
var DefaultStochRSIParams = StochRSIParams{RSIPeriod: 14, StochPeriod: 14, KSmooth: 3, DSmooth: 3}

// StochRSIResult carries the last two K samples (for cross detection) and
// the latest D.
type StochRSIResult struct {
	K     Value `json:"k"`
	D     Value `json:"d"`
	PrevK Value `json:"prev_k"`
}

// MinBars returns the conservative number of closes required before the
// oscillator is considered warmed up.
func (p StochRSIParams) MinBars() int {
	return p.RSIPeriod + p.StochPeriod + p.KSmooth + p.DSmooth
}

// StochRSI computes the stochastic oscillator over the RSI stream.
func StochRSI(closes []float64, p StochRSIParams) StochRSIResult {
	if len(closes) < p.MinBars() {
		return StochRSIResult{}
	}

	rsi := RSISeries(closes, p.RSIPeriod)
	if len(rsi) < p.StochPeriod {
		return StochRSIResult{}
	}

	// Raw %K: position of the current RSI within its stochPeriod range.
	raw := make([]float64, 0, len(rsi)-p.StochPeriod+1)
	for i := p.StochPeriod - 1; i < len(rsi); i++ {
		lo, hi := rsi[i], rsi[i]
		for j := i - p.StochPeriod + 1; j <= i; j++ {
			if rsi[j] < lo {
				lo = rsi[j]
			}
			if rsi[j] > hi {
				hi = rsi[j]
			}
		}
		if hi == lo {
			raw = append(raw, 50) // flat RSI window
			continue
		}
		raw = append(raw, 100*(rsi[i]-lo)/(hi-lo))
	}

	k := SMASeries(raw, p.KSmooth)
	if len(k) < 2 {
		return StochRSIResult{}
	}
	d := SMASeries(k, p.DSmooth)
	if len(d) == 0 {
		return StochRSIResult{}
	}

	return StochRSIResult{
		K:     NewValue(k[len(k)-1]),
		PrevK: NewValue(k[len(k)-2]),
		D:     NewValue(d[len(d)-1]),
	}
}
