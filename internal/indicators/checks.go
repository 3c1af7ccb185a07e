package indicators

// Thresholds for the derived checks the signal generator evaluates.
const (
	// DefaultBandTolerance widens the lower/upper band touch test by 1.5%.
	DefaultBandTolerance = 0.015
	// DefaultVolumeSpikeThreshold fires when volume reaches 2x its SMA.
	DefaultVolumeSpikeThreshold = 2.0
	// StochOversold and StochOverbought are the %K cross levels.
	StochOversold   = 20.0
	StochOverbought = 80.0
)

// NearLowerBand reports whether price is at or within tol of the lower band.
func NearLowerBand(price, lower, tol float64) bool {
	return lower > 0 && price <= lower*(1+tol)
}

// NearUpperBand is the short-side mirror of NearLowerBand.
func NearUpperBand(price, upper, tol float64) bool {
	return upper > 0 && price >= upper*(1-tol)
}

// DistanceFromVWAPPct is the signed distance of price from VWAP in percent.
func DistanceFromVWAPPct(price, vwap float64) float64 {
	if vwap == 0 {
		return 0
	}
	return (price - vwap) / vwap * 100
}

// StochKCrossUp reports a %K cross up through the oversold level on the last
// two samples.
func StochKCrossUp(prevK, k float64) bool {
	return prevK <= StochOversold && k > StochOversold
}

// StochKCrossDown reports a %K cross down through the overbought level on
// the last two samples.
func StochKCrossDown(prevK, k float64) bool {
	return prevK >= StochOverbought && k < StochOverbought
}

// VolumeSpike reports whether current volume reaches threshold times its
// moving average, along with the spike intensity (current/sma).
func VolumeSpike(current, sma, threshold float64) (bool, float64) {
	if sma <= 0 {
		return false, 0
	}
	intensity := current / sma
	return intensity >= threshold, intensity
}
