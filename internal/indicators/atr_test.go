package indicators

import (
	"testing"
)

func TestATRKnownValues(t *testing.T) {
	// tr[1] = max(1, |11-9.5|, |10-9.5|) = 1.5
	// tr[2] = max(1, |12-10.5|, |11-10.5|) = 1.5
	highs := []float64{10, 11, 12}
	lows := []float64{9, 10, 11}
	closes := []float64{9.5, 10.5, 11.5}

	v := ATR(highs, lows, closes, 2)
	if !v.Valid || !almostEqual(v.Value, 1.5) {
		t.Errorf("ATR = %+v, want 1.5", v)
	}
}

func TestATRConstantRange(t *testing.T) {
	n := 20
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 101
		lows[i] = 99
		closes[i] = 100
	}

	// Every true range is 2, so Wilder smoothing stays at 2.
	v := ATR(highs, lows, closes, 14)
	if !v.Valid || !almostEqual(v.Value, 2) {
		t.Errorf("ATR = %+v, want 2", v)
	}
}

func TestATRInputValidation(t *testing.T) {
	highs := []float64{10, 11, 12, 13}
	lows := []float64{9, 10, 11, 12}
	closes := []float64{9.5, 10.5, 11.5, 12.5}

	tests := []struct {
		name   string
		highs  []float64
		lows   []float64
		closes []float64
		period int
	}{
		{"mismatched lengths", highs[:3], lows, closes, 2},
		{"insufficient data", highs[:2], lows[:2], closes[:2], 2},
		{"zero period", highs, lows, closes, 0},
		{"empty", nil, nil, nil, 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := ATR(tt.highs, tt.lows, tt.closes, tt.period); v.Valid {
				t.Errorf("expected invalid ATR, got %+v", v)
			}
		})
	}
}

func TestATRSeriesLength(t *testing.T) {
	n := 30
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)*0.5
		highs[i] = base + 2
		lows[i] = base - 2
		closes[i] = base
	}

	series := ATRSeries(highs, lows, closes, 14)
	if len(series) != n-14 {
		t.Errorf("series length = %d, want %d", len(series), n-14)
	}
	for i, v := range series {
		if v <= 0 {
			t.Errorf("series[%d] = %.4f, want positive", i, v)
		}
	}
}
