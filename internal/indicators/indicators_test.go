package indicators

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func risingCloses(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func fallingCloses(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - float64(i)*step
	}
	return out
}

func TestEMAWarmup(t *testing.T) {
	closes := risingCloses(30, 100, 0.5)

	tests := []struct {
		name      string
		closes    []float64
		period    int
		wantLen   int
		wantValid bool
	}{
		{"full window", closes, 7, 24, true},
		{"exact window", closes[:7], 7, 1, true},
		{"short window", closes[:6], 7, 0, false},
		{"zero period", closes, 0, 0, false},
		{"empty input", nil, 7, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series := EMASeries(tt.closes, tt.period)
			if len(series) != tt.wantLen {
				t.Errorf("series length = %d, want %d", len(series), tt.wantLen)
			}

			v := EMA(tt.closes, tt.period)
			if v.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", v.Valid, tt.wantValid)
			}
		})
	}
}

func TestEMATracksTrend(t *testing.T) {
	up := risingCloses(40, 100, 1)
	down := fallingCloses(40, 140, 1)

	emaUp := EMA(up, 10)
	if !emaUp.Valid {
		t.Fatal("expected valid EMA on rising closes")
	}
	if emaUp.Value >= up[len(up)-1] || emaUp.Value <= up[0] {
		t.Errorf("rising EMA %.4f should lag last close %.2f and exceed first %.2f",
			emaUp.Value, up[len(up)-1], up[0])
	}

	emaDown := EMA(down, 10)
	if !emaDown.Valid {
		t.Fatal("expected valid EMA on falling closes")
	}
	if emaDown.Value <= down[len(down)-1] {
		t.Errorf("falling EMA %.4f should sit above last close %.2f",
			emaDown.Value, down[len(down)-1])
	}
}

func TestRSIRange(t *testing.T) {
	tests := []struct {
		name   string
		closes []float64
		period int
		above  float64
		below  float64
	}{
		{"rising closes", risingCloses(40, 100, 0.8), 14, 50, 100.0001},
		{"falling closes", fallingCloses(40, 140, 0.8), 14, -0.0001, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := RSI(tt.closes, tt.period)
			if !v.Valid {
				t.Fatal("expected valid RSI")
			}
			if v.Value <= tt.above || v.Value >= tt.below {
				t.Errorf("RSI = %.4f, want within (%.2f, %.2f)", v.Value, tt.above, tt.below)
			}
		})
	}

	if v := RSI(risingCloses(14, 100, 1), 14); v.Valid {
		t.Error("RSI with period+0 samples should be invalid")
	}
	if series := RSISeries(risingCloses(20, 100, 1), 14); len(series) != 6 {
		t.Errorf("RSI series length = %d, want 6", len(series))
	}
}

func TestSMAValues(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}

	v := SMA(values, 5)
	if !v.Valid || !almostEqual(v.Value, 3) {
		t.Errorf("SMA = %+v, want 3", v)
	}

	series := SMASeries(values, 2)
	want := []float64{1.5, 2.5, 3.5, 4.5}
	if len(series) != len(want) {
		t.Fatalf("SMA series length = %d, want %d", len(series), len(want))
	}
	for i := range want {
		if !almostEqual(series[i], want[i]) {
			t.Errorf("series[%d] = %.4f, want %.4f", i, series[i], want[i])
		}
	}

	if v := SMA(values, 6); v.Valid {
		t.Error("SMA over short input should be invalid")
	}
}

func TestIndicatorDeterminism(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + 5*math.Sin(float64(i)/4) + float64(i)*0.1
	}

	first := EMASeries(closes, 25)
	second := EMASeries(closes, 25)
	if len(first) != len(second) {
		t.Fatalf("EMA run lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("EMA diverges at %d: %.10f vs %.10f", i, first[i], second[i])
		}
	}

	r1 := RSI(closes, 14)
	r2 := RSI(closes, 14)
	if r1 != r2 {
		t.Errorf("RSI not deterministic: %+v vs %+v", r1, r2)
	}
}

func TestNewValueSentinels(t *testing.T) {
	if v := NewValue(math.NaN()); v.Valid {
		t.Error("NaN should collapse to the invalid sentinel")
	}
	if v := NewValue(math.Inf(1)); v.Valid {
		t.Error("+Inf should collapse to the invalid sentinel")
	}
	if v := NewValue(42.5); !v.Valid || v.Value != 42.5 {
		t.Errorf("NewValue(42.5) = %+v", v)
	}
}
