package indicators

import (
	"testing"
)

func TestNearLowerBand(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		lower float64
		tol   float64
		want  bool
	}{
		{"below band", 98.50, 99.00, DefaultBandTolerance, true},
		{"within tolerance", 99.20, 99.00, DefaultBandTolerance, true},
		{"at tolerance edge", 100.485, 99.00, DefaultBandTolerance, true},
		{"beyond tolerance", 100.60, 99.00, DefaultBandTolerance, false},
		{"invalid band", 99.20, 0, DefaultBandTolerance, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NearLowerBand(tt.price, tt.lower, tt.tol); got != tt.want {
				t.Errorf("NearLowerBand(%.3f, %.3f, %.3f) = %v, want %v",
					tt.price, tt.lower, tt.tol, got, tt.want)
			}
		})
	}
}

func TestNearUpperBand(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		upper float64
		tol   float64
		want  bool
	}{
		{"above band", 101.00, 100.00, DefaultBandTolerance, true},
		{"within tolerance", 98.60, 100.00, DefaultBandTolerance, true},
		{"beyond tolerance", 98.40, 100.00, DefaultBandTolerance, false},
		{"invalid band", 101.00, 0, DefaultBandTolerance, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NearUpperBand(tt.price, tt.upper, tt.tol); got != tt.want {
				t.Errorf("NearUpperBand(%.3f, %.3f, %.3f) = %v, want %v",
					tt.price, tt.upper, tt.tol, got, tt.want)
			}
		})
	}
}

func TestDistanceFromVWAPPct(t *testing.T) {
	if got := DistanceFromVWAPPct(101, 100); !almostEqual(got, 1.0) {
		t.Errorf("distance = %.4f, want 1.0", got)
	}
	if got := DistanceFromVWAPPct(99, 100); !almostEqual(got, -1.0) {
		t.Errorf("distance = %.4f, want -1.0", got)
	}
	if got := DistanceFromVWAPPct(100, 0); got != 0 {
		t.Errorf("zero VWAP should yield 0, got %.4f", got)
	}
}

func TestStochCrosses(t *testing.T) {
	tests := []struct {
		name     string
		prevK    float64
		k        float64
		wantUp   bool
		wantDown bool
	}{
		{"cross up through oversold", 18, 22, true, false},
		{"cross up from the level", 20, 21, true, false},
		{"already above oversold", 22, 25, false, false},
		{"still below oversold", 18, 19, false, false},
		{"cross down through overbought", 82, 78, false, true},
		{"cross down from the level", 80, 79, false, true},
		{"already below overbought", 78, 75, false, false},
		{"still above overbought", 82, 81, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StochKCrossUp(tt.prevK, tt.k); got != tt.wantUp {
				t.Errorf("StochKCrossUp(%.0f, %.0f) = %v, want %v", tt.prevK, tt.k, got, tt.wantUp)
			}
			if got := StochKCrossDown(tt.prevK, tt.k); got != tt.wantDown {
				t.Errorf("StochKCrossDown(%.0f, %.0f) = %v, want %v", tt.prevK, tt.k, got, tt.wantDown)
			}
		})
	}
}

func TestVolumeSpike(t *testing.T) {
	tests := []struct {
		name          string
		current       float64
		sma           float64
		threshold     float64
		wantSpike     bool
		wantIntensity float64
	}{
		{"three times average", 300, 100, DefaultVolumeSpikeThreshold, true, 3.0},
		{"exactly at threshold", 200, 100, DefaultVolumeSpikeThreshold, true, 2.0},
		{"below threshold", 150, 100, DefaultVolumeSpikeThreshold, false, 1.5},
		{"zero average", 300, 0, DefaultVolumeSpikeThreshold, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spike, intensity := VolumeSpike(tt.current, tt.sma, tt.threshold)
			if spike != tt.wantSpike {
				t.Errorf("spike = %v, want %v", spike, tt.wantSpike)
			}
			if !almostEqual(intensity, tt.wantIntensity) {
				t.Errorf("intensity = %.4f, want %.4f", intensity, tt.wantIntensity)
			}
		})
	}
}
