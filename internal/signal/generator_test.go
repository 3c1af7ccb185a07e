package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/indicators"
	"github.com/pulsetrader/pulsetrader/internal/market"
)

func defaultGenConfig() config.SignalConfig {
	return config.SignalConfig{
		MinScore:             4,
		ADXMin:               25.0,
		EntryOffsetPct:       0.001,
		StopLossPct:          0.01,
		BandTolerancePct:     0.015,
		VWAPProximityPct:     1.0,
		VolumeSpikeThreshold: 2.0,
		TTLSeconds:           300,
		Gate:                 config.GateConfig{MinConfirmations: 2, MaxWaitSeconds: 180},
	}
}

func defaultRisk() RiskParams {
	return RiskParams{Balance: 10000, RiskPercent: 1.0, RRRatio: 2.0}
}

func val(x float64) indicators.Value {
	return indicators.Value{Value: x, Valid: true}
}

// buySetupSnapshot scores 4/5 on the buy side: near the lower band, a stoch
// cross up out of oversold, a bullish candle and a 3x volume spike. Price
// sits below VWAP, so the trend condition misses.
func buySetupSnapshot() *indicators.Snapshot {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &indicators.Snapshot{
		Symbol:    "BTCUSDT",
		Timestamp: ts,
		Candle: market.Candle{
			Timestamp: ts, Open: 99.10, High: 99.25, Low: 99.05, Close: 99.20, Volume: 3000,
		},
		VolumeSMA20: val(1000),
		Bollinger: indicators.Bands{
			Upper:  val(101.0),
			Middle: val(100.0),
			Lower:  val(99.0),
		},
		Stoch: indicators.StochRSIResult{
			K:     val(22),
			D:     val(20),
			PrevK: val(18),
		},
		VWAP:  val(100.0),
		ADX14: val(31.0),
	}
}

func TestEvaluateBuySetup(t *testing.T) {
	g := NewGenerator(defaultGenConfig())

	sig := g.Evaluate(buySetupSnapshot(), defaultRisk())
	require.NotNil(t, sig)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, db.SignalDirectionBuy, sig.Direction)
	assert.Equal(t, 99.20, sig.Price)

	// 4/5 conditions at min_score 4 is the lowest firing confidence.
	assert.InDelta(t, 0.6, sig.Confidence, 1e-9)
	assert.Len(t, sig.ReasonList(), 4)

	// Limit entry sits one offset below price, the stop one percent under
	// the entry, and the ladder steps by rr times the stop distance.
	entry := 99.20 * (1 - 0.001)
	stop := entry * (1 - 0.01)
	step := 2.0 * (entry - stop)
	assert.InDelta(t, entry, sig.EntryPrice, 1e-9)
	assert.InDelta(t, stop, sig.StopLoss, 1e-9)
	assert.InDelta(t, entry+step, sig.TP1, 1e-9)
	assert.InDelta(t, entry+2*step, sig.TP2, 1e-9)
	assert.InDelta(t, entry+3*step, sig.TP3, 1e-9)
	assert.Equal(t, 2.0, sig.RiskRewardRatio)

	// Ordering invariant for a BUY plan.
	assert.Less(t, sig.StopLoss, sig.EntryPrice)
	assert.Less(t, sig.EntryPrice, sig.TP1)
	assert.Less(t, sig.TP1, sig.TP2)
	assert.Less(t, sig.TP2, sig.TP3)

	// Size risks one percent of the wallet across the stop distance.
	assert.InDelta(t, 100.0/(entry-stop), sig.PositionSize, 1e-9)

	values := sig.IndicatorValues()
	require.NotNil(t, values)
	assert.Equal(t, 99.20, values["price"])
	assert.Equal(t, 100.0, values["vwap"])
}

func TestEvaluateSellSetupFullScore(t *testing.T) {
	g := NewGenerator(defaultGenConfig())

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := &indicators.Snapshot{
		Symbol:    "ETHUSDT",
		Timestamp: ts,
		Candle: market.Candle{
			Timestamp: ts, Open: 101.0, High: 101.1, Low: 100.7, Close: 100.8, Volume: 2500,
		},
		VolumeSMA20: val(1000),
		Bollinger: indicators.Bands{
			Upper:  val(100.9),
			Middle: val(100.0),
			Lower:  val(99.1),
		},
		Stoch: indicators.StochRSIResult{
			K:     val(75),
			D:     val(78),
			PrevK: val(82),
		},
		VWAP:  val(101.5),
		ADX14: val(28.0),
	}

	sig := g.Evaluate(snap, defaultRisk())
	assert.Equal(t, db.SignalDirectionSell, sig.Direction)
	// All five conditions land: full confidence.
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
	assert.Len(t, sig.ReasonList(), 5)

	entry := 100.8 * (1 + 0.001)
	stop := entry * (1 + 0.01)
	step := 2.0 * (stop - entry)
	assert.InDelta(t, entry, sig.EntryPrice, 1e-9)
	assert.InDelta(t, stop, sig.StopLoss, 1e-9)
	assert.InDelta(t, entry-step, sig.TP1, 1e-9)
	assert.InDelta(t, entry-2*step, sig.TP2, 1e-9)
	assert.InDelta(t, entry-3*step, sig.TP3, 1e-9)

	// Ordering invariant for a SELL plan.
	assert.Greater(t, sig.StopLoss, sig.EntryPrice)
	assert.Greater(t, sig.EntryPrice, sig.TP1)
	assert.Greater(t, sig.TP1, sig.TP2)
	assert.Greater(t, sig.TP2, sig.TP3)
}

func TestEvaluateADXVeto(t *testing.T) {
	g := NewGenerator(defaultGenConfig())

	snap := buySetupSnapshot()
	snap.ADX14 = val(24.0)

	sig := g.Evaluate(snap, defaultRisk())
	assert.Equal(t, db.SignalDirectionNeutral, sig.Direction)
	assert.Zero(t, sig.EntryPrice)
	assert.Zero(t, sig.Confidence)

	reasons := sig.ReasonList()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "ADX")
}

func TestEvaluateWarmupNeutral(t *testing.T) {
	g := NewGenerator(defaultGenConfig())

	snap := buySetupSnapshot()
	snap.VWAP = indicators.Value{}
	snap.Stoch.PrevK = indicators.Value{}

	sig := g.Evaluate(snap, defaultRisk())
	assert.Equal(t, db.SignalDirectionNeutral, sig.Direction)

	reasons := sig.ReasonList()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "warming up")
	assert.Contains(t, reasons[0], "vwap")
	assert.Contains(t, reasons[0], "stoch_prev_k")
}

func TestEvaluateTieStaysNeutral(t *testing.T) {
	cfg := defaultGenConfig()
	cfg.MinScore = 2
	g := NewGenerator(cfg)

	// A doji pinned to VWAP between tight bands: both sides collect the
	// band condition and the volume spike, neither gets more.
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := &indicators.Snapshot{
		Symbol:    "BTCUSDT",
		Timestamp: ts,
		Candle: market.Candle{
			Timestamp: ts, Open: 100, High: 100.2, Low: 99.8, Close: 100, Volume: 3000,
		},
		VolumeSMA20: val(1000),
		Bollinger: indicators.Bands{
			Upper:  val(100.5),
			Middle: val(100.0),
			Lower:  val(99.5),
		},
		Stoch: indicators.StochRSIResult{
			K:     val(50),
			D:     val(50),
			PrevK: val(50),
		},
		VWAP:  val(100.0),
		ADX14: val(30.0),
	}

	sig := g.Evaluate(snap, defaultRisk())
	assert.Equal(t, db.SignalDirectionNeutral, sig.Direction)

	reasons := sig.ReasonList()
	require.Len(t, reasons, 1)
	assert.True(t, strings.HasPrefix(reasons[0], "tie"), "unexpected reason: %s", reasons[0])
}

func TestEvaluateScoreBelowMinimum(t *testing.T) {
	g := NewGenerator(defaultGenConfig())

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := &indicators.Snapshot{
		Symbol:    "BTCUSDT",
		Timestamp: ts,
		Candle: market.Candle{
			Timestamp: ts, Open: 99.9, High: 100.1, Low: 99.8, Close: 100, Volume: 1000,
		},
		VolumeSMA20: val(1000),
		Bollinger: indicators.Bands{
			Upper:  val(110),
			Middle: val(100),
			Lower:  val(90),
		},
		Stoch: indicators.StochRSIResult{
			K:     val(55),
			D:     val(50),
			PrevK: val(50),
		},
		VWAP:  val(99.0),
		ADX14: val(30.0),
	}

	sig := g.Evaluate(snap, defaultRisk())
	assert.Equal(t, db.SignalDirectionNeutral, sig.Direction)

	reasons := sig.ReasonList()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "score below minimum")
}

func TestEvaluatePlanDefaults(t *testing.T) {
	g := NewGenerator(defaultGenConfig())

	// A non-positive rr collapses to 1 and a zero balance yields no size.
	sig := g.Evaluate(buySetupSnapshot(), RiskParams{Balance: 0, RiskPercent: 1, RRRatio: 0})
	require.Equal(t, db.SignalDirectionBuy, sig.Direction)
	assert.Equal(t, 1.0, sig.RiskRewardRatio)
	assert.InDelta(t, sig.EntryPrice+(sig.EntryPrice-sig.StopLoss), sig.TP1, 1e-9)
	assert.Zero(t, sig.PositionSize)
}
