// Package signal turns indicator snapshots into trading signals: a scoring
// generator, a per-symbol confirmation gate, and the persisted lifecycle
// manager that tracks each signal from GENERATED to a terminal state.
package signal

import (
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/indicators"
)

// RiskParams are the account inputs for entry planning, passed per
// evaluation so runtime settings changes take effect on the next candle.
type RiskParams struct {
	Balance     float64 // current wallet balance
	RiskPercent float64 // percent of balance risked per trade
	RRRatio     float64 // take-profit distance as a multiple of stop distance
}

// Generator scores each 1m close against five conditions per direction and
// emits a fully planned signal (entry, stop, take-profit ladder, size) when a
// direction reaches the minimum score. Everything else comes out NEUTRAL with
// the reason recorded.
type Generator struct {
	cfg config.SignalConfig
}

// NewGenerator creates a signal generator with the given thresholds.
func NewGenerator(cfg config.SignalConfig) *Generator {
	return &Generator{cfg: cfg}
}

// evaluation is one direction's score with the conditions that contributed.
type evaluation struct {
	score   int
	reasons []string
}

func (e *evaluation) hit(reason string) {
	e.score++
	e.reasons = append(e.reasons, reason)
}

// Evaluate scores the snapshot and returns a signal. The result is never nil;
// NEUTRAL results carry the veto or miss reason. Only non-NEUTRAL results are
// meant for the confirmation gate.
func (g *Generator) Evaluate(snap *indicators.Snapshot, risk RiskParams) *db.Signal {
	sig := &db.Signal{
		Symbol:    snap.Symbol,
		Direction: db.SignalDirectionNeutral,
		Price:     snap.Price(),
	}
	if err := sig.SetIndicators(snap.Map()); err != nil {
		log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Failed to serialize indicator map")
	}

	if missing := missingInputs(snap); len(missing) > 0 {
		return g.neutral(sig, "indicators warming up: "+strings.Join(missing, ", "))
	}

	// Hard trend filter: without directional strength every setup is noise.
	if adx := snap.ADX14.Value; adx < g.cfg.ADXMin {
		return g.neutral(sig, fmt.Sprintf("ADX %.1f below %.1f trend minimum", adx, g.cfg.ADXMin))
	}

	buy := g.scoreBuy(snap)
	sell := g.scoreSell(snap)

	buyFired := buy.score >= g.cfg.MinScore
	sellFired := sell.score >= g.cfg.MinScore

	switch {
	case buyFired && sellFired:
		return g.neutral(sig, fmt.Sprintf("tie: buy %d/5 and sell %d/5 both fired", buy.score, sell.score))
	case buyFired:
		sig.Direction = db.SignalDirectionBuy
		g.plan(sig, buy, risk)
	case sellFired:
		sig.Direction = db.SignalDirectionSell
		g.plan(sig, sell, risk)
	default:
		return g.neutral(sig, fmt.Sprintf("score below minimum: buy %d/5, sell %d/5", buy.score, sell.score))
	}

	log.Debug().
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Float64("entry", sig.EntryPrice).
		Float64("stop_loss", sig.StopLoss).
		Msg("Signal generated")

	return sig
}

func (g *Generator) neutral(sig *db.Signal, reason string) *db.Signal {
	if err := sig.SetReasons([]string{reason}); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Failed to serialize signal reasons")
	}
	return sig
}

// missingInputs lists the indicators still warming up that the scorer
// cannot do without.
func missingInputs(snap *indicators.Snapshot) []string {
	var missing []string
	check := func(name string, v indicators.Value) {
		if !v.Valid {
			missing = append(missing, name)
		}
	}
	check("vwap", snap.VWAP)
	check("bb_lower", snap.Bollinger.Lower)
	check("bb_upper", snap.Bollinger.Upper)
	check("stoch_k", snap.Stoch.K)
	check("stoch_prev_k", snap.Stoch.PrevK)
	check("volume_sma_20", snap.VolumeSMA20)
	check("adx_14", snap.ADX14)
	return missing
}

func (g *Generator) scoreBuy(snap *indicators.Snapshot) evaluation {
	var e evaluation
	price := snap.Price()
	vwap := snap.VWAP.Value

	if price > vwap {
		e.hit(fmt.Sprintf("price above VWAP (%.2f > %.2f)", price, vwap))
	}

	dist := indicators.DistanceFromVWAPPct(price, vwap)
	switch {
	case indicators.NearLowerBand(price, snap.Bollinger.Lower.Value, g.cfg.BandTolerancePct):
		e.hit(fmt.Sprintf("price near lower band %.2f", snap.Bollinger.Lower.Value))
	case math.Abs(dist) < g.cfg.VWAPProximityPct:
		e.hit(fmt.Sprintf("price within %.1f%% of VWAP", g.cfg.VWAPProximityPct))
	}

	k, prevK := snap.Stoch.K.Value, snap.Stoch.PrevK.Value
	if indicators.StochKCrossUp(prevK, k) && k < indicators.StochOverbought {
		e.hit(fmt.Sprintf("stoch K crossed up (%.1f -> %.1f)", prevK, k))
	}

	if snap.Candle.Bullish() {
		e.hit("bullish candle")
	}

	if spike, intensity := indicators.VolumeSpike(snap.Candle.Volume, snap.VolumeSMA20.Value, g.cfg.VolumeSpikeThreshold); spike {
		e.hit(fmt.Sprintf("volume spike %.1fx", intensity))
	}

	return e
}

func (g *Generator) scoreSell(snap *indicators.Snapshot) evaluation {
	var e evaluation
	price := snap.Price()
	vwap := snap.VWAP.Value

	if price < vwap {
		e.hit(fmt.Sprintf("price below VWAP (%.2f < %.2f)", price, vwap))
	}

	dist := indicators.DistanceFromVWAPPct(price, vwap)
	switch {
	case indicators.NearUpperBand(price, snap.Bollinger.Upper.Value, g.cfg.BandTolerancePct):
		e.hit(fmt.Sprintf("price near upper band %.2f", snap.Bollinger.Upper.Value))
	case math.Abs(dist) < g.cfg.VWAPProximityPct:
		e.hit(fmt.Sprintf("price within %.1f%% of VWAP", g.cfg.VWAPProximityPct))
	}

	k, prevK := snap.Stoch.K.Value, snap.Stoch.PrevK.Value
	if indicators.StochKCrossDown(prevK, k) && k > indicators.StochOversold {
		e.hit(fmt.Sprintf("stoch K crossed down (%.1f -> %.1f)", prevK, k))
	}

	if !snap.Candle.Bullish() && snap.Candle.Close != snap.Candle.Open {
		e.hit("bearish candle")
	}

	if spike, intensity := indicators.VolumeSpike(snap.Candle.Volume, snap.VolumeSMA20.Value, g.cfg.VolumeSpikeThreshold); spike {
		e.hit(fmt.Sprintf("volume spike %.1fx", intensity))
	}

	return e
}

// plan fills in confidence, limit entry, stop, take-profit ladder and size
// for a fired direction.
func (g *Generator) plan(sig *db.Signal, e evaluation, risk RiskParams) {
	sig.Confidence = g.confidence(e.score)
	if err := sig.SetReasons(e.reasons); err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Failed to serialize signal reasons")
	}

	// Limit entry slightly inside the move: below price for BUY, above for
	// SELL, so the fill needs a small retrace.
	offset := sig.Price * g.cfg.EntryOffsetPct
	if sig.Direction == db.SignalDirectionBuy {
		sig.EntryPrice = sig.Price - offset
		sig.StopLoss = sig.EntryPrice * (1 - g.cfg.StopLossPct)
	} else {
		sig.EntryPrice = sig.Price + offset
		sig.StopLoss = sig.EntryPrice * (1 + g.cfg.StopLossPct)
	}

	stopDistance := math.Abs(sig.EntryPrice - sig.StopLoss)
	rr := risk.RRRatio
	if rr <= 0 {
		rr = 1
	}
	sig.RiskRewardRatio = rr

	step := rr * stopDistance
	if sig.Direction == db.SignalDirectionBuy {
		sig.TP1 = sig.EntryPrice + step
		sig.TP2 = sig.EntryPrice + 2*step
		sig.TP3 = sig.EntryPrice + 3*step
	} else {
		sig.TP1 = sig.EntryPrice - step
		sig.TP2 = sig.EntryPrice - 2*step
		sig.TP3 = sig.EntryPrice - 3*step
	}

	if stopDistance > 0 && risk.Balance > 0 {
		riskAmount := risk.Balance * risk.RiskPercent / 100
		sig.PositionSize = riskAmount / stopDistance
	}
}

// confidence maps a firing score onto [0.6, 1.0]: the minimum firing score
// lands at 0.6 and a full 5/5 at 1.0.
func (g *Generator) confidence(score int) float64 {
	min := g.cfg.MinScore
	if min >= 5 || score >= 5 {
		return 1.0
	}
	return 0.6 + 0.4*float64(score-min)/float64(5-min)
}
