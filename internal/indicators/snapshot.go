package indicators

import (
	"time"

	"github.com/pulsetrader/pulsetrader/internal/market"
)

// Snapshot is the aligned indicator view at one candle close: everything the
// signal generator needs to score a direction. Fields may be Invalid during
// warm-up.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`

	Candle market.Candle `json:"candle"`

	EMA7  Value `json:"ema_7"`
	EMA25 Value `json:"ema_25"`
	EMA99 Value `json:"ema_99"`

	RSI6  Value `json:"rsi_6"`
	RSI14 Value `json:"rsi_14"`

	VolumeSMA20 Value `json:"volume_sma_20"`
	Bollinger   Bands `json:"bollinger"`

	Stoch StochRSIResult `json:"stoch_rsi"`

	VWAP  Value `json:"vwap"`
	ATR14 Value `json:"atr_14"`
	ADX14 Value `json:"adx_14"`
}

// Price is the snapshot's close, the reference price for signals.
func (s *Snapshot) Price() float64 { return s.Candle.Close }

// ComputeSnapshot evaluates the full indicator stack over the series.
// The window is capped at 500 bars, enough for EMA(99) and the ADX warm-up.
func ComputeSnapshot(series *market.Series) *Snapshot {
	candles := series.Latest(500)
	if len(candles) == 0 {
		return nil
	}

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	last := candles[n-1]
	return &Snapshot{
		Symbol:      series.Symbol(),
		Timestamp:   last.Timestamp,
		Candle:      last,
		EMA7:        EMA(closes, 7),
		EMA25:       EMA(closes, 25),
		EMA99:       EMA(closes, 99),
		RSI6:        RSI(closes, 6),
		RSI14:       RSI(closes, 14),
		VolumeSMA20: SMA(volumes, 20),
		Bollinger:   BollingerBands(closes, 20),
		Stoch:       StochRSI(closes, DefaultStochRSIParams),
		VWAP:        SessionVWAP(candles),
		ATR14:       ATR(highs, lows, closes, 14),
		ADX14:       ADX(highs, lows, closes, 14),
	}
}

// Map flattens the snapshot into the loosely typed indicator map persisted
// with each signal and sent in WebSocket snapshot frames. Invalid values are
// omitted.
func (s *Snapshot) Map() map[string]float64 {
	out := make(map[string]float64, 16)
	put := func(key string, v Value) {
		if v.Valid {
			out[key] = v.Value
		}
	}
	put("ema_7", s.EMA7)
	put("ema_25", s.EMA25)
	put("ema_99", s.EMA99)
	put("rsi_6", s.RSI6)
	put("rsi_14", s.RSI14)
	put("volume_sma_20", s.VolumeSMA20)
	put("bb_upper", s.Bollinger.Upper)
	put("bb_middle", s.Bollinger.Middle)
	put("bb_lower", s.Bollinger.Lower)
	put("stoch_k", s.Stoch.K)
	put("stoch_d", s.Stoch.D)
	put("vwap", s.VWAP)
	put("atr_14", s.ATR14)
	put("adx_14", s.ADX14)
	out["price"] = s.Candle.Close
	out["volume"] = s.Candle.Volume
	return out
}

// HistoryPoint is one candle with the indicator columns the history API
// returns alongside it.
type HistoryPoint struct {
	market.Candle
	EMA7    *float64 `json:"ema_7,omitempty"`
	EMA25   *float64 `json:"ema_25,omitempty"`
	EMA99   *float64 `json:"ema_99,omitempty"`
	RSI6    *float64 `json:"rsi_6,omitempty"`
	RSI14   *float64 `json:"rsi_14,omitempty"`
	BBUpper *float64 `json:"bb_upper,omitempty"`
	BBLower *float64 `json:"bb_lower,omitempty"`
	VWAP    *float64 `json:"vwap,omitempty"`
}

// ComputeHistory decorates candles with aligned indicator streams for the
// market-history endpoint. Entries before warm-up stay nil.
func ComputeHistory(candles []market.Candle) []HistoryPoint {
	n := len(candles)
	points := make([]HistoryPoint, n)
	closes := make([]float64, n)
	for i, c := range candles {
		points[i].Candle = c
		closes[i] = c.Close
	}

	alignTail := func(series []float64, set func(p *HistoryPoint, v float64)) {
		offset := n - len(series)
		for i, v := range series {
			val := v
			set(&points[offset+i], val)
		}
	}

	alignTail(EMASeries(closes, 7), func(p *HistoryPoint, v float64) { p.EMA7 = &v })
	alignTail(EMASeries(closes, 25), func(p *HistoryPoint, v float64) { p.EMA25 = &v })
	alignTail(EMASeries(closes, 99), func(p *HistoryPoint, v float64) { p.EMA99 = &v })
	alignTail(RSISeries(closes, 6), func(p *HistoryPoint, v float64) { p.RSI6 = &v })
	alignTail(RSISeries(closes, 14), func(p *HistoryPoint, v float64) { p.RSI14 = &v })

	upper, _, lower := BollingerSeries(closes, 20)
	alignTail(upper, func(p *HistoryPoint, v float64) { p.BBUpper = &v })
	alignTail(lower, func(p *HistoryPoint, v float64) { p.BBLower = &v })

	// Session VWAP is cumulative, computed left to right.
	for i := range points {
		if v := SessionVWAP(candles[:i+1]); v.Valid {
			val := v.Value
			points[i].VWAP = &val
		}
	}
	return points
}
