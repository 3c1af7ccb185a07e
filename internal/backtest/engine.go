// Package backtest replays historical candles through the full signal path,
// indicator snapshots, the scoring generator and the confirmation gate on
// the bar clock, into an execution simulator that models the costs live
// paper fills hide: commission, volatility-scaled slippage, partial
// take-profit ladders and trailing stops, optionally walking each bar as an
// intrabar price path.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/indicators"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/signal"
)

// Config assembles the knobs a replay needs from the application config.
type Config struct {
	InitialCapital float64
	Timeframe      market.Timeframe
	Signal         config.SignalConfig
	Simulator      config.SimulatorConfig
	Execution      config.BacktestConfig
}

// EquityPoint is portfolio equity after one replay step.
type EquityPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Equity     float64   `json:"equity"`
	Balance    float64   `json:"balance"`
	Unrealized float64   `json:"unrealized"`
}

// Result bundles everything one replay produced.
type Result struct {
	Metrics *Metrics        `json:"metrics"`
	Trades  []*Trade        `json:"trades"`
	Equity  []EquityPoint   `json:"equity_curve"`
	Counts  ExecutionCounts `json:"counts"`
}

// candidate is a gate-released signal waiting for the bar's allocation.
type candidate struct {
	signal *db.Signal
	bar    market.Candle
	atr    float64
}

// Engine replays loaded candles on a shared timeline, always the earliest
// pending bar first, so multi-symbol runs are reproducible. Each closed bar
// first drives the execution book, then feeds the signal path; signals
// released on the same step compete for a single slot when shark-tank
// selection is on.
type Engine struct {
	cfg       Config
	generator *signal.Generator
	gate      *signal.Gate
	sim       *ExecutionSimulator

	data   map[string][]market.Candle
	index  map[string]int
	series map[string]*market.Series

	now    time.Time
	equity []EquityPoint
}

// New creates a replay engine. The confirmation gate runs on the bar clock,
// so wait windows are measured in replayed time.
func New(cfg Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		generator: signal.NewGenerator(cfg.Signal),
		sim:       NewExecutionSimulator(cfg.Execution, cfg.Simulator, cfg.InitialCapital),
		data:      make(map[string][]market.Candle),
		index:     make(map[string]int),
		series:    make(map[string]*market.Series),
	}
	e.gate = signal.NewGateWithClock(cfg.Signal.Gate, func() time.Time { return e.now })
	return e
}

// LoadData registers one symbol's candles for replay, sorted ascending.
func (e *Engine) LoadData(symbol string, candles []market.Candle) error {
	if len(candles) == 0 {
		return fmt.Errorf("no candles for %s", symbol)
	}

	sorted := make([]market.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	e.data[symbol] = sorted
	e.index[symbol] = 0
	e.series[symbol] = market.NewSeries(symbol, e.cfg.Timeframe, market.Capacity1m)

	log.Info().
		Str("symbol", symbol).
		Int("candles", len(sorted)).
		Time("start", sorted[0].Timestamp).
		Time("end", sorted[len(sorted)-1].Timestamp).
		Msg("Loaded replay data")

	return nil
}

// Run replays the loaded data to exhaustion and computes the performance
// metrics.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if len(e.data) == 0 {
		return nil, fmt.Errorf("no data loaded")
	}

	symbols := make([]string, 0, len(e.data))
	for symbol := range e.data {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	log.Info().
		Strs("symbols", symbols).
		Float64("initial_capital", e.cfg.InitialCapital).
		Str("timeframe", string(e.cfg.Timeframe)).
		Bool("intrabar_path", e.cfg.Execution.IntrabarPath).
		Bool("shark_tank", e.cfg.Execution.SharkTankSelection).
		Msg("Starting backtest")

	steps := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		stepTime, ok := e.nextStepTime()
		if !ok {
			break
		}
		e.now = stepTime

		var candidates []*candidate
		for _, symbol := range symbols {
			i := e.index[symbol]
			data := e.data[symbol]
			if i >= len(data) || !data[i].Timestamp.Equal(stepTime) {
				continue
			}
			e.index[symbol] = i + 1

			e.sim.OnBar(symbol, data[i])

			if cand := e.evaluate(symbol, data[i]); cand != nil {
				candidates = append(candidates, cand)
			}
		}

		e.submit(candidates)
		e.recordEquity(stepTime)

		steps++
		if steps%1000 == 0 {
			log.Debug().
				Int("step", steps).
				Time("at", stepTime).
				Float64("equity", e.equity[len(e.equity)-1].Equity).
				Int("positions", e.sim.OpenPositions()).
				Int("trades", len(e.sim.Trades())).
				Msg("Backtest progress")
		}
	}

	e.finish()

	metrics, err := CalculateMetrics(e.cfg.InitialCapital, e.equity, e.sim.Trades())
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("steps", steps).
		Int("trades", len(e.sim.Trades())).
		Float64("final_equity", metrics.FinalEquity).
		Float64("total_return_pct", metrics.TotalReturnPct).
		Msg("Backtest complete")

	return &Result{
		Metrics: metrics,
		Trades:  e.sim.Trades(),
		Equity:  e.equity,
		Counts:  e.sim.counts,
	}, nil
}

// nextStepTime is the earliest unconsumed bar timestamp across symbols.
func (e *Engine) nextStepTime() (time.Time, bool) {
	var next time.Time
	found := false
	for symbol, data := range e.data {
		i := e.index[symbol]
		if i >= len(data) {
			continue
		}
		if !found || data[i].Timestamp.Before(next) {
			next = data[i].Timestamp
			found = true
		}
	}
	return next, found
}

// evaluate feeds one closed bar through the indicator and signal path,
// returning a gate-confirmed candidate or nil.
func (e *Engine) evaluate(symbol string, c market.Candle) *candidate {
	series := e.series[symbol]
	result, err := series.AppendOrUpdate(c)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Skipping invalid candle")
		return nil
	}
	if result == market.AppendGap {
		// Data holes reseed the window, mirroring the live backfill path.
		if err := e.reseed(symbol); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to reseed series after gap")
			return nil
		}
	}

	snap := indicators.ComputeSnapshot(series)
	if snap == nil {
		return nil
	}

	sig := e.generator.Evaluate(snap, signal.RiskParams{
		Balance:     e.sim.Balance(),
		RiskPercent: e.cfg.Simulator.RiskPercent,
		RRRatio:     e.cfg.Simulator.RRRatio,
	})
	if sig == nil || sig.Direction == db.SignalDirectionNeutral {
		return nil
	}
	e.sim.counts.SignalsGenerated++

	released := e.gate.Process(sig)
	if released == nil {
		return nil
	}
	e.sim.counts.SignalsConfirmed++

	var atr float64
	if snap.ATR14.Valid {
		atr = snap.ATR14.Value
	}
	return &candidate{signal: released, bar: c, atr: atr}
}

// reseed reloads the symbol's series with the window ending at the bar just
// consumed.
func (e *Engine) reseed(symbol string) error {
	series := e.series[symbol]
	end := e.index[symbol]
	start := end - series.Capacity()
	if start < 0 {
		start = 0
	}
	return series.Seed(e.data[symbol][start:end])
}

// submit applies the step's confirmed signals, best confidence first. With
// shark-tank selection only the top candidate reaches the book; the rest of
// the bar's cohort is dropped.
func (e *Engine) submit(candidates []*candidate) {
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].signal.Confidence != candidates[j].signal.Confidence {
			return candidates[i].signal.Confidence > candidates[j].signal.Confidence
		}
		return candidates[i].signal.Symbol < candidates[j].signal.Symbol
	})

	for i, cand := range candidates {
		if i > 0 && e.cfg.Execution.SharkTankSelection {
			e.sim.counts.SharkTankSkips++
			log.Debug().
				Str("symbol", cand.signal.Symbol).
				Float64("confidence", cand.signal.Confidence).
				Str("winner", candidates[0].signal.Symbol).
				Msg("Signal lost the bar to a stronger candidate")
			continue
		}
		e.sim.Submit(cand.signal, cand.bar, cand.atr)
	}
}

// recordEquity marks the portfolio at the latest known close per symbol.
func (e *Engine) recordEquity(t time.Time) {
	equity := e.sim.Equity()
	balance := e.sim.Balance()
	e.equity = append(e.equity, EquityPoint{
		Timestamp:  t,
		Equity:     equity,
		Balance:    balance,
		Unrealized: equity - balance,
	})
}

// finish marks out whatever is still on the book at the last replayed bar.
func (e *Engine) finish() {
	var last time.Time
	for _, data := range e.data {
		if end := data[len(data)-1].Timestamp; end.After(last) {
			last = end
		}
	}
	e.sim.CloseAll(last)
	e.recordEquity(last)
}
