// Package engine runs the realtime pipeline. Each traded symbol gets a
// mailbox channel and one worker goroutine: candle updates are appended to
// the in-memory series, closed 1m bars run the indicator snapshot and the
// signal path into the paper simulator, and every step is published to the
// event bus. The mailbox serializes all work for a symbol while symbols run
// in parallel.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/alerts"
	"github.com/pulsetrader/pulsetrader/internal/bus"
	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/indicators"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/metrics"
	"github.com/pulsetrader/pulsetrader/internal/signal"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
)

const (
	mailboxSize  = 256
	drainTimeout = 5 * time.Second
)

// Store is the persistence surface the engine writes through. *db.DB
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	UpsertCandle(ctx context.Context, symbol, timeframe string, c *db.Candle) error
	UpsertCandles(ctx context.Context, symbol, timeframe string, candles []*db.Candle) error
	UpsertTradingState(ctx context.Context, symbol, state string) error
	ListTradingStates(ctx context.Context) ([]*db.TradingState, error)
}

// Publisher pushes events onto the broadcast bus. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt *bus.Event) error
}

// Lifecycle is the signal lifecycle surface the pipeline drives.
// *signal.Manager satisfies it.
type Lifecycle interface {
	Register(ctx context.Context, sig *db.Signal) error
	TrackOrder(signalID, orderID uuid.UUID)
	MarkPending(ctx context.Context, id uuid.UUID) error
	OnOrderFilled(ctx context.Context, orderID uuid.UUID)
	OnPositionClosed(ctx context.Context, positionID uuid.UUID, reason string)
}

// History backfills candles for warm-up and gap repair. *upstream.Loader
// satisfies it.
type History interface {
	Klines(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error)
	Recent(ctx context.Context, symbol string, tf market.Timeframe, n int) ([]market.Candle, error)
}

// Alerter delivers operator notifications. alerts.Manager satisfies it.
// Delivery failures are logged and never affect the pipeline.
type Alerter interface {
	Send(ctx context.Context, alert alerts.Alert) error
}

// Deps bundles the engine's collaborators. Store, Publisher, Simulator,
// Lifecycle and Oracle are required; History and Alerter may be nil.
type Deps struct {
	Store     Store
	Publisher Publisher
	Simulator *simulator.Simulator
	Lifecycle Lifecycle
	History   History
	Oracle    *market.PriceOracle
	Alerter   Alerter
}

// candleUpdate is one mailbox entry: a candle for one timeframe, closed or
// still forming.
type candleUpdate struct {
	timeframe market.Timeframe
	candle    market.Candle
	closed    bool
}

// CandlePayload is the candle event body broadcast to clients. Indicators
// are attached on closed 1m bars, where the snapshot is computed anyway.
type CandlePayload struct {
	Candle     market.Candle      `json:"candle"`
	Closed     bool               `json:"closed"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Engine owns the per-symbol pipelines and the symbol state machine.
type Engine struct {
	cfg       *config.Config
	store     Store
	publisher Publisher
	sim       *simulator.Simulator
	generator *signal.Generator
	gate      *signal.Gate
	lifecycle Lifecycle
	history   History
	oracle    *market.PriceOracle
	alerter   Alerter

	// Built in New, read-only afterwards.
	mailboxes map[string]chan candleUpdate
	series    map[string]map[market.Timeframe]*market.Series

	mu        sync.RWMutex
	states    map[string]string
	halted    map[string]bool
	positions map[uuid.UUID]string // active order/position id -> symbol

	running atomic.Bool
	dropped atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an engine over its collaborators. Call Start before feeding
// candle updates.
func New(cfg *config.Config, deps Deps) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		publisher: deps.Publisher,
		sim:       deps.Simulator,
		generator: signal.NewGenerator(cfg.Signal),
		gate:      signal.NewGate(cfg.Signal.Gate),
		lifecycle: deps.Lifecycle,
		history:   deps.History,
		oracle:    deps.Oracle,
		alerter:   deps.Alerter,
		mailboxes: make(map[string]chan candleUpdate),
		series:    make(map[string]map[market.Timeframe]*market.Series),
		states:    make(map[string]string),
		halted:    make(map[string]bool),
		positions: make(map[uuid.UUID]string),
	}

	for _, symbol := range cfg.Trading.Symbols {
		e.mailboxes[symbol] = make(chan candleUpdate, mailboxSize)
		frames := make(map[market.Timeframe]*market.Series, len(market.AllTimeframes))
		for _, tf := range market.AllTimeframes {
			capacity := market.CapacityDefault
			if tf == market.Timeframe1m {
				capacity = market.Capacity1m
			}
			frames[tf] = market.NewSeries(symbol, tf, capacity)
		}
		e.series[symbol] = frames
	}
	return e
}

// Start loads the simulator book, restores the per-symbol states, warms the
// series up from history and launches the pipeline workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	e.sim.SetObserver(e)
	if err := e.sim.Load(ctx); err != nil {
		e.running.Store(false)
		return fmt.Errorf("failed to load simulator state: %w", err)
	}
	if err := e.recoverStates(ctx); err != nil {
		e.running.Store(false)
		return err
	}
	e.warmUp(ctx)

	workerCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for symbol, mailbox := range e.mailboxes {
		e.wg.Add(1)
		go e.worker(workerCtx, symbol, mailbox)
	}

	log.Info().Strs("symbols", e.cfg.Trading.Symbols).Msg("Engine started")
	return nil
}

// Stop drains the mailboxes and stops the workers. Call after the upstream
// feed has been stopped so no new updates race the drain.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine workers did not drain: %w", ctx.Err())
	}
}

// OnCandleUpdate enqueues a candle for its symbol's pipeline. Non-blocking:
// when the mailbox is full the update is dropped and counted, so the
// upstream reader never stalls. Safe from any goroutine.
func (e *Engine) OnCandleUpdate(symbol string, tf market.Timeframe, candle market.Candle, closed bool) {
	if !e.running.Load() {
		return
	}
	mailbox, ok := e.mailboxes[symbol]
	if !ok {
		return
	}
	select {
	case mailbox <- candleUpdate{timeframe: tf, candle: candle, closed: closed}:
	default:
		e.dropped.Add(1)
		metrics.MailboxDropped.WithLabelValues(symbol).Inc()
		log.Warn().
			Str("symbol", symbol).
			Str("timeframe", tf.String()).
			Msg("Mailbox full, dropping candle update")
	}
}

// Handler returns an upstream kline handler bound to one symbol.
func (e *Engine) Handler(symbol string) func(market.Timeframe, market.Candle, bool) {
	return func(tf market.Timeframe, candle market.Candle, closed bool) {
		e.OnCandleUpdate(symbol, tf, candle, closed)
	}
}

// Dropped returns how many candle updates were discarded on full mailboxes.
func (e *Engine) Dropped() int64 {
	return e.dropped.Load()
}

// Series returns the live series for a symbol and timeframe, nil when the
// symbol is not traded.
func (e *Engine) Series(symbol string, tf market.Timeframe) *market.Series {
	if frames, ok := e.series[symbol]; ok {
		return frames[tf]
	}
	return nil
}

// Snapshot computes the current indicator view over a symbol's 1m series,
// nil before the first candle. Used for the initial WebSocket frame.
func (e *Engine) Snapshot(symbol string) *indicators.Snapshot {
	series := e.Series(symbol, market.Timeframe1m)
	if series == nil || series.Len() == 0 {
		return nil
	}
	return indicators.ComputeSnapshot(series)
}

// warmUp seeds each series from REST history and persists the fetched bars.
// Failures degrade to an empty series that fills from the live stream; the
// engine still starts.
func (e *Engine) warmUp(ctx context.Context) {
	if e.history == nil {
		return
	}
	for _, symbol := range e.cfg.Trading.Symbols {
		for _, tf := range market.AllTimeframes {
			series := e.Series(symbol, tf)
			candles, err := e.history.Recent(ctx, symbol, tf, series.Capacity())
			if err != nil {
				log.Warn().Err(err).
					Str("symbol", symbol).
					Str("timeframe", tf.String()).
					Msg("Warm-up fetch failed, series fills from live stream")
				continue
			}
			if len(candles) == 0 {
				continue
			}
			if err := series.Seed(candles); err != nil {
				log.Warn().Err(err).
					Str("symbol", symbol).
					Str("timeframe", tf.String()).
					Msg("Warm-up seed rejected")
				continue
			}
			if err := e.store.UpsertCandles(ctx, symbol, tf.String(), toStoredCandles(candles)); err != nil {
				log.Warn().Err(err).
					Str("symbol", symbol).
					Str("timeframe", tf.String()).
					Msg("Warm-up persist failed")
			}
			if tf == market.Timeframe1m {
				if last, ok := series.Last(); ok {
					e.oracle.Update(symbol, last.Close)
				}
			}
			log.Info().
				Str("symbol", symbol).
				Str("timeframe", tf.String()).
				Int("bars", series.Len()).
				Msg("Series warmed up")
		}
	}
}

func (e *Engine) worker(ctx context.Context, symbol string, mailbox <-chan candleUpdate) {
	defer e.wg.Done()
	logger := config.NewSymbolLogger("engine", symbol)
	logger.Debug().Msg("Worker started")
	for {
		select {
		case update := <-mailbox:
			e.process(ctx, symbol, update)
		case <-ctx.Done():
			e.drain(symbol, mailbox)
			logger.Debug().Msg("Worker stopped")
			return
		}
	}
}

// drain processes whatever was already queued when shutdown began, bounded
// by its own timeout so a dead database cannot wedge Stop.
func (e *Engine) drain(symbol string, mailbox <-chan candleUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case update := <-mailbox:
			e.process(ctx, symbol, update)
		default:
			return
		}
	}
}

// process runs one candle through the pipeline: append, persist, publish,
// and on a closed 1m bar the signal path plus a simulator tick.
func (e *Engine) process(ctx context.Context, symbol string, update candleUpdate) {
	series := e.Series(symbol, update.timeframe)
	if series == nil {
		return
	}

	result, err := series.AppendOrUpdate(update.candle)
	if err != nil {
		log.Warn().Err(err).
			Str("symbol", symbol).
			Str("timeframe", update.timeframe.String()).
			Msg("Rejected candle")
		return
	}
	if result == market.AppendRejected {
		// Out of order; the series already logged it.
		return
	}
	if result == market.AppendGap {
		e.backfillGap(ctx, symbol, update.timeframe, series, update.candle)
		if result, err = series.AppendOrUpdate(update.candle); err != nil || result == market.AppendGap {
			log.Warn().Err(err).
				Str("symbol", symbol).
				Str("timeframe", update.timeframe.String()).
				Time("candle", update.candle.Timestamp).
				Msg("Candle still unaligned after backfill, dropping")
			return
		}
	}

	if update.timeframe == market.Timeframe1m {
		e.oracle.Update(symbol, update.candle.Close)
	}

	var snap *indicators.Snapshot
	if update.closed {
		if update.timeframe == market.Timeframe1m {
			snap = indicators.ComputeSnapshot(series)
		}
		e.persistCandle(ctx, symbol, update.timeframe, update.candle, snap)
		metrics.RecordCandle(symbol, update.timeframe.String())
	}

	e.publishCandle(ctx, symbol, update, snap)

	if update.timeframe != market.Timeframe1m {
		return
	}

	if update.closed && snap != nil {
		e.evaluate(ctx, symbol, snap)
	}
	e.tick(ctx, symbol, update.candle, update.closed)
}

// backfillGap fetches the candles missing between the series tail and next.
// Gaps show up after mailbox drops or stream skips the reconnect fill did
// not cover. Backfilled bars repair the series and are persisted, but do not
// re-run the signal path; signals on stale bars are worthless.
func (e *Engine) backfillGap(ctx context.Context, symbol string, tf market.Timeframe, series *market.Series, next market.Candle) {
	expected, ok := series.NextExpected()
	if !ok || e.history == nil {
		return
	}

	missing, err := e.history.Klines(ctx, symbol, tf, expected, next.Timestamp)
	if err != nil {
		log.Warn().Err(err).
			Str("symbol", symbol).
			Str("timeframe", tf.String()).
			Time("from", expected).
			Msg("Gap backfill failed")
		metrics.RecordError("gap_backfill", "engine")
		return
	}

	for _, c := range missing {
		if _, err := series.AppendOrUpdate(c); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Backfilled candle rejected")
			continue
		}
		e.persistCandle(ctx, symbol, tf, c, nil)
	}
	log.Info().
		Str("symbol", symbol).
		Str("timeframe", tf.String()).
		Int("bars", len(missing)).
		Msg("Series gap backfilled")
}

// evaluate runs the signal path for one closed 1m bar: score, confirm,
// register, then hand to the simulator when auto-execution is on.
func (e *Engine) evaluate(ctx context.Context, symbol string, snap *indicators.Snapshot) {
	settings := e.sim.Settings()
	sig := e.generator.Evaluate(snap, signal.RiskParams{
		Balance:     e.sim.Balance(),
		RiskPercent: settings.RiskPercent,
		RRRatio:     settings.RRRatio,
	})
	metrics.RecordSignal(symbol, string(sig.Direction))
	if sig.Direction == db.SignalDirectionNeutral {
		return
	}

	if e.isHalted(symbol) {
		log.Debug().Str("symbol", symbol).Msg("Symbol halted, signal discarded")
		return
	}

	released := e.gate.Process(sig)
	if released == nil {
		return
	}
	metrics.SignalsReleased.Inc()

	if err := e.lifecycle.Register(ctx, released); err != nil {
		// Without a persisted id the fill could never be traced back, so
		// the signal is not executed.
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to register signal, skipping execution")
		metrics.RecordError("signal_register", "engine")
		return
	}

	e.publish(ctx, bus.EventSignal, symbol, released)
	if e.cfg.Alerts.SignalAlerts {
		e.notify(ctx, alerts.SeverityInfo, "Signal released",
			fmt.Sprintf("%s %s at %.4f", released.Symbol, released.Direction, released.EntryPrice),
			map[string]interface{}{
				"symbol":     released.Symbol,
				"direction":  string(released.Direction),
				"confidence": released.Confidence,
			})
	}

	if !e.sim.AutoExecute() {
		return
	}
	e.execute(ctx, released)
}

// execute hands a released signal to the simulator and reflects the outcome
// in the lifecycle store and the symbol state machine.
func (e *Engine) execute(ctx context.Context, released *db.Signal) {
	result, err := e.sim.OnSignal(ctx, released)
	if err != nil {
		log.Error().Err(err).Str("symbol", released.Symbol).Msg("Signal execution failed")
		metrics.RecordError("signal_execute", "engine")
		return
	}
	if result.Rejection != simulator.RejectionNone {
		log.Warn().
			Str("symbol", released.Symbol).
			Str("reason", string(result.Rejection)).
			Msg("Signal rejected by simulator")
		return
	}
	if result.Pending == nil {
		return
	}

	e.trackPosition(result.Pending.ID, released.Symbol)
	e.lifecycle.TrackOrder(released.ID, result.Pending.ID)
	if err := e.lifecycle.MarkPending(ctx, released.ID); err != nil {
		log.Error().Err(err).Str("signal_id", released.ID.String()).Msg("Failed to mark signal pending")
	}
	e.setState(ctx, released.Symbol, StateSignalPending)
}

// tick drives the simulator with the bar's extremes. Fill and close hooks
// fire from inside ProcessMarketData through the observer callbacks; TTL
// cancellations have no hook, so the state machine is resynced whenever the
// tick changed the book.
func (e *Engine) tick(ctx context.Context, symbol string, candle market.Candle, closed bool) {
	report, err := e.sim.ProcessMarketData(ctx, symbol, candle.High, candle.Low, candle.Close)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Simulator tick failed")
		metrics.RecordError("tick", "engine")
		e.notify(ctx, alerts.SeverityCritical, "Simulator storage failure",
			fmt.Sprintf("tick for %s aborted: %v", symbol, err),
			map[string]interface{}{"symbol": symbol})
		return
	}
	if !report.Empty() {
		e.syncState(ctx, symbol)
	}
	if closed || !report.Empty() {
		e.updateAccountGauges(ctx)
	}
}

func (e *Engine) updateAccountGauges(ctx context.Context) {
	portfolio := e.sim.Portfolio(ctx)
	metrics.UpdateAccount(portfolio.Balance, portfolio.Equity, portfolio.OpenPositions)

	perSymbol := make(map[string]float64, len(e.cfg.Trading.Symbols))
	for _, p := range portfolio.Positions {
		if p.Status != db.PositionStatusOpen {
			continue
		}
		if price, ok := e.oracle.Price(ctx, p.Symbol); ok {
			perSymbol[p.Symbol] += p.UnrealizedPnL(price)
		}
	}
	for _, symbol := range e.cfg.Trading.Symbols {
		metrics.UpdateUnrealizedPnL(symbol, perSymbol[symbol])
	}
}

// persistCandle stores a closed bar, enriched with indicator values when a
// snapshot was computed. Persistence is best-effort; the in-memory series
// stays the pipeline's source of truth.
func (e *Engine) persistCandle(ctx context.Context, symbol string, tf market.Timeframe, candle market.Candle, snap *indicators.Snapshot) {
	stored := toStoredCandle(candle)
	if snap != nil {
		enrich(stored, snap)
	}
	if err := e.store.UpsertCandle(ctx, symbol, tf.String(), stored); err != nil {
		log.Warn().Err(err).
			Str("symbol", symbol).
			Str("timeframe", tf.String()).
			Msg("Failed to persist candle")
		metrics.RecordError("candle_persist", "engine")
	}
}

func (e *Engine) publishCandle(ctx context.Context, symbol string, update candleUpdate, snap *indicators.Snapshot) {
	payload := CandlePayload{Candle: update.candle, Closed: update.closed}
	if snap != nil {
		payload.Indicators = snap.Map()
	}
	e.publish(ctx, bus.CandleEventType(update.timeframe), symbol, payload)
}

// publish is best-effort: a bus failure is logged and never stalls the
// pipeline.
func (e *Engine) publish(ctx context.Context, eventType bus.EventType, symbol string, payload interface{}) {
	evt, err := bus.NewEvent(eventType, symbol, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(eventType)).Msg("Failed to build event")
		return
	}
	if err := e.publisher.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).
			Str("type", string(eventType)).
			Str("symbol", symbol).
			Msg("Failed to publish event")
	}
}

func (e *Engine) notify(ctx context.Context, severity alerts.Severity, title, message string, metadata map[string]interface{}) {
	if e.alerter == nil {
		return
	}
	alert := alerts.Alert{
		Severity:  severity,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	if err := e.alerter.Send(ctx, alert); err != nil {
		log.Debug().Err(err).Str("title", title).Msg("Alert delivery failed")
	}
}

func toStoredCandle(c market.Candle) *db.Candle {
	return &db.Candle{
		Timestamp: c.Timestamp,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

func toStoredCandles(candles []market.Candle) []*db.Candle {
	out := make([]*db.Candle, len(candles))
	for i, c := range candles {
		out[i] = toStoredCandle(c)
	}
	return out
}

// enrich copies valid snapshot values onto the stored candle's indicator
// columns.
func enrich(stored *db.Candle, snap *indicators.Snapshot) {
	set := func(dst **float64, v indicators.Value) {
		if v.Valid {
			value := v.Value
			*dst = &value
		}
	}
	set(&stored.EMA7, snap.EMA7)
	set(&stored.EMA25, snap.EMA25)
	set(&stored.EMA99, snap.EMA99)
	set(&stored.RSI6, snap.RSI6)
	set(&stored.RSI14, snap.RSI14)
	set(&stored.VolumeSMA20, snap.VolumeSMA20)
	set(&stored.BBUpper, snap.Bollinger.Upper)
	set(&stored.BBMiddle, snap.Bollinger.Middle)
	set(&stored.BBLower, snap.Bollinger.Lower)
	set(&stored.StochK, snap.Stoch.K)
	set(&stored.StochD, snap.Stoch.D)
	set(&stored.VWAP, snap.VWAP)
	set(&stored.ATR14, snap.ATR14)
	set(&stored.ADX14, snap.ADX14)
}
