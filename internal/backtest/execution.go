package backtest

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
)

// Risk-model constants, matching the live simulator.
const (
	minStopFraction          = 0.005
	minNotional              = 10.0
	balanceCapFactor         = 0.95
	fallbackNotionalFraction = 0.10
)

// Stop-ladder thresholds, matching the live simulator.
const (
	breakEvenROE    = 0.8
	trailingROE     = 1.2
	trailingStopPct = 0.015
)

// Exit labels the replay adds beyond the live set: ladder rungs that close
// part of the position, stop exits attributed to the rung that placed the
// stop, and the final mark-out.
const (
	exitReasonPartialTP    = "PARTIAL_TP"
	exitReasonBreakEven    = "BREAKEVEN"
	exitReasonTrailingStop = "TRAILING_STOP"
	exitReasonEndOfData    = "END_OF_DATA"
)

// Take-profit ladder fractions of the initial quantity, spent in order.
var tpFractions = [3]float64{0.6, 0.3, 0.1}

// Trade is one realized fill of a replayed position. Partial take-profits
// produce one trade per rung; RealizedPnL is net of the exit commission and
// this quantity's share of the entry commission.
type Trade struct {
	ID          int             `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        db.PositionSide `json:"side"`
	EntryTime   time.Time       `json:"entry_time"`
	ExitTime    time.Time       `json:"exit_time"`
	EntryPrice  float64         `json:"entry_price"`
	ExitPrice   float64         `json:"exit_price"`
	Quantity    float64         `json:"quantity"`
	RealizedPnL float64         `json:"realized_pnl"`
	ReturnPct   float64         `json:"return_pct"` // on the margin share closed
	HoldingTime time.Duration   `json:"holding_time"`
	Commission  float64         `json:"commission"`
	ExitReason  string          `json:"exit_reason"`
	Confidence  float64         `json:"confidence"`
}

// ExecutionCounts tallies what the replay did with the signals it was given.
type ExecutionCounts struct {
	SignalsGenerated int                         `json:"signals_generated"`
	SignalsConfirmed int                         `json:"signals_confirmed"`
	OrdersPlaced     int                         `json:"orders_placed"`
	OrdersFilled     int                         `json:"orders_filled"`
	OrdersReplaced   int                         `json:"orders_replaced"`
	OrdersExpired    int                         `json:"orders_expired"`
	SharkTankSkips   int                         `json:"shark_tank_skips"`
	Rejections       map[simulator.Rejection]int `json:"rejections,omitempty"`
}

type stopState int

const (
	stopInitial stopState = iota
	stopBreakEven
	stopTrailing
)

func (s stopState) exitReason() string {
	switch s {
	case stopBreakEven:
		return exitReasonBreakEven
	case stopTrailing:
		return exitReasonTrailingStop
	default:
		return db.ExitReasonStopLoss
	}
}

type tpLevel struct {
	price    float64
	fraction float64 // of the initial quantity
}

type pendingOrder struct {
	id          int
	symbol      string
	side        db.PositionSide
	limitPrice  float64
	quantity    float64
	margin      float64
	stopLoss    float64
	takeProfits []tpLevel
	trailATR    float64
	created     time.Time
	confidence  float64
}

type bookPosition struct {
	id          int
	symbol      string
	side        db.PositionSide
	entryTime   time.Time
	entryPrice  float64
	quantity    float64 // remaining
	initialQty  float64
	margin      float64 // remaining, released pro rata on partial exits
	liquidation float64
	stopLoss    float64
	stopState   stopState
	takeProfits []tpLevel
	trailATR    float64
	trailing    bool // first take-profit taken, ATR trail armed
	highest     float64
	lowest      float64
	entryFee    float64
	confidence  float64
}

func (p *bookPosition) mark(high, low float64) {
	if high > p.highest {
		p.highest = high
	}
	if p.lowest == 0 || low < p.lowest {
		p.lowest = low
	}
}

// tightens reports whether the candidate stop is strictly better protected
// than the current one. A zero stop means none is set yet.
func (p *bookPosition) tightens(candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if p.stopLoss == 0 {
		return true
	}
	if p.side == db.PositionSideLong {
		return candidate > p.stopLoss
	}
	return candidate < p.stopLoss
}

func (p *bookPosition) trailCandidate(pct float64) float64 {
	if p.side == db.PositionSideLong {
		return p.highest * (1 - pct)
	}
	return p.lowest * (1 + pct)
}

// priceMove is the favorable per-unit move from entry to price.
func priceMove(side db.PositionSide, entry, price float64) float64 {
	if side == db.PositionSideLong {
		return price - entry
	}
	return entry - price
}

// ExecutionSimulator replays the paper trading flow against historical bars:
// resting limit entries, the liquidation, stop, take-profit exit priority and
// the break-even and trailing ladder, plus the costs live fills hide:
// commission per side and volatility-scaled slippage on market exits.
// Take-profits spend the position in ladder fractions instead of the live
// all-at-once close, and an ATR-distance trail arms after the first rung.
type ExecutionSimulator struct {
	cfg              config.BacktestConfig
	leverage         int
	riskPct          float64
	maxPositions     int
	allowFlip        bool
	pendingTTL       time.Duration
	cooldown         time.Duration
	reversalCooldown time.Duration

	balance float64
	seq     int

	pendings  map[string]*pendingOrder
	book      map[string]*bookPosition
	cooldowns map[string]time.Time
	marks     map[string]float64

	trades []*Trade
	counts ExecutionCounts
}

// NewExecutionSimulator assembles the replay book from the execution model
// and the live simulator settings.
func NewExecutionSimulator(execCfg config.BacktestConfig, simCfg config.SimulatorConfig, initialCapital float64) *ExecutionSimulator {
	return &ExecutionSimulator{
		cfg:              execCfg,
		leverage:         simCfg.Leverage,
		riskPct:          simCfg.RiskPercent,
		maxPositions:     simCfg.MaxPositions,
		allowFlip:        simCfg.AllowFlip,
		pendingTTL:       simCfg.PendingTTL(),
		cooldown:         simCfg.Cooldown(),
		reversalCooldown: simCfg.ReversalCooldown(),
		balance:          initialCapital,
		pendings:         make(map[string]*pendingOrder),
		book:             make(map[string]*bookPosition),
		cooldowns:        make(map[string]time.Time),
		marks:            make(map[string]float64),
		counts:           ExecutionCounts{Rejections: make(map[simulator.Rejection]int)},
	}
}

// Balance returns the wallet balance, realized fills only.
func (x *ExecutionSimulator) Balance() float64 { return x.balance }

// OpenPositions returns the number of open positions on the book.
func (x *ExecutionSimulator) OpenPositions() int { return len(x.book) }

// PendingOrders returns the number of resting limit orders.
func (x *ExecutionSimulator) PendingOrders() int { return len(x.pendings) }

// Trades returns every realized fill in execution order.
func (x *ExecutionSimulator) Trades() []*Trade { return x.trades }

// Counts returns the execution tallies.
func (x *ExecutionSimulator) Counts() ExecutionCounts { return x.counts }

// Equity marks the wallet plus open positions at the latest known closes.
func (x *ExecutionSimulator) Equity() float64 {
	equity := x.balance
	for symbol, pos := range x.book {
		mark := x.marks[symbol]
		if mark <= 0 {
			continue
		}
		equity += priceMove(pos.side, pos.entryPrice, mark) * pos.quantity
	}
	return equity
}

// Submit applies a confirmed signal to the book the way the live simulator
// does: cooldown check, override of the symbol's resting order, reversal
// close of an opposite position, risk sizing, then a resting limit order at
// the signal's entry. The returned rejection is empty when an order was
// placed.
func (x *ExecutionSimulator) Submit(sig *db.Signal, bar market.Candle, atr float64) simulator.Rejection {
	now := bar.Timestamp

	side := db.ConvertPositionSide(string(sig.Direction))
	if side == db.PositionSideFlat || sig.EntryPrice <= 0 {
		return x.reject(sig.Symbol, simulator.RejectionInvalidSignal)
	}

	if until, ok := x.cooldowns[sig.Symbol]; ok && now.Before(until) {
		return x.reject(sig.Symbol, simulator.RejectionCooldownActive)
	}

	// A fresh signal supersedes the symbol's resting order regardless of
	// direction.
	if _, ok := x.pendings[sig.Symbol]; ok {
		delete(x.pendings, sig.Symbol)
		x.counts.OrdersReplaced++
	}

	if pos := x.book[sig.Symbol]; pos != nil {
		if pos.side == side {
			return x.reject(sig.Symbol, simulator.RejectionPositionExists)
		}
		exit := x.slip(pos.side, bar.Close, bar)
		x.closePosition(pos, exit, db.ExitReasonSignalReversal, now)
		if !x.allowFlip {
			return x.reject(sig.Symbol, simulator.RejectionFlipDisabled)
		}
	}

	if len(x.book)+len(x.pendings) >= x.maxPositions {
		return x.reject(sig.Symbol, simulator.RejectionMaxPositions)
	}

	size, rejection := x.sizeOrder(sig)
	if rejection != simulator.RejectionNone {
		return x.reject(sig.Symbol, rejection)
	}

	x.seq++
	x.pendings[sig.Symbol] = &pendingOrder{
		id:          x.seq,
		symbol:      sig.Symbol,
		side:        side,
		limitPrice:  sig.EntryPrice,
		quantity:    size.quantity,
		margin:      size.margin,
		stopLoss:    sig.StopLoss,
		takeProfits: tpLadder(sig),
		trailATR:    atr,
		created:     now,
		confidence:  sig.Confidence,
	}
	x.counts.OrdersPlaced++

	log.Debug().
		Str("symbol", sig.Symbol).
		Str("side", string(side)).
		Float64("limit", sig.EntryPrice).
		Float64("quantity", size.quantity).
		Float64("margin", size.margin).
		Msg("Resting order placed")

	return simulator.RejectionNone
}

// OnBar drives one symbol through one candle: TTL expiry of the resting
// order, then either the intrabar leg walk or the live-style single pass of
// fill and exit checks.
func (x *ExecutionSimulator) OnBar(symbol string, c market.Candle) {
	x.marks[symbol] = c.Close

	if order, ok := x.pendings[symbol]; ok && c.Timestamp.Sub(order.created) > x.pendingTTL {
		delete(x.pendings, symbol)
		x.counts.OrdersExpired++
		log.Debug().
			Str("symbol", symbol).
			Float64("limit", order.limitPrice).
			Msg("Resting order expired")
	}

	if x.cfg.IntrabarPath {
		x.walkBar(symbol, c)
		return
	}
	x.singlePass(symbol, c)
}

// walkBar replays the bar as a price path visiting the open, both extremes
// in candle-direction order, then the close. Fill and exit checks run per
// leg, so a stop placed mid-bar can be hit later in the same bar but never
// by prices that predate it.
func (x *ExecutionSimulator) walkBar(symbol string, c market.Candle) {
	first, second := c.High, c.Low
	if c.Bullish() {
		first, second = c.Low, c.High
	}
	points := [4]float64{c.Open, first, second, c.Close}

	prev := c.Open
	for _, price := range points {
		legLow, legHigh := prev, price
		if legLow > legHigh {
			legLow, legHigh = legHigh, legLow
		}
		x.processLeg(symbol, c, legLow, legHigh, price)
		prev = price
	}
}

// singlePass mirrors the live tick: one fill check against the bar extremes,
// watermarks, the stop ladder at the close, then one exit pass in
// liquidation, stop, take-profit priority.
func (x *ExecutionSimulator) singlePass(symbol string, c market.Candle) {
	if order, ok := x.pendings[symbol]; ok && limitTouched(order.side, order.limitPrice, c.Low, c.High) {
		x.fill(order, c.Timestamp)
	}

	pos := x.book[symbol]
	if pos == nil {
		return
	}

	pos.mark(c.High, c.Low)
	x.adjustStop(pos, c.Close)
	x.checkExits(pos, c, c.Low, c.High)
}

func (x *ExecutionSimulator) processLeg(symbol string, c market.Candle, legLow, legHigh, legClose float64) {
	if order, ok := x.pendings[symbol]; ok && limitTouched(order.side, order.limitPrice, legLow, legHigh) {
		x.fill(order, c.Timestamp)
	}

	pos := x.book[symbol]
	if pos == nil {
		return
	}

	pos.mark(legHigh, legLow)
	if x.checkExits(pos, c, legLow, legHigh) {
		return
	}
	x.adjustStop(pos, legClose)
}

// checkExits applies the exit priority to one price range and reports
// whether the position left the book. Liquidation executes at the
// liquidation price exactly; stops are market orders and pay slippage;
// take-profit rungs fill at their limit.
func (x *ExecutionSimulator) checkExits(pos *bookPosition, c market.Candle, low, high float64) bool {
	long := pos.side == db.PositionSideLong

	if pos.liquidation > 0 {
		if (long && low <= pos.liquidation) || (!long && high >= pos.liquidation) {
			x.closePosition(pos, pos.liquidation, db.ExitReasonLiquidation, c.Timestamp)
			return true
		}
	}

	if pos.stopLoss > 0 {
		if (long && low <= pos.stopLoss) || (!long && high >= pos.stopLoss) {
			exit := x.slip(pos.side, pos.stopLoss, c)
			x.closePosition(pos, exit, pos.stopState.exitReason(), c.Timestamp)
			return true
		}
	}

	for len(pos.takeProfits) > 0 {
		rung := pos.takeProfits[0]
		hit := (long && high >= rung.price) || (!long && low <= rung.price)
		if !hit {
			break
		}
		if x.takeProfit(pos, rung, c.Timestamp) {
			return true
		}
	}
	return false
}

// takeProfit fills one ladder rung at its limit price. The final rung closes
// whatever remains; earlier rungs arm the trailing stop.
func (x *ExecutionSimulator) takeProfit(pos *bookPosition, rung tpLevel, now time.Time) bool {
	pos.takeProfits = pos.takeProfits[1:]

	qty := rung.fraction * pos.initialQty
	final := len(pos.takeProfits) == 0 || qty >= pos.quantity
	if final {
		qty = pos.quantity
	}

	if final {
		x.closePosition(pos, rung.price, db.ExitReasonTakeProfit, now)
		return true
	}

	x.realize(pos, qty, rung.price, exitReasonPartialTP, now)
	pos.trailing = true
	return false
}

// adjustStop walks the stop ladder at the given mark: break-even once return
// on margin clears the first rung, the percent trail past the second, and
// the ATR-distance trail once the first take-profit has been taken. Stops
// only ever tighten.
func (x *ExecutionSimulator) adjustStop(pos *bookPosition, mark float64) {
	if pos.margin <= 0 || mark <= 0 {
		return
	}
	roe := priceMove(pos.side, pos.entryPrice, mark) * pos.quantity / pos.margin * 100

	if roe > breakEvenROE && pos.tightens(pos.entryPrice) {
		pos.stopLoss = pos.entryPrice
		if pos.stopState < stopBreakEven {
			pos.stopState = stopBreakEven
		}
	}

	if roe > trailingROE {
		if candidate := pos.trailCandidate(trailingStopPct); pos.tightens(candidate) {
			pos.stopLoss = candidate
			pos.stopState = stopTrailing
		}
	}

	if pos.trailing && pos.trailATR > 0 {
		candidate := pos.highest - pos.trailATR
		if pos.side == db.PositionSideShort {
			candidate = pos.lowest + pos.trailATR
		}
		if pos.tightens(candidate) {
			pos.stopLoss = candidate
			pos.stopState = stopTrailing
		}
	}
}

// fill promotes a touched resting order to an open position. Limit fills
// execute at the limit price and pay the entry commission immediately.
func (x *ExecutionSimulator) fill(order *pendingOrder, now time.Time) {
	delete(x.pendings, order.symbol)

	entryFee := x.commission(order.limitPrice * order.quantity)
	x.balance -= entryFee
	x.counts.OrdersFilled++

	x.book[order.symbol] = &bookPosition{
		id:          order.id,
		symbol:      order.symbol,
		side:        order.side,
		entryTime:   now,
		entryPrice:  order.limitPrice,
		quantity:    order.quantity,
		initialQty:  order.quantity,
		margin:      order.margin,
		liquidation: liquidationPrice(order.side, order.limitPrice, order.margin, order.quantity),
		stopLoss:    order.stopLoss,
		takeProfits: order.takeProfits,
		trailATR:    order.trailATR,
		highest:     order.limitPrice,
		lowest:      order.limitPrice,
		entryFee:    entryFee,
		confidence:  order.confidence,
	}

	log.Debug().
		Str("symbol", order.symbol).
		Str("side", string(order.side)).
		Float64("entry", order.limitPrice).
		Float64("quantity", order.quantity).
		Msg("Order filled, position open")
}

// realize books one fill against the position: gross price move on the
// closed quantity into the wallet minus the exit commission, with margin
// released pro rata. The recorded trade nets out this quantity's share of
// the entry commission as well.
func (x *ExecutionSimulator) realize(pos *bookPosition, qty, price float64, reason string, now time.Time) {
	gross := priceMove(pos.side, pos.entryPrice, price) * qty
	exitFee := x.commission(price * qty)
	entryShare := pos.entryFee * qty / pos.initialQty
	net := gross - exitFee - entryShare

	marginShare := pos.margin * qty / pos.quantity
	pos.margin -= marginShare
	pos.quantity -= qty

	x.balance += gross - exitFee

	returnPct := 0.0
	if marginShare > 0 {
		returnPct = net / marginShare * 100
	}

	x.seq++
	x.trades = append(x.trades, &Trade{
		ID:          x.seq,
		Symbol:      pos.symbol,
		Side:        pos.side,
		EntryTime:   pos.entryTime,
		ExitTime:    now,
		EntryPrice:  pos.entryPrice,
		ExitPrice:   price,
		Quantity:    qty,
		RealizedPnL: net,
		ReturnPct:   returnPct,
		HoldingTime: now.Sub(pos.entryTime),
		Commission:  exitFee + entryShare,
		ExitReason:  reason,
		Confidence:  pos.confidence,
	})

	log.Debug().
		Str("symbol", pos.symbol).
		Str("reason", reason).
		Float64("exit", price).
		Float64("quantity", qty).
		Float64("pnl", net).
		Float64("balance", x.balance).
		Msg("Fill realized")
}

// closePosition realizes the full remaining quantity and starts the symbol's
// cooldown, the reversal one when a signal flip forced the exit.
func (x *ExecutionSimulator) closePosition(pos *bookPosition, price float64, reason string, now time.Time) {
	x.realize(pos, pos.quantity, price, reason, now)
	delete(x.book, pos.symbol)

	cooldown := x.cooldown
	if reason == db.ExitReasonSignalReversal {
		cooldown = x.reversalCooldown
	}
	if cooldown > 0 {
		x.cooldowns[pos.symbol] = now.Add(cooldown)
	}
}

// CloseAll marks out the book at the latest known close per symbol and drops
// any resting orders. The mark-out pays commission but no slippage.
func (x *ExecutionSimulator) CloseAll(now time.Time) {
	for symbol := range x.pendings {
		delete(x.pendings, symbol)
		x.counts.OrdersExpired++
	}

	symbols := make([]string, 0, len(x.book))
	for symbol := range x.book {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		pos := x.book[symbol]
		mark := x.marks[symbol]
		if mark <= 0 {
			mark = pos.entryPrice
		}
		x.realize(pos, pos.quantity, mark, exitReasonEndOfData, now)
		delete(x.book, symbol)
	}
}

type orderSize struct {
	quantity float64
	margin   float64
}

// sizeOrder applies the live risk model: risk a fixed fraction of the wallet
// against the stop distance, fall back to a fixed wallet fraction without a
// stop, cap by available margin capacity, floor by the venue minimum.
func (x *ExecutionSimulator) sizeOrder(sig *db.Signal) (orderSize, simulator.Rejection) {
	entry := sig.EntryPrice
	leverage := float64(x.leverage)

	var notional float64
	if sig.StopLoss > 0 {
		stopFraction := math.Abs(entry-sig.StopLoss) / entry
		if stopFraction < minStopFraction {
			return orderSize{}, simulator.RejectionStopTooTight
		}
		riskAmount := x.balance * x.riskPct / 100
		notional = riskAmount / stopFraction
	} else {
		notional = x.balance * fallbackNotionalFraction
	}

	if notional < minNotional {
		return orderSize{}, simulator.RejectionNotionalBelowMin
	}

	maxNotional := x.available() * leverage * balanceCapFactor
	if notional > maxNotional {
		notional = maxNotional
	}
	if notional < minNotional {
		return orderSize{}, simulator.RejectionInsufficientBalance
	}

	return orderSize{quantity: notional / entry, margin: notional / leverage}, simulator.RejectionNone
}

// available is wallet plus unrealized PnL minus the margin held by the
// active book and resting orders.
func (x *ExecutionSimulator) available() float64 {
	available := x.balance
	for symbol, pos := range x.book {
		available -= pos.margin
		if mark := x.marks[symbol]; mark > 0 {
			available += priceMove(pos.side, pos.entryPrice, mark) * pos.quantity
		}
	}
	for _, order := range x.pendings {
		available -= order.margin
	}
	return available
}

// slip prices a market exit: stops and reversal closes cross the spread and
// pay base slippage plus a share of the bar's range, against the position.
func (x *ExecutionSimulator) slip(side db.PositionSide, price float64, c market.Candle) float64 {
	fraction := x.cfg.BaseSlippageBps / 10000
	if c.Close > 0 {
		fraction += x.cfg.VolSlippageFactor * (c.High - c.Low) / c.Close
	}
	if side == db.PositionSideLong {
		return price * (1 - fraction)
	}
	return price * (1 + fraction)
}

func (x *ExecutionSimulator) commission(notional float64) float64 {
	return math.Abs(notional) * x.cfg.CommissionBps / 10000
}

func (x *ExecutionSimulator) reject(symbol string, rejection simulator.Rejection) simulator.Rejection {
	x.counts.Rejections[rejection]++
	log.Debug().
		Str("symbol", symbol).
		Str("reason", string(rejection)).
		Msg("Replay rejected signal")
	return rejection
}

// limitTouched is deterministic on the first range that reaches the limit:
// LONG entries fill when price trades down to it, SHORT when it trades up.
func limitTouched(side db.PositionSide, limit, low, high float64) bool {
	if side == db.PositionSideLong {
		return low <= limit
	}
	return high >= limit
}

// liquidationPrice is the simplified isolated-margin model: the position
// liquidates when the adverse move burns exactly the posted margin.
func liquidationPrice(side db.PositionSide, entry, margin, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}
	if side == db.PositionSideLong {
		return entry - margin/quantity
	}
	return entry + margin/quantity
}

// tpLadder builds the rung list from the signal's take-profit levels.
func tpLadder(sig *db.Signal) []tpLevel {
	prices := [3]float64{sig.TP1, sig.TP2, sig.TP3}
	ladder := make([]tpLevel, 0, len(prices))
	for i, price := range prices {
		if price <= 0 {
			continue
		}
		ladder = append(ladder, tpLevel{price: price, fraction: tpFractions[i]})
	}
	return ladder
}
