package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/db"
)

// Trailing/break-even ladder thresholds, in percent return on margin.
const (
	breakEvenROE    = 0.8
	trailingROE     = 1.2
	trailingStopPct = 0.015
)

// TickReport summarizes what one candle did to a symbol's positions.
type TickReport struct {
	Filled    []*db.Position // orders promoted to OPEN this tick
	Merged    []*db.Position // orders absorbed into a same-side open position
	Cancelled []*db.Position // orders expired by TTL
	Closed    []*db.Position // positions exited this tick
}

// Empty reports whether the tick changed nothing.
func (r *TickReport) Empty() bool {
	return len(r.Filled) == 0 && len(r.Merged) == 0 && len(r.Cancelled) == 0 && len(r.Closed) == 0
}

// ProcessMarketData drives one symbol's positions with a candle's extremes.
// Pending orders go first: TTL expiry, then the fill check, merging into a
// same-side open position when one exists. Open positions follow, including
// ones that just filled: watermark updates, the stop ladder, then exit
// checks in liquidation, stop-loss, take-profit priority.
//
// Only the given symbol's positions are touched. Storage failures on a
// transition abort it and surface as the returned error alongside the
// partial report.
func (s *Simulator) ProcessMarketData(ctx context.Context, symbol string, high, low, closePrice float64) (*TickReport, error) {
	report := &TickReport{}
	if high <= 0 || low <= 0 || high < low {
		return report, fmt.Errorf("malformed candle for %s: high=%g low=%g", symbol, high, low)
	}

	var hooks []func()
	s.mu.Lock()
	err := s.tickLocked(ctx, symbol, high, low, closePrice, report, &hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return report, err
}

func (s *Simulator) tickLocked(ctx context.Context, symbol string, high, low, closePrice float64, report *TickReport, hooks *[]func()) error {
	now := s.now()

	for _, order := range s.pendingLocked(symbol) {
		if now.Sub(order.OpenTime) > s.pendingTTL {
			cancelled, err := s.cancelLocked(ctx, order, db.ExitReasonTTLExpired, now)
			if err != nil {
				return err
			}
			report.Cancelled = append(report.Cancelled, cancelled)
			continue
		}

		if !fillTouched(order, high, low) {
			continue
		}

		if parent := s.openSameSideLocked(symbol, order.Side); parent != nil {
			merged, err := s.mergeLocked(ctx, parent, order, now)
			if err != nil {
				return err
			}
			report.Merged = append(report.Merged, merged)
			continue
		}

		filled, err := s.promoteLocked(ctx, order, now)
		if err != nil {
			return err
		}
		report.Filled = append(report.Filled, filled)
		if obs := s.observer; obs != nil {
			id := filled.ID
			*hooks = append(*hooks, func() { obs.OnOrderFilled(ctx, id) })
		}
	}

	for _, pos := range s.openAllLocked(symbol) {
		changed := false
		if high > pos.HighestPrice {
			pos.HighestPrice = high
			changed = true
		}
		if pos.LowestPrice == 0 || low < pos.LowestPrice {
			pos.LowestPrice = low
			changed = true
		}

		if s.adjustStopLocked(pos, closePrice) {
			changed = true
		}

		exitPrice, reason := exitCheck(pos, high, low)
		if reason == "" {
			if changed {
				// Best effort: watermarks and stop moves are
				// reconstructed by the next tick if this write is lost.
				if err := s.store.UpdatePosition(ctx, pos); err != nil {
					log.Warn().Err(err).
						Str("position_id", pos.ID.String()).
						Msg("Failed to persist position mark update")
				}
			}
			continue
		}

		closed, err := s.closeLocked(ctx, pos, exitPrice, reason, now)
		if err != nil {
			return err
		}
		report.Closed = append(report.Closed, closed)
		if obs := s.observer; obs != nil {
			id, exitReason := closed.ID, reason
			*hooks = append(*hooks, func() { obs.OnPositionClosed(ctx, id, exitReason) })
		}
	}

	return nil
}

// fillTouched is deterministic on the first bar whose range reaches the
// limit price: LONG orders fill when price trades down to entry, SHORT when
// it trades up to it.
func fillTouched(order *db.Position, high, low float64) bool {
	if order.Side == db.PositionSideLong {
		return low <= order.EntryPrice
	}
	return high >= order.EntryPrice
}

// promoteLocked turns a touched PENDING order into an OPEN position. The
// open time becomes the fill time and the watermarks restart from entry.
func (s *Simulator) promoteLocked(ctx context.Context, order *db.Position, now time.Time) (*db.Position, error) {
	next := clonePosition(order)
	next.Status = db.PositionStatusOpen
	next.OpenTime = now
	next.HighestPrice = next.EntryPrice
	next.LowestPrice = next.EntryPrice

	if err := s.store.UpdatePosition(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist fill for %s: %w", order.ID, err)
	}

	s.positions[next.ID] = next

	log.Info().
		Str("position_id", next.ID.String()).
		Str("symbol", next.Symbol).
		Str("side", string(next.Side)).
		Float64("entry_price", next.EntryPrice).
		Float64("quantity", next.Quantity).
		Msg("Order filled, position open")

	return clonePosition(next), nil
}

// mergeLocked folds a filled order into the same-side open position:
// quantities and margin add, entry becomes the size-weighted average, the
// liquidation price is recomputed and the order row ends CLOSED with reason
// MERGED. The balance does not move; nothing was realized.
func (s *Simulator) mergeLocked(ctx context.Context, parent, order *db.Position, now time.Time) (*db.Position, error) {
	mergedQty := parent.Quantity + order.Quantity
	mergedMargin := parent.Margin + order.Margin
	mergedEntry := (parent.EntryPrice*parent.Quantity + order.EntryPrice*order.Quantity) / mergedQty

	nextParent := clonePosition(parent)
	nextParent.Quantity = mergedQty
	nextParent.Margin = mergedMargin
	nextParent.EntryPrice = mergedEntry
	nextParent.LiquidationPrice = liquidationPrice(parent.Side, mergedEntry, mergedMargin, mergedQty)

	reason := db.ExitReasonMerged
	fillPrice := order.EntryPrice
	var pnl float64

	nextOrder := clonePosition(order)
	nextOrder.Status = db.PositionStatusClosed
	nextOrder.CloseTime = &now
	nextOrder.ExitPrice = &fillPrice
	nextOrder.RealizedPnL = &pnl
	nextOrder.ExitReason = &reason

	if err := s.store.MergeFill(ctx, nextParent, nextOrder); err != nil {
		return nil, fmt.Errorf("failed to persist merge into %s: %w", parent.ID, err)
	}

	s.positions[nextParent.ID] = nextParent
	delete(s.positions, order.ID)

	log.Info().
		Str("position_id", nextParent.ID.String()).
		Str("order_id", order.ID.String()).
		Str("symbol", nextParent.Symbol).
		Float64("entry_price", mergedEntry).
		Float64("quantity", mergedQty).
		Float64("margin", mergedMargin).
		Msg("Order merged into open position")

	return clonePosition(nextOrder), nil
}

// adjustStopLocked applies the break-even and trailing ladder from the
// position's return on margin at the current close. Stops only ever
// tighten; the function reports whether the stop moved.
func (s *Simulator) adjustStopLocked(pos *db.Position, closePrice float64) bool {
	if pos.Margin <= 0 || closePrice <= 0 {
		return false
	}
	roe := pos.UnrealizedPnL(closePrice) / pos.Margin * 100
	moved := false

	if roe > breakEvenROE && tightens(pos, pos.EntryPrice) {
		pos.StopLoss = pos.EntryPrice
		moved = true
		log.Debug().
			Str("position_id", pos.ID.String()).
			Str("symbol", pos.Symbol).
			Float64("roe", roe).
			Msg("Stop moved to break-even")
	}

	if roe > trailingROE {
		var candidate float64
		if pos.Side == db.PositionSideLong {
			candidate = pos.HighestPrice * (1 - trailingStopPct)
		} else {
			candidate = pos.LowestPrice * (1 + trailingStopPct)
		}
		if tightens(pos, candidate) {
			pos.StopLoss = candidate
			moved = true
			log.Debug().
				Str("position_id", pos.ID.String()).
				Str("symbol", pos.Symbol).
				Float64("stop_loss", candidate).
				Float64("roe", roe).
				Msg("Trailing stop advanced")
		}
	}

	return moved
}

// tightens reports whether the candidate stop is strictly better protected
// than the current one. A zero stop means none is set yet.
func tightens(pos *db.Position, candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if pos.StopLoss == 0 {
		return true
	}
	if pos.Side == db.PositionSideLong {
		return candidate > pos.StopLoss
	}
	return candidate < pos.StopLoss
}

// exitCheck returns the exit price and reason of the first triggered exit,
// checked in liquidation, stop-loss, take-profit order. An empty reason
// means hold.
func exitCheck(pos *db.Position, high, low float64) (float64, string) {
	long := pos.Side == db.PositionSideLong

	if pos.LiquidationPrice > 0 {
		if (long && low <= pos.LiquidationPrice) || (!long && high >= pos.LiquidationPrice) {
			return pos.LiquidationPrice, db.ExitReasonLiquidation
		}
	}
	if pos.StopLoss > 0 {
		if (long && low <= pos.StopLoss) || (!long && high >= pos.StopLoss) {
			return pos.StopLoss, db.ExitReasonStopLoss
		}
	}
	if pos.TakeProfit > 0 {
		if (long && high >= pos.TakeProfit) || (!long && low <= pos.TakeProfit) {
			return pos.TakeProfit, db.ExitReasonTakeProfit
		}
	}
	return 0, ""
}
