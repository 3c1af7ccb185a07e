package simulator

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/db"
)

// Rejection names the business rule that stopped a signal. Rejections are
// expected outcomes, surfaced as reason strings in logs and results, never
// as errors.
type Rejection string

const (
	RejectionNone                Rejection = ""
	RejectionInvalidSignal       Rejection = "INVALID_SIGNAL"
	RejectionCooldownActive      Rejection = "COOLDOWN_ACTIVE"
	RejectionPositionExists      Rejection = "POSITION_EXISTS"
	RejectionFlipDisabled        Rejection = "FLIP_DISABLED"
	RejectionMaxPositions        Rejection = "MAX_POSITIONS_REACHED"
	RejectionStopTooTight        Rejection = "STOP_TOO_TIGHT"
	RejectionNotionalBelowMin    Rejection = "NOTIONAL_BELOW_MINIMUM"
	RejectionInsufficientBalance Rejection = "INSUFFICIENT_BALANCE"
)

// Risk-model constants.
const (
	minStopFraction          = 0.005 // a stop closer than 0.5% of entry is noise
	minNotional              = 10.0  // venue minimum order value
	balanceCapFactor         = 0.95  // never commit the full available margin
	fallbackNotionalFraction = 0.10  // stopless orders risk 10% of the wallet
)

// SignalResult reports everything one signal did to the book.
type SignalResult struct {
	Rejection Rejection
	Cancelled []*db.Position // resting orders killed by the new signal
	Closed    *db.Position   // opposite position closed by reversal
	Pending   *db.Position   // the freshly registered order, nil when rejected
}

// Accepted reports whether the signal produced a new pending order.
func (r *SignalResult) Accepted() bool {
	return r != nil && r.Pending != nil
}

// OnSignal applies a released signal to the book: cooldown check, override
// of resting orders, reversal close (and flip) of an opposite position, risk
// sizing, then registration of a PENDING limit order at the signal's entry.
// Business rejections come back in the result; the returned error is
// reserved for storage failures, which leave the book unchanged.
func (s *Simulator) OnSignal(ctx context.Context, sig *db.Signal) (*SignalResult, error) {
	result := &SignalResult{}

	side := db.ConvertPositionSide(string(sig.Direction))
	if side == db.PositionSideFlat || sig.EntryPrice <= 0 {
		result.Rejection = RejectionInvalidSignal
		log.Error().
			Str("symbol", sig.Symbol).
			Str("direction", string(sig.Direction)).
			Float64("entry_price", sig.EntryPrice).
			Msg("Rejecting malformed signal")
		return result, nil
	}

	var hooks []func()
	s.mu.Lock()
	err := s.onSignalLocked(ctx, sig, side, result, &hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Simulator) onSignalLocked(ctx context.Context, sig *db.Signal, side db.PositionSide, result *SignalResult, hooks *[]func()) error {
	now := s.now()

	if until, ok := s.cooldowns[sig.Symbol]; ok && now.Before(until) {
		result.Rejection = RejectionCooldownActive
		log.Info().
			Str("symbol", sig.Symbol).
			Time("until", until).
			Msg("Signal rejected: cooldown active")
		return nil
	}

	// Zombie killer: a fresh signal supersedes any resting order for the
	// symbol, regardless of direction.
	for _, stale := range s.pendingLocked(sig.Symbol) {
		cancelled, err := s.cancelLocked(ctx, stale, db.ExitReasonNewSignalOverride, now)
		if err != nil {
			return err
		}
		result.Cancelled = append(result.Cancelled, cancelled)
	}

	if open := s.openLocked(sig.Symbol); open != nil {
		if open.Side == side {
			// Scaling into a winner happens through merge-on-fill of an
			// order placed before the position opened, never through a
			// second same-side entry.
			result.Rejection = RejectionPositionExists
			log.Info().
				Str("symbol", sig.Symbol).
				Str("side", string(side)).
				Msg("Signal rejected: same-side position already open")
			return nil
		}

		price := s.markPriceLocked(ctx, sig.Symbol, sig.Price)
		closed, err := s.closeLocked(ctx, open, price, db.ExitReasonSignalReversal, now)
		if err != nil {
			return err
		}
		result.Closed = closed
		if obs := s.observer; obs != nil {
			id := closed.ID
			*hooks = append(*hooks, func() { obs.OnPositionClosed(ctx, id, db.ExitReasonSignalReversal) })
		}

		if !s.allowFlip {
			result.Rejection = RejectionFlipDisabled
			log.Info().
				Str("symbol", sig.Symbol).
				Msg("Reversal closed position, flip disabled")
			return nil
		}
	}

	if len(s.positions) >= s.settings.MaxPositions {
		result.Rejection = RejectionMaxPositions
		log.Info().
			Str("symbol", sig.Symbol).
			Int("max_positions", s.settings.MaxPositions).
			Msg("Signal rejected: position limit reached")
		return nil
	}

	size, rejection := s.sizeLocked(ctx, sig)
	if rejection != RejectionNone {
		result.Rejection = rejection
		log.Info().
			Str("symbol", sig.Symbol).
			Str("reason", string(rejection)).
			Float64("entry_price", sig.EntryPrice).
			Float64("stop_loss", sig.StopLoss).
			Float64("balance", s.balance).
			Msg("Signal rejected: sizing")
		return nil
	}

	order := &db.Position{
		ID:               uuid.New(),
		Symbol:           sig.Symbol,
		Side:             side,
		Status:           db.PositionStatusPending,
		EntryPrice:       sig.EntryPrice,
		Quantity:         size.quantity,
		Leverage:         s.settings.Leverage,
		Margin:           size.margin,
		LiquidationPrice: liquidationPrice(side, sig.EntryPrice, size.margin, size.quantity),
		StopLoss:         sig.StopLoss,
		TakeProfit:       sig.TP1,
		OpenTime:         now,
		HighestPrice:     sig.EntryPrice,
		LowestPrice:      sig.EntryPrice,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.InsertPosition(ctx, order); err != nil {
		return fmt.Errorf("failed to register order: %w", err)
	}
	s.positions[order.ID] = order
	result.Pending = clonePosition(order)

	log.Info().
		Str("order_id", order.ID.String()).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("entry_price", order.EntryPrice).
		Float64("quantity", order.Quantity).
		Float64("margin", order.Margin).
		Float64("liquidation_price", order.LiquidationPrice).
		Msg("Pending order registered")

	return nil
}

type orderSize struct {
	notional float64
	quantity float64
	margin   float64
}

// sizeLocked applies the risk model: risk a fixed fraction of the wallet
// against the stop distance, fall back to a fixed wallet fraction without a
// stop, cap by available margin capacity, floor by the venue minimum.
func (s *Simulator) sizeLocked(ctx context.Context, sig *db.Signal) (orderSize, Rejection) {
	entry := sig.EntryPrice
	leverage := float64(s.settings.Leverage)

	var notional float64
	if sig.StopLoss > 0 {
		stopFraction := math.Abs(entry-sig.StopLoss) / entry
		if stopFraction < minStopFraction {
			return orderSize{}, RejectionStopTooTight
		}
		riskAmount := s.balance * s.settings.RiskPercent / 100
		notional = riskAmount / stopFraction
	} else {
		notional = s.balance * fallbackNotionalFraction
	}

	if notional < minNotional {
		return orderSize{}, RejectionNotionalBelowMin
	}

	maxNotional := s.availableBalanceLocked(ctx) * leverage * balanceCapFactor
	if notional > maxNotional {
		notional = maxNotional
	}
	if notional < minNotional {
		return orderSize{}, RejectionInsufficientBalance
	}

	return orderSize{
		notional: notional,
		quantity: notional / entry,
		margin:   notional / leverage,
	}, RejectionNone
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

// markPriceLocked returns the oracle price for the symbol, falling back to
// the caller's reference price when no mark exists yet.
func (s *Simulator) markPriceLocked(ctx context.Context, symbol string, fallback float64) float64 {
	if price, ok := s.oracle.Price(ctx, symbol); ok && price > 0 {
		return price
	}
	return fallback
}
