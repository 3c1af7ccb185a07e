package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/alerts"
	"github.com/pulsetrader/pulsetrader/internal/bus"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/metrics"
)

// Symbol states persisted to trading_state. HALTED is operator-set and is
// never cleared automatically, restarts included.
const (
	StateScanning      = "SCANNING"
	StateSignalPending = "SIGNAL_PENDING"
	StateInPosition    = "IN_POSITION"
	StateHalted        = "HALTED"
)

// StateChange is the event body broadcast on state transitions.
type StateChange struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// State returns the current state for a symbol. Untracked symbols read as
// SCANNING.
func (e *Engine) State(symbol string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.states[symbol]; ok {
		return s
	}
	return StateScanning
}

// States returns a copy of all per-symbol states.
func (e *Engine) States() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.states))
	for symbol, state := range e.states {
		out[symbol] = state
	}
	return out
}

// setState records a transition, persists it and publishes a STATE_CHANGE
// event. Same-state calls are no-ops.
func (e *Engine) setState(ctx context.Context, symbol, next string) {
	e.mu.Lock()
	prev, ok := e.states[symbol]
	if !ok {
		prev = StateScanning
	}
	if prev == next {
		e.mu.Unlock()
		return
	}
	e.states[symbol] = next
	e.mu.Unlock()

	if err := e.store.UpsertTradingState(ctx, symbol, next); err != nil {
		log.Error().Err(err).
			Str("symbol", symbol).
			Str("state", next).
			Msg("Failed to persist trading state")
		metrics.RecordError("state_persist", "engine")
	}

	log.Info().
		Str("symbol", symbol).
		Str("from", prev).
		Str("to", next).
		Msg("State transition")
	e.publish(ctx, bus.EventStateChange, symbol, StateChange{Previous: prev, Current: next})
}

// syncState re-derives one symbol's state from the simulator book. Used
// where the book changes without an observer hook, like TTL order expiry.
func (e *Engine) syncState(ctx context.Context, symbol string) {
	e.setState(ctx, symbol, e.deriveState(symbol))
}

// SyncAll re-derives every symbol's state. Used after bulk operations such
// as an account reset.
func (e *Engine) SyncAll(ctx context.Context) {
	for _, symbol := range e.cfg.Trading.Symbols {
		e.syncState(ctx, symbol)
	}
}

// deriveState maps the simulator book to a state: an open position wins,
// then a resting order, otherwise scanning. A halted symbol stays halted.
func (e *Engine) deriveState(symbol string) string {
	if e.isHalted(symbol) {
		return StateHalted
	}
	var pending bool
	for _, p := range e.sim.ActivePositions() {
		if p.Symbol != symbol {
			continue
		}
		switch p.Status {
		case db.PositionStatusOpen:
			return StateInPosition
		case db.PositionStatusPending:
			pending = true
		}
	}
	if pending {
		return StateSignalPending
	}
	return StateScanning
}

func (e *Engine) isHalted(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted[symbol]
}

// Halt stops signal generation for a symbol until an operator resumes it.
// Candles still flow and open positions are still managed.
func (e *Engine) Halt(ctx context.Context, symbol string) {
	e.mu.Lock()
	e.halted[symbol] = true
	e.mu.Unlock()
	e.setState(ctx, symbol, StateHalted)
	e.notify(ctx, alerts.SeverityWarning, "Symbol halted",
		fmt.Sprintf("%s halted, operator action required to resume", symbol),
		map[string]interface{}{"symbol": symbol})
}

// Resume clears a halt and re-derives the state from the book.
func (e *Engine) Resume(ctx context.Context, symbol string) {
	e.mu.Lock()
	delete(e.halted, symbol)
	e.mu.Unlock()
	e.syncState(ctx, symbol)
}

// trackPosition associates an active order or position with its symbol so
// observer callbacks can resolve it. Ids absorbed by a merge are never
// looked up again and linger until restart.
func (e *Engine) trackPosition(id uuid.UUID, symbol string) {
	e.mu.Lock()
	e.positions[id] = symbol
	e.mu.Unlock()
}

func (e *Engine) untrackPosition(id uuid.UUID) {
	e.mu.Lock()
	delete(e.positions, id)
	e.mu.Unlock()
}

func (e *Engine) symbolFor(id uuid.UUID) string {
	e.mu.RLock()
	symbol := e.positions[id]
	e.mu.RUnlock()
	if symbol != "" {
		return symbol
	}
	// Fallback for ids that slipped tracking; the active book still knows
	// fills.
	for _, p := range e.sim.ActivePositions() {
		if p.ID == id {
			return p.Symbol
		}
	}
	return ""
}

// OnOrderFilled completes the signal lifecycle for a fill and moves the
// symbol to IN_POSITION. Simulator observer callback.
func (e *Engine) OnOrderFilled(ctx context.Context, orderID uuid.UUID) {
	e.lifecycle.OnOrderFilled(ctx, orderID)

	symbol := e.symbolFor(orderID)
	if symbol == "" {
		log.Warn().Str("order_id", orderID.String()).Msg("Fill for untracked order")
		return
	}
	metrics.RecordPositionOpened(symbol)
	if !e.isHalted(symbol) {
		e.setState(ctx, symbol, StateInPosition)
	}
}

// OnPositionClosed records the outcome on the originating signal and
// re-derives the symbol state from what is left in the book. Simulator
// observer callback.
func (e *Engine) OnPositionClosed(ctx context.Context, positionID uuid.UUID, reason string) {
	e.lifecycle.OnPositionClosed(ctx, positionID, reason)

	symbol := e.symbolFor(positionID)
	e.untrackPosition(positionID)
	if symbol == "" {
		log.Warn().Str("position_id", positionID.String()).Msg("Close for untracked position")
		return
	}
	metrics.RecordPositionClosed(symbol, reason)
	e.syncState(ctx, symbol)
	e.notify(ctx, alerts.SeverityInfo, "Position closed",
		fmt.Sprintf("%s closed: %s", symbol, reason),
		map[string]interface{}{"symbol": symbol, "reason": reason})
}

// recoverStates restores the per-symbol state machine from trading_state.
// A persisted IN_POSITION or SIGNAL_PENDING is checked against the loaded
// simulator book and downgraded to what the book supports. HALTED is
// restored as-is and never auto-resumed.
func (e *Engine) recoverStates(ctx context.Context) error {
	persisted, err := e.store.ListTradingStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load trading states: %w", err)
	}
	bySymbol := make(map[string]string, len(persisted))
	for _, ts := range persisted {
		bySymbol[ts.Symbol] = ts.State
	}

	// Seed the id map from the restored book so observer callbacks resolve
	// positions opened before the restart.
	for _, p := range e.sim.ActivePositions() {
		e.trackPosition(p.ID, p.Symbol)
	}

	for _, symbol := range e.cfg.Trading.Symbols {
		prev := bySymbol[symbol]
		var next string
		switch prev {
		case StateHalted:
			e.mu.Lock()
			e.halted[symbol] = true
			e.mu.Unlock()
			next = StateHalted
			log.Warn().Str("symbol", symbol).Msg("Symbol restored HALTED, operator action required to resume")
		default:
			next = e.deriveState(symbol)
			if prev != "" && prev != next {
				log.Warn().
					Str("symbol", symbol).
					Str("persisted", prev).
					Str("restored", next).
					Msg("Persisted state not backed by the book, downgraded")
			}
		}

		e.mu.Lock()
		e.states[symbol] = next
		e.mu.Unlock()
		if err := e.store.UpsertTradingState(ctx, symbol, next); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist recovered state")
		}
		log.Info().Str("symbol", symbol).Str("state", next).Msg("State recovered")
	}
	return nil
}
