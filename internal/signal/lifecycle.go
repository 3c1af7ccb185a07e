package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/db"
)

// SignalOutcome is the terminal result written back onto an executed signal
// when its position closes.
type SignalOutcome struct {
	Result     string    `json:"result"` // WIN or LOSS
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Manager owns the persisted signal lifecycle. Transitions are legal only
// from an actionable status (GENERATED or PENDING); illegal calls are logged
// no-ops so double fires and replays stay harmless.
//
// The manager also implements the simulator's observer callbacks: it keeps an
// in-memory map from paper order id to signal id so fills can be traced back.
// The map does not survive restarts; a fill for an untracked order is logged
// and skipped, and the orphaned signal expires through its TTL.
type Manager struct {
	database *db.DB

	mu     sync.Mutex
	orders map[uuid.UUID]uuid.UUID // paper order id -> signal id
}

// NewManager creates a lifecycle manager over the signals repository.
func NewManager(database *db.DB) *Manager {
	return &Manager{
		database: database,
		orders:   make(map[uuid.UUID]uuid.UUID),
	}
}

// Register persists a new signal, assigning its id and GENERATED status.
func (m *Manager) Register(ctx context.Context, sig *db.Signal) error {
	if err := m.database.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to register signal: %w", err)
	}

	log.Info().
		Str("signal_id", sig.ID.String()).
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Msg("Signal registered")

	return nil
}

// MarkPending transitions a signal to PENDING when its paper order is placed.
func (m *Manager) MarkPending(ctx context.Context, id uuid.UUID) error {
	ok, err := m.database.MarkSignalPending(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Str("signal_id", id.String()).Msg("Ignoring pending transition for non-actionable signal")
	}
	return nil
}

// MarkExecuted transitions a signal to EXECUTED and records the order that
// filled it.
func (m *Manager) MarkExecuted(ctx context.Context, id uuid.UUID, orderID string) error {
	ok, err := m.database.MarkSignalExecuted(ctx, id, orderID)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Str("signal_id", id.String()).Msg("Ignoring executed transition for non-actionable signal")
	}
	return nil
}

// MarkExpired transitions a signal to EXPIRED.
func (m *Manager) MarkExpired(ctx context.Context, id uuid.UUID) error {
	ok, err := m.database.MarkSignalExpired(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().Str("signal_id", id.String()).Msg("Ignoring expired transition for non-actionable signal")
	}
	return nil
}

// ExpireStale bulk-expires actionable signals older than ttl and returns how
// many were transitioned.
func (m *Manager) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	count, err := m.database.ExpireStaleSignals(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info().Int64("count", count).Dur("ttl", ttl).Msg("Expired stale signals")
	}
	return count, nil
}

// TrackOrder associates a paper order with the signal that produced it so
// the fill callback can complete the lifecycle.
func (m *Manager) TrackOrder(signalID, orderID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = signalID
}

// OnOrderFilled marks the originating signal EXECUTED when its paper order
// fills. Simulator observer callback.
func (m *Manager) OnOrderFilled(ctx context.Context, orderID uuid.UUID) {
	m.mu.Lock()
	signalID, ok := m.orders[orderID]
	m.mu.Unlock()

	if !ok {
		log.Warn().Str("order_id", orderID.String()).Msg("Fill for untracked order, signal left to expire")
		return
	}

	if err := m.MarkExecuted(ctx, signalID, orderID.String()); err != nil {
		log.Error().Err(err).
			Str("signal_id", signalID.String()).
			Str("order_id", orderID.String()).
			Msg("Failed to mark signal executed")
	}
}

// OnPositionClosed records the realized outcome back onto the signal that
// opened the position. Simulator observer callback.
func (m *Manager) OnPositionClosed(ctx context.Context, positionID uuid.UUID, reason string) {
	m.mu.Lock()
	signalID, tracked := m.orders[positionID]
	delete(m.orders, positionID)
	m.mu.Unlock()

	position, err := m.database.GetPosition(ctx, positionID)
	if err != nil {
		log.Error().Err(err).Str("position_id", positionID.String()).Msg("Failed to load closed position for outcome")
		return
	}

	if !tracked {
		// After a restart the association is only in the database.
		sig, err := m.database.GetSignalByOrderID(ctx, positionID.String())
		if err != nil {
			log.Debug().Str("position_id", positionID.String()).Msg("No signal recorded for closed position")
			return
		}
		signalID = sig.ID
	}

	outcome := SignalOutcome{
		Result:     "LOSS",
		ExitReason: reason,
		ClosedAt:   time.Now(),
	}
	if position.RealizedPnL != nil {
		outcome.PnL = *position.RealizedPnL
		if *position.RealizedPnL > 0 {
			outcome.Result = "WIN"
		}
	}
	if position.CloseTime != nil {
		outcome.ClosedAt = *position.CloseTime
	}

	data, err := json.Marshal(outcome)
	if err != nil {
		log.Error().Err(err).Str("signal_id", signalID.String()).Msg("Failed to serialize signal outcome")
		return
	}

	if err := m.database.UpdateSignalOutcome(ctx, signalID, data); err != nil {
		log.Error().Err(err).Str("signal_id", signalID.String()).Msg("Failed to record signal outcome")
	}
}

// Get returns one signal by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*db.Signal, error) {
	return m.database.GetSignal(ctx, id)
}

// GetByOrderID returns the signal a paper order executed.
func (m *Manager) GetByOrderID(ctx context.Context, orderID string) (*db.Signal, error) {
	return m.database.GetSignalByOrderID(ctx, orderID)
}

// Actionable returns the signals still open to execution, GENERATED and
// PENDING, newest first.
func (m *Manager) Actionable(ctx context.Context) ([]*db.Signal, error) {
	return m.database.ListActionableSignals(ctx)
}

// History returns one page of filtered signal history plus the total count.
func (m *Manager) History(ctx context.Context, f db.SignalHistoryFilter) ([]*db.Signal, int, error) {
	return m.database.ListSignalHistory(ctx, f)
}
