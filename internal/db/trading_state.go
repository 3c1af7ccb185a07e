package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TradingState is the persisted per-symbol engine state used for recovery
// after a restart.
type TradingState struct {
	Symbol    string    `json:"symbol"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertTradingState records the engine state for a symbol.
func (db *DB) UpsertTradingState(ctx context.Context, symbol, state string) error {
	query := `
		INSERT INTO trading_state (symbol, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`

	if _, err := db.pool.Exec(ctx, query, symbol, state, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert trading state for %s: %w", symbol, err)
	}

	return nil
}

// GetTradingState returns the persisted state for a symbol, or nil when none
// has been recorded. Callers treat a missing row as a fresh start.
func (db *DB) GetTradingState(ctx context.Context, symbol string) (*TradingState, error) {
	query := "SELECT symbol, state, updated_at FROM trading_state WHERE symbol = $1"

	var ts TradingState
	err := db.pool.QueryRow(ctx, query, symbol).Scan(&ts.Symbol, &ts.State, &ts.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get trading state for %s: %w", symbol, err)
	}

	return &ts, nil
}

// ListTradingStates returns the persisted state for every symbol.
func (db *DB) ListTradingStates(ctx context.Context) ([]*TradingState, error) {
	rows, err := db.pool.Query(ctx, "SELECT symbol, state, updated_at FROM trading_state ORDER BY symbol ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query trading states: %w", err)
	}
	defer rows.Close()

	var states []*TradingState
	for rows.Next() {
		var ts TradingState
		if err := rows.Scan(&ts.Symbol, &ts.State, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trading state: %w", err)
		}
		states = append(states, &ts)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trading states: %w", err)
	}

	return states, nil
}
