package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Account is the single-row paper trading ledger
type Account struct {
	ID        int       `json:"id"`
	Balance   float64   `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnsureAccount creates the singleton account row with the initial balance if
// it does not exist yet, then returns the current row.
func (db *DB) EnsureAccount(ctx context.Context, initialBalance float64) (*Account, error) {
	query := `
		INSERT INTO paper_account (id, balance, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := db.pool.Exec(ctx, query, initialBalance, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	return db.GetAccount(ctx)
}

// GetAccount returns the singleton account row
func (db *DB) GetAccount(ctx context.Context) (*Account, error) {
	query := "SELECT id, balance, updated_at FROM paper_account WHERE id = 1"

	var a Account
	err := db.pool.QueryRow(ctx, query).Scan(&a.ID, &a.Balance, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("account not initialized")
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &a, nil
}

// UpdateAccountBalance sets the account balance. Terminal position
// transitions go through CloseAndSettle instead so balance and position
// change atomically; this path serves reset and reconciliation.
func (db *DB) UpdateAccountBalance(ctx context.Context, balance float64) error {
	query := "UPDATE paper_account SET balance = $1, updated_at = $2 WHERE id = 1"

	result, err := db.pool.Exec(ctx, query, balance, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("account not initialized")
	}

	return nil
}
