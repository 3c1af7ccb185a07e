package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PositionSide represents the side of a position
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideFlat  PositionSide = "FLAT"
)

// PositionStatus tracks a paper position through its lifecycle. CLOSED and
// CANCELLED are terminal.
type PositionStatus string

const (
	PositionStatusPending   PositionStatus = "PENDING"
	PositionStatusOpen      PositionStatus = "OPEN"
	PositionStatusClosed    PositionStatus = "CLOSED"
	PositionStatusCancelled PositionStatus = "CANCELLED"
)

// Exit and cancellation reasons persisted on terminal positions.
const (
	ExitReasonStopLoss          = "STOP_LOSS"
	ExitReasonTakeProfit        = "TAKE_PROFIT"
	ExitReasonLiquidation       = "LIQUIDATION"
	ExitReasonSignalReversal    = "SIGNAL_REVERSAL"
	ExitReasonManual            = "MANUAL"
	ExitReasonTTLExpired        = "TTL_EXPIRED"
	ExitReasonNewSignalOverride = "NEW_SIGNAL_OVERRIDE"
	ExitReasonMerged            = "MERGED"
)

// Position represents a simulated futures position
type Position struct {
	ID               uuid.UUID      `json:"id"`
	Symbol           string         `json:"symbol"`
	Side             PositionSide   `json:"side"`
	Status           PositionStatus `json:"status"`
	EntryPrice       float64        `json:"entry_price"`
	Quantity         float64        `json:"quantity"`
	Leverage         int            `json:"leverage"`
	Margin           float64        `json:"margin"`
	LiquidationPrice float64        `json:"liquidation_price"`
	StopLoss         float64        `json:"stop_loss"`
	TakeProfit       float64        `json:"take_profit"`
	OpenTime         time.Time      `json:"open_time"`
	CloseTime        *time.Time     `json:"close_time,omitempty"`
	ExitPrice        *float64       `json:"exit_price,omitempty"`
	RealizedPnL      *float64       `json:"realized_pnl,omitempty"`
	ExitReason       *string        `json:"exit_reason,omitempty"`
	HighestPrice     float64        `json:"highest_price"`
	LowestPrice      float64        `json:"lowest_price"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// UnrealizedPnL computes the mark-to-market profit at the given price.
// Returns 0 for non-OPEN positions.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Status != PositionStatusOpen {
		return 0
	}
	if p.Side == PositionSideLong {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

const positionColumns = `id, symbol, side, status, entry_price, quantity, leverage, margin,
	liquidation_price, stop_loss, take_profit, open_time, close_time,
	exit_price, realized_pnl, exit_reason, highest_price, lowest_price,
	created_at, updated_at`

const positionUpdateSet = `
	SET status = $2,
		entry_price = $3,
		quantity = $4,
		margin = $5,
		liquidation_price = $6,
		stop_loss = $7,
		take_profit = $8,
		close_time = $9,
		exit_price = $10,
		realized_pnl = $11,
		exit_reason = $12,
		highest_price = $13,
		lowest_price = $14,
		updated_at = $15
`

func scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	err := row.Scan(
		&p.ID,
		&p.Symbol,
		&p.Side,
		&p.Status,
		&p.EntryPrice,
		&p.Quantity,
		&p.Leverage,
		&p.Margin,
		&p.LiquidationPrice,
		&p.StopLoss,
		&p.TakeProfit,
		&p.OpenTime,
		&p.CloseTime,
		&p.ExitPrice,
		&p.RealizedPnL,
		&p.ExitReason,
		&p.HighestPrice,
		&p.LowestPrice,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func positionUpdateArgs(p *Position) []interface{} {
	return []interface{}{
		p.ID,
		p.Status,
		p.EntryPrice,
		p.Quantity,
		p.Margin,
		p.LiquidationPrice,
		p.StopLoss,
		p.TakeProfit,
		p.CloseTime,
		p.ExitPrice,
		p.RealizedPnL,
		p.ExitReason,
		p.HighestPrice,
		p.LowestPrice,
		p.UpdatedAt,
	}
}

// InsertPosition persists a new position
func (db *DB) InsertPosition(ctx context.Context, p *Position) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	query := `
		INSERT INTO paper_positions (
			id, symbol, side, status, entry_price, quantity, leverage, margin,
			liquidation_price, stop_loss, take_profit, open_time,
			highest_price, lowest_price, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	_, err := db.pool.Exec(ctx, query,
		p.ID,
		p.Symbol,
		p.Side,
		p.Status,
		p.EntryPrice,
		p.Quantity,
		p.Leverage,
		p.Margin,
		p.LiquidationPrice,
		p.StopLoss,
		p.TakeProfit,
		p.OpenTime,
		p.HighestPrice,
		p.LowestPrice,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}

	return nil
}

// UpdatePosition writes the position's current mutable state through to the
// database. Symbol, side and open_time never change after insert.
func (db *DB) UpdatePosition(ctx context.Context, p *Position) error {
	p.UpdatedAt = time.Now()

	query := "UPDATE paper_positions" + positionUpdateSet + "WHERE id = $1"

	result, err := db.pool.Exec(ctx, query, positionUpdateArgs(p)...)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("position %w: %s", ErrNotFound, p.ID)
	}

	return nil
}

// CloseAndSettle writes a terminal position state and the resulting account
// balance in one transaction. The balance only ever changes together with a
// terminal transition.
func (db *DB) CloseAndSettle(ctx context.Context, p *Position, newBalance float64) error {
	p.UpdatedAt = time.Now()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin settle transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := "UPDATE paper_positions" + positionUpdateSet + "WHERE id = $1"
	result, err := tx.Exec(ctx, query, positionUpdateArgs(p)...)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("position %w: %s", ErrNotFound, p.ID)
	}

	_, err = tx.Exec(ctx,
		"UPDATE paper_account SET balance = $1, updated_at = $2 WHERE id = 1",
		newBalance, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settle transaction: %w", err)
	}

	return nil
}

// MergeFill persists a fill that merged into an existing open position: the
// parent's averaged state and the order's terminal MERGED state commit
// together, so the book never shows one without the other.
func (db *DB) MergeFill(ctx context.Context, parent, order *Position) error {
	now := time.Now()
	parent.UpdatedAt = now
	order.UpdatedAt = now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := "UPDATE paper_positions" + positionUpdateSet + "WHERE id = $1"
	for _, p := range []*Position{parent, order} {
		result, err := tx.Exec(ctx, query, positionUpdateArgs(p)...)
		if err != nil {
			return fmt.Errorf("failed to update position: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("position %w: %s", ErrNotFound, p.ID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge transaction: %w", err)
	}

	return nil
}

// GetPosition retrieves a position by id
func (db *DB) GetPosition(ctx context.Context, id uuid.UUID) (*Position, error) {
	query := fmt.Sprintf("SELECT %s FROM paper_positions WHERE id = $1", positionColumns)

	p, err := scanPosition(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("position %w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}

	return p, nil
}

// ListActivePositions returns all OPEN and PENDING positions. The simulator
// reloads its book from this on startup.
func (db *DB) ListActivePositions(ctx context.Context) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM paper_positions
		WHERE status IN ('OPEN', 'PENDING')
		ORDER BY open_time ASC
	`, positionColumns)

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListPositionsByStatus returns positions in one status, optionally filtered
// by symbol, newest first.
func (db *DB) ListPositionsByStatus(ctx context.Context, status PositionStatus, symbol *string) ([]*Position, error) {
	query := fmt.Sprintf("SELECT %s FROM paper_positions WHERE status = $1", positionColumns)
	args := []interface{}{status}

	if symbol != nil {
		query += " AND symbol = $2"
		args = append(args, *symbol)
	}

	query += " ORDER BY open_time DESC"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions by status: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]*Position, error) {
	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// TradeHistoryFilter narrows ListClosedPositions results. Nil fields are
// ignored. PnLFilter accepts "win" or "loss". Page is 1-based; Limit 0 means
// no pagination.
type TradeHistoryFilter struct {
	Symbol      *string
	Side        *PositionSide
	PnLFilter   *string
	ClosedAfter *time.Time
	Page        int
	Limit       int
}

// ListClosedPositions returns one page of CLOSED positions ordered by
// close_time DESC, plus the total row count for pagination.
func (db *DB) ListClosedPositions(ctx context.Context, f TradeHistoryFilter) ([]*Position, int, error) {
	where := " WHERE status = 'CLOSED'"
	args := []interface{}{}
	argCount := 1

	if f.Symbol != nil {
		where += fmt.Sprintf(" AND symbol = $%d", argCount)
		args = append(args, *f.Symbol)
		argCount++
	}

	if f.Side != nil {
		where += fmt.Sprintf(" AND side = $%d", argCount)
		args = append(args, *f.Side)
		argCount++
	}

	if f.PnLFilter != nil {
		switch *f.PnLFilter {
		case "win":
			where += " AND realized_pnl > 0"
		case "loss":
			where += " AND realized_pnl <= 0"
		default:
			return nil, 0, fmt.Errorf("invalid pnl filter: %q", *f.PnLFilter)
		}
	}

	if f.ClosedAfter != nil {
		where += fmt.Sprintf(" AND close_time >= $%d", argCount)
		args = append(args, *f.ClosedAfter)
		argCount++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM paper_positions" + where
	if err := db.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count closed positions: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM paper_positions", positionColumns) + where + " ORDER BY close_time DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, f.Limit)
		argCount++

		if f.Page > 1 {
			query += fmt.Sprintf(" OFFSET $%d", argCount)
			args = append(args, (f.Page-1)*f.Limit)
		}
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := collectPositions(rows)
	if err != nil {
		return nil, 0, err
	}

	return positions, total, nil
}

// DeleteAllPositions clears the position book. Used by the reset operation.
func (db *DB) DeleteAllPositions(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, "DELETE FROM paper_positions"); err != nil {
		return fmt.Errorf("failed to delete positions: %w", err)
	}
	return nil
}

// ConvertPositionSide converts a signal direction or side string to
// PositionSide
func ConvertPositionSide(side string) PositionSide {
	switch side {
	case "LONG", "long", "buy", "BUY":
		return PositionSideLong
	case "SHORT", "short", "sell", "SELL":
		return PositionSideShort
	default:
		return PositionSideFlat
	}
}
