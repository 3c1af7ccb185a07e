package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConvertPositionSide tests the ConvertPositionSide function
func TestConvertPositionSide(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected PositionSide
	}{
		{
			name:     "Uppercase LONG",
			input:    "LONG",
			expected: PositionSideLong,
		},
		{
			name:     "Lowercase long",
			input:    "long",
			expected: PositionSideLong,
		},
		{
			name:     "Uppercase BUY maps to LONG",
			input:    "BUY",
			expected: PositionSideLong,
		},
		{
			name:     "Lowercase buy maps to LONG",
			input:    "buy",
			expected: PositionSideLong,
		},
		{
			name:     "Uppercase SHORT",
			input:    "SHORT",
			expected: PositionSideShort,
		},
		{
			name:     "Lowercase short",
			input:    "short",
			expected: PositionSideShort,
		},
		{
			name:     "Uppercase SELL maps to SHORT",
			input:    "SELL",
			expected: PositionSideShort,
		},
		{
			name:     "Lowercase sell maps to SHORT",
			input:    "sell",
			expected: PositionSideShort,
		},
		{
			name:     "Unknown value defaults to FLAT",
			input:    "UNKNOWN",
			expected: PositionSideFlat,
		},
		{
			name:     "NEUTRAL defaults to FLAT",
			input:    "NEUTRAL",
			expected: PositionSideFlat,
		},
		{
			name:     "Empty string defaults to FLAT",
			input:    "",
			expected: PositionSideFlat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertPositionSide(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

// TestPositionSideConstants tests that position side constants are defined correctly
func TestPositionSideConstants(t *testing.T) {
	assert.Equal(t, PositionSide("LONG"), PositionSideLong)
	assert.Equal(t, PositionSide("SHORT"), PositionSideShort)
	assert.Equal(t, PositionSide("FLAT"), PositionSideFlat)
}

func TestPositionUnrealizedPnL(t *testing.T) {
	long := &Position{
		Side:       PositionSideLong,
		Status:     PositionStatusOpen,
		EntryPrice: 50000,
		Quantity:   0.1,
	}
	assert.InDelta(t, 100.0, long.UnrealizedPnL(51000), 1e-9)
	assert.InDelta(t, -100.0, long.UnrealizedPnL(49000), 1e-9)

	short := &Position{
		Side:       PositionSideShort,
		Status:     PositionStatusOpen,
		EntryPrice: 50000,
		Quantity:   0.1,
	}
	assert.InDelta(t, 100.0, short.UnrealizedPnL(49000), 1e-9)
	assert.InDelta(t, -100.0, short.UnrealizedPnL(51000), 1e-9)

	pending := &Position{
		Side:       PositionSideLong,
		Status:     PositionStatusPending,
		EntryPrice: 50000,
		Quantity:   0.1,
	}
	assert.Zero(t, pending.UnrealizedPnL(60000))
}

func positionRowColumns() []string {
	return []string{
		"id", "symbol", "side", "status", "entry_price", "quantity", "leverage", "margin",
		"liquidation_price", "stop_loss", "take_profit", "open_time", "close_time",
		"exit_price", "realized_pnl", "exit_reason", "highest_price", "lowest_price",
		"created_at", "updated_at",
	}
}

func openPositionRowValues(id uuid.UUID, symbol string, side PositionSide) []interface{} {
	now := time.Now()
	return []interface{}{
		id, symbol, side, PositionStatusOpen, 50000.0, 0.1, 10, 500.0,
		45500.0, 49500.0, 51000.0, now.Add(-time.Hour), nil,
		nil, nil, nil, 50500.0, 49900.0,
		now.Add(-time.Hour), now,
	}
}

func closedPositionRowValues(id uuid.UUID, symbol string, pnl float64) []interface{} {
	now := time.Now()
	closeTime := now.Add(-time.Minute)
	exitPrice := 51000.0
	reason := ExitReasonTakeProfit
	return []interface{}{
		id, symbol, PositionSideLong, PositionStatusClosed, 50000.0, 0.1, 10, 500.0,
		45500.0, 49500.0, 51000.0, now.Add(-time.Hour), &closeTime,
		&exitPrice, &pnl, &reason, 51200.0, 49900.0,
		now.Add(-time.Hour), now,
	}
}

func TestInsertPositionAssignsDefaults(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectExec("INSERT INTO paper_positions").
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p := &Position{
		Symbol:     "BTCUSDT",
		Side:       PositionSideLong,
		Status:     PositionStatusPending,
		EntryPrice: 50000,
		Quantity:   0.1,
		Leverage:   10,
		Margin:     500,
		OpenTime:   time.Now(),
	}

	err := database.InsertPosition(context.Background(), p)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.False(t, p.CreatedAt.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPosition(t *testing.T) {
	mock, database := newMockDB(t)

	id := uuid.New()
	rows := pgxmock.NewRows(positionRowColumns()).
		AddRow(openPositionRowValues(id, "BTCUSDT", PositionSideLong)...)

	mock.ExpectQuery("FROM paper_positions WHERE id").
		WithArgs(id).
		WillReturnRows(rows)

	p, err := database.GetPosition(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, p.ID)
	assert.Equal(t, PositionSideLong, p.Side)
	assert.Equal(t, PositionStatusOpen, p.Status)
	assert.Equal(t, 10, p.Leverage)
	assert.Nil(t, p.CloseTime)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPositionNotFound(t *testing.T) {
	mock, database := newMockDB(t)

	id := uuid.New()
	mock.ExpectQuery("FROM paper_positions WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	p, err := database.GetPosition(context.Background(), id)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "position not found")
	assert.Nil(t, p)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePositionNotFound(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectExec("UPDATE paper_positions").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	p := &Position{ID: uuid.New(), Status: PositionStatusOpen}
	err := database.UpdatePosition(context.Background(), p)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "position not found")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseAndSettle(t *testing.T) {
	mock, database := newMockDB(t)

	closeTime := time.Now()
	exitPrice := 51000.0
	pnl := 100.0
	reason := ExitReasonTakeProfit

	p := &Position{
		ID:          uuid.New(),
		Symbol:      "BTCUSDT",
		Side:        PositionSideLong,
		Status:      PositionStatusClosed,
		EntryPrice:  50000,
		Quantity:    0.1,
		Leverage:    10,
		Margin:      500,
		CloseTime:   &closeTime,
		ExitPrice:   &exitPrice,
		RealizedPnL: &pnl,
		ExitReason:  &reason,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE paper_positions").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE paper_account SET balance").
		WithArgs(10100.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := database.CloseAndSettle(context.Background(), p, 10100.0)
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseAndSettleMissingPosition(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE paper_positions").
		WithArgs(anyArgs(15)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	p := &Position{ID: uuid.New(), Status: PositionStatusClosed}
	err := database.CloseAndSettle(context.Background(), p, 10000.0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "position not found")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActivePositions(t *testing.T) {
	mock, database := newMockDB(t)

	rows := pgxmock.NewRows(positionRowColumns()).
		AddRow(openPositionRowValues(uuid.New(), "BTCUSDT", PositionSideLong)...).
		AddRow(openPositionRowValues(uuid.New(), "ETHUSDT", PositionSideShort)...)

	mock.ExpectQuery("FROM paper_positions").
		WillReturnRows(rows)

	positions, err := database.ListActivePositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPositionsByStatusWithSymbol(t *testing.T) {
	mock, database := newMockDB(t)

	symbol := "BTCUSDT"
	rows := pgxmock.NewRows(positionRowColumns()).
		AddRow(openPositionRowValues(uuid.New(), symbol, PositionSideLong)...)

	mock.ExpectQuery("FROM paper_positions WHERE status").
		WithArgs(PositionStatusOpen, symbol).
		WillReturnRows(rows)

	positions, err := database.ListPositionsByStatus(context.Background(), PositionStatusOpen, &symbol)
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListClosedPositionsPagination(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(47))

	rows := pgxmock.NewRows(positionRowColumns()).
		AddRow(closedPositionRowValues(uuid.New(), "BTCUSDT", 100.0)...).
		AddRow(closedPositionRowValues(uuid.New(), "BTCUSDT", -50.0)...)

	mock.ExpectQuery("(?s)SELECT(.+)FROM paper_positions(.+)ORDER BY close_time DESC").
		WithArgs(10, 40).
		WillReturnRows(rows)

	positions, total, err := database.ListClosedPositions(context.Background(), TradeHistoryFilter{
		Page:  5,
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, positions, 2)
	assert.Equal(t, 47, total)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListClosedPositionsWinFilter(t *testing.T) {
	mock, database := newMockDB(t)

	win := "win"
	symbol := "ETHUSDT"

	mock.ExpectQuery("SELECT COUNT(.+)realized_pnl > 0").
		WithArgs(symbol).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	rows := pgxmock.NewRows(positionRowColumns()).
		AddRow(closedPositionRowValues(uuid.New(), symbol, 75.0)...)

	mock.ExpectQuery("(?s)SELECT(.+)FROM paper_positions(.+)ORDER BY close_time DESC").
		WithArgs(symbol, 20).
		WillReturnRows(rows)

	positions, total, err := database.ListClosedPositions(context.Background(), TradeHistoryFilter{
		Symbol:    &symbol,
		PnLFilter: &win,
		Page:      1,
		Limit:     20,
	})
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Equal(t, 3, total)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListClosedPositionsClosedAfter(t *testing.T) {
	mock, database := newMockDB(t)

	since := time.Now().Add(-30 * 24 * time.Hour).UTC()

	mock.ExpectQuery("SELECT COUNT(.+)close_time >=").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	rows := pgxmock.NewRows(positionRowColumns()).
		AddRow(closedPositionRowValues(uuid.New(), "BTCUSDT", 12.5)...)

	mock.ExpectQuery("(?s)SELECT(.+)FROM paper_positions(.+)close_time >=(.+)ORDER BY close_time DESC").
		WithArgs(since).
		WillReturnRows(rows)

	positions, total, err := database.ListClosedPositions(context.Background(), TradeHistoryFilter{
		ClosedAfter: &since,
	})
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Equal(t, 1, total)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListClosedPositionsInvalidPnLFilter(t *testing.T) {
	mock, database := newMockDB(t)

	bogus := "breakeven"
	_, _, err := database.ListClosedPositions(context.Background(), TradeHistoryFilter{PnLFilter: &bogus})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pnl filter")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAllPositions(t *testing.T) {
	mock, database := newMockDB(t)

	mock.ExpectExec("DELETE FROM paper_positions").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))

	err := database.DeleteAllPositions(context.Background())
	assert.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
