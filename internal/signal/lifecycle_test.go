package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/db"
)

func newMockManager(t *testing.T) (pgxmock.PgxPoolIface, *Manager) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return mock, NewManager(db.NewWithPool(mock))
}

// outcomeWith matches the serialized SignalOutcome argument by its result.
type outcomeWith string

func (m outcomeWith) Match(v interface{}) bool {
	var raw []byte
	switch b := v.(type) {
	case json.RawMessage:
		raw = b
	case []byte:
		raw = b
	default:
		return false
	}
	var o SignalOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return false
	}
	return o.Result == string(m)
}

func closedPositionRow(id uuid.UUID, pnl float64, reason string) *pgxmock.Rows {
	now := time.Now()
	closeTime := now.Add(-time.Minute)
	exitPrice := 101.10
	return pgxmock.NewRows([]string{
		"id", "symbol", "side", "status", "entry_price", "quantity", "leverage", "margin",
		"liquidation_price", "stop_loss", "take_profit", "open_time", "close_time",
		"exit_price", "realized_pnl", "exit_reason", "highest_price", "lowest_price",
		"created_at", "updated_at",
	}).AddRow(
		id, "BTCUSDT", db.PositionSideLong, db.PositionStatusClosed, 99.10, 10.0, 10, 99.1,
		89.19, 98.10, 101.10, now.Add(-time.Hour), &closeTime,
		&exitPrice, &pnl, &reason, 101.30, 99.05,
		now.Add(-time.Hour), now,
	)
}

func TestManagerRegisterAssignsIdentity(t *testing.T) {
	mock, mgr := newMockManager(t)

	mock.ExpectExec("INSERT INTO signals").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sig := &db.Signal{Symbol: "BTCUSDT", Direction: db.SignalDirectionBuy, Confidence: 0.8}
	require.NoError(t, mgr.Register(context.Background(), sig))

	assert.NotEqual(t, uuid.Nil, sig.ID)
	assert.Equal(t, db.SignalStatusGenerated, sig.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerTransitionsTolerateIllegalStates(t *testing.T) {
	mock, mgr := newMockManager(t)
	ctx := context.Background()
	id := uuid.New()

	// A legal transition updates one row; a replay updates zero rows and
	// both come back as nil errors.
	mock.ExpectExec("UPDATE signals").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, mgr.MarkPending(ctx, id))

	mock.ExpectExec("UPDATE signals").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.NoError(t, mgr.MarkPending(ctx, id))

	mock.ExpectExec("UPDATE signals").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.NoError(t, mgr.MarkExpired(ctx, id))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerOnOrderFilledMarksExecuted(t *testing.T) {
	mock, mgr := newMockManager(t)

	signalID, orderID := uuid.New(), uuid.New()
	mgr.TrackOrder(signalID, orderID)

	mock.ExpectExec("UPDATE signals").
		WithArgs(signalID, pgxmock.AnyArg(), orderID.String()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	mgr.OnOrderFilled(context.Background(), orderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerOnOrderFilledUntrackedIsNoop(t *testing.T) {
	mock, mgr := newMockManager(t)

	// No expectations: an untracked fill must not touch the database.
	mgr.OnOrderFilled(context.Background(), uuid.New())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerOnPositionClosedRecordsWin(t *testing.T) {
	mock, mgr := newMockManager(t)

	signalID, positionID := uuid.New(), uuid.New()
	mgr.TrackOrder(signalID, positionID)

	mock.ExpectQuery("FROM paper_positions WHERE id").
		WithArgs(positionID).
		WillReturnRows(closedPositionRow(positionID, 20.20, db.ExitReasonTakeProfit))
	mock.ExpectExec("UPDATE signals SET outcome").
		WithArgs(signalID, outcomeWith("WIN")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	mgr.OnPositionClosed(context.Background(), positionID, db.ExitReasonTakeProfit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerOnPositionClosedRecordsLoss(t *testing.T) {
	mock, mgr := newMockManager(t)

	signalID, positionID := uuid.New(), uuid.New()
	mgr.TrackOrder(signalID, positionID)

	mock.ExpectQuery("FROM paper_positions WHERE id").
		WithArgs(positionID).
		WillReturnRows(closedPositionRow(positionID, -10.0, db.ExitReasonStopLoss))
	mock.ExpectExec("UPDATE signals SET outcome").
		WithArgs(signalID, outcomeWith("LOSS")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	mgr.OnPositionClosed(context.Background(), positionID, db.ExitReasonStopLoss)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerOnPositionClosedFallsBackToStoredLink(t *testing.T) {
	mock, mgr := newMockManager(t)

	// Nothing tracked in memory: the restart path resolves the signal
	// through its recorded order id.
	signalID, positionID := uuid.New(), uuid.New()
	generatedAt := time.Now().Add(-time.Hour)
	orderRef := positionID.String()

	mock.ExpectQuery("FROM paper_positions WHERE id").
		WithArgs(positionID).
		WillReturnRows(closedPositionRow(positionID, 5.0, db.ExitReasonTakeProfit))
	mock.ExpectQuery("FROM signals WHERE order_id").
		WithArgs(orderRef).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "symbol", "direction", "confidence", "price", "entry_price", "stop_loss",
			"tp1", "tp2", "tp3", "position_size", "risk_reward_ratio", "indicators", "reasons",
			"status", "generated_at", "pending_at", "executed_at", "expired_at", "order_id", "outcome",
		}).AddRow(
			signalID, "BTCUSDT", db.SignalDirectionBuy, 0.8, 99.20, 99.10, 98.10,
			101.10, 103.10, 105.10, 10.0, 2.0,
			json.RawMessage(`{}`), json.RawMessage(`[]`),
			db.SignalStatusExecuted, generatedAt, nil, nil, nil, &orderRef, nil,
		))
	mock.ExpectExec("UPDATE signals SET outcome").
		WithArgs(signalID, outcomeWith("WIN")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	mgr.OnPositionClosed(context.Background(), positionID, db.ExitReasonTakeProfit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerOnPositionClosedUnlinkedIsNoop(t *testing.T) {
	mock, mgr := newMockManager(t)

	positionID := uuid.New()
	mock.ExpectQuery("FROM paper_positions WHERE id").
		WithArgs(positionID).
		WillReturnRows(closedPositionRow(positionID, 1.0, db.ExitReasonManual))
	mock.ExpectQuery("FROM signals WHERE order_id").
		WithArgs(positionID.String()).
		WillReturnError(pgx.ErrNoRows)

	// Manual positions without an originating signal leave no outcome.
	mgr.OnPositionClosed(context.Background(), positionID, db.ExitReasonManual)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManagerExpireStale(t *testing.T) {
	mock, mgr := newMockManager(t)

	mock.ExpectExec("UPDATE signals").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	count, err := mgr.ExpireStale(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	require.NoError(t, mock.ExpectationsWereMet())
}
