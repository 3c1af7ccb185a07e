package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
)

func testSignal(symbol string, direction db.SignalDirection, status db.SignalStatus) *db.Signal {
	return &db.Signal{
		ID:              uuid.New(),
		Symbol:          symbol,
		Direction:       direction,
		Confidence:      80,
		Price:           100,
		EntryPrice:      100,
		StopLoss:        99,
		TP1:             102,
		TP2:             103,
		TP3:             104,
		RiskRewardRatio: 2,
		Indicators:      json.RawMessage(`{"rsi_14":55}`),
		Reasons:         json.RawMessage(`["EMA stack aligned","RSI recovering"]`),
		Status:          status,
		GeneratedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSignalHistory(t *testing.T) {
	fx := newAPIFixture(t)
	fx.signals.history = []*db.Signal{
		testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusExecuted),
	}
	fx.signals.total = 45

	w := fx.request(t, http.MethodGet, "/signals/history?symbol=btcusdt&signal_type=buy&status=executed&min_confidence=70&limit=20", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(45), body["total"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(20), body["limit"])
	assert.Equal(t, float64(3), body["total_pages"])
	assert.Len(t, body["signals"].([]interface{}), 1)

	filter := fx.signals.lastFilter
	require.NotNil(t, filter.Symbol)
	assert.Equal(t, "BTCUSDT", *filter.Symbol)
	require.NotNil(t, filter.Direction)
	assert.Equal(t, db.SignalDirectionBuy, *filter.Direction)
	require.NotNil(t, filter.Status)
	assert.Equal(t, db.SignalStatusExecuted, *filter.Status)
	require.NotNil(t, filter.MinConfidence)
	assert.Equal(t, 70.0, *filter.MinConfidence)
	require.NotNil(t, filter.From)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), *filter.From, time.Minute)
}

func TestSignalHistoryDaysCapped(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.request(t, http.MethodGet, "/signals/history?days=200", nil)
	require.Equal(t, http.StatusOK, w.Code)

	filter := fx.signals.lastFilter
	require.NotNil(t, filter.From)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -90), *filter.From, time.Minute)
}

func TestSignalHistoryValidation(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.request(t, http.MethodGet, "/signals/history?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.request(t, http.MethodGet, "/signals/history?signal_type=HOLD", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.request(t, http.MethodGet, "/signals/history?status=DONE", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.request(t, http.MethodGet, "/signals/history?min_confidence=high", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPendingSignals(t *testing.T) {
	fx := newAPIFixture(t)
	fx.signals.actionable = []*db.Signal{
		testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusGenerated),
		testSignal("ETHUSDT", db.SignalDirectionSell, db.SignalStatusPending),
	}

	w := fx.request(t, http.MethodGet, "/signals/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["total"])
}

func TestGetSignal(t *testing.T) {
	fx := newAPIFixture(t)
	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusGenerated)
	fx.signals.add(sig)

	w := fx.request(t, http.MethodGet, "/signals/"+sig.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, sig.ID.String(), body["id"])
	assert.Equal(t, "BTCUSDT", body["symbol"])

	w = fx.request(t, http.MethodGet, "/signals/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = fx.request(t, http.MethodGet, "/signals/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignalByOrder(t *testing.T) {
	fx := newAPIFixture(t)
	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusExecuted)
	orderID := uuid.NewString()
	sig.OrderID = &orderID
	fx.signals.add(sig)

	w := fx.request(t, http.MethodGet, "/signals/order/"+orderID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sig.ID.String(), decodeBody(t, w)["id"])

	w = fx.request(t, http.MethodGet, "/signals/order/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteSignal(t *testing.T) {
	fx := newAPIFixture(t)
	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusGenerated)
	fx.signals.add(sig)

	w := fx.request(t, http.MethodPost, fmt.Sprintf("/signals/%s/execute", sig.ID), nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	body := decodeBody(t, w)
	order := body["order"].(map[string]interface{})
	assert.Equal(t, string(db.PositionStatusPending), order["status"])
	assert.Equal(t, string(db.PositionSideLong), order["side"])
	assert.Equal(t, float64(100), order["entry_price"])

	// The resulting order is linked back to the signal.
	orderID, err := uuid.Parse(order["id"].(string))
	require.NoError(t, err)
	fx.signals.mu.Lock()
	assert.Equal(t, orderID, fx.signals.tracked[sig.ID])
	assert.Contains(t, fx.signals.pending, sig.ID)
	fx.signals.mu.Unlock()

	assert.Greater(t, fx.engine.syncCount(), 0)
}

func TestExecuteSignalRejected(t *testing.T) {
	fx := newAPIFixture(t)

	// A same-side open position blocks a fresh BUY on the symbol.
	fx.simStore.seed(db.Position{
		ID:         uuid.New(),
		Symbol:     "BTCUSDT",
		Side:       db.PositionSideLong,
		Status:     db.PositionStatusOpen,
		EntryPrice: 95,
		Quantity:   1,
		Leverage:   10,
		Margin:     9.5,
		OpenTime:   time.Now().Add(-time.Hour),
	})
	require.NoError(t, fx.sim.Load(context.Background()))

	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusGenerated)
	fx.signals.add(sig)

	w := fx.request(t, http.MethodPost, fmt.Sprintf("/signals/%s/execute", sig.ID), nil)
	require.Equal(t, http.StatusConflict, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "signal rejected", body["error"])
	assert.Equal(t, string(simulator.RejectionPositionExists), body["rejection"])
}

func TestExecuteSignalNotActionable(t *testing.T) {
	fx := newAPIFixture(t)
	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusExecuted)
	fx.signals.add(sig)

	w := fx.request(t, http.MethodPost, fmt.Sprintf("/signals/%s/execute", sig.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = fx.request(t, http.MethodPost, fmt.Sprintf("/signals/%s/execute", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkSignalPending(t *testing.T) {
	fx := newAPIFixture(t)
	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusGenerated)
	fx.signals.add(sig)

	w := fx.request(t, http.MethodPost, fmt.Sprintf("/signals/%s/mark-pending", sig.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, string(db.SignalStatusPending), body["status"])
	fx.signals.mu.Lock()
	assert.Contains(t, fx.signals.pending, sig.ID)
	fx.signals.mu.Unlock()
}

func TestExpireSignal(t *testing.T) {
	fx := newAPIFixture(t)
	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusPending)
	fx.signals.add(sig)

	w := fx.request(t, http.MethodPost, fmt.Sprintf("/signals/%s/expire", sig.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(db.SignalStatusExpired), decodeBody(t, w)["status"])

	// Terminal now, a second expire conflicts.
	w = fx.request(t, http.MethodPost, fmt.Sprintf("/signals/%s/expire", sig.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExpireStaleSignals(t *testing.T) {
	fx := newAPIFixture(t)
	fx.signals.staleCount = 4

	w := fx.request(t, http.MethodPost, "/signals/expire-stale", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(4), body["expired"])
	assert.Equal(t, float64(300), body["ttl_seconds"])
	assert.Equal(t, 300*time.Second, fx.signals.staleTTL)

	w = fx.request(t, http.MethodPost, "/signals/expire-stale?ttl_seconds=60", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 60*time.Second, fx.signals.staleTTL)

	w = fx.request(t, http.MethodPost, "/signals/expire-stale?ttl_seconds=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportSignalsCSV(t *testing.T) {
	fx := newAPIFixture(t)
	sig := testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusExecuted)
	executedAt := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	sig.ExecutedAt = &executedAt
	orderID := uuid.NewString()
	sig.OrderID = &orderID
	fx.signals.history = []*db.Signal{sig}

	w := fx.request(t, http.MethodGet, "/signals/export?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "signals.csv")

	rows, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, signalCSVHeader, rows[0])

	row := rows[1]
	assert.Equal(t, sig.ID.String(), row[0])
	assert.Equal(t, "BTCUSDT", row[1])
	assert.Equal(t, "BUY", row[2])
	assert.Equal(t, "EXECUTED", row[3])
	assert.Equal(t, "80", row[4])
	assert.Equal(t, "2025-06-01T12:00:00Z", row[12])
	assert.Equal(t, "2025-06-01T12:05:00Z", row[13])
	assert.Equal(t, orderID, row[14])
	assert.Equal(t, `{"rsi_14":55}`, row[15])
	assert.Equal(t, "EMA stack aligned; RSI recovering", row[16])
}

func TestExportSignalsJSON(t *testing.T) {
	fx := newAPIFixture(t)
	fx.signals.history = []*db.Signal{
		testSignal("BTCUSDT", db.SignalDirectionBuy, db.SignalStatusGenerated),
	}

	w := fx.request(t, http.MethodGet, "/signals/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "signals.json")

	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "BTCUSDT", out[0]["symbol"])
}

func TestExportSignalsBadFormat(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.request(t, http.MethodGet, "/signals/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
