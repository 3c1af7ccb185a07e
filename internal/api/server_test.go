package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/bus"
	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/indicators"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
	"github.com/pulsetrader/pulsetrader/internal/ws"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

// fakeEngine implements the Engine seam with just enough state tracking to
// assert halt/resume and sync behavior.
type fakeEngine struct {
	mu      sync.Mutex
	states  map[string]string
	snaps   map[string]*indicators.Snapshot
	dropped int64
	synced  int
}

func newFakeEngine(symbols ...string) *fakeEngine {
	e := &fakeEngine{
		states: make(map[string]string),
		snaps:  make(map[string]*indicators.Snapshot),
	}
	for _, s := range symbols {
		e.states[s] = "SCANNING"
	}
	return e
}

func (e *fakeEngine) Snapshot(symbol string) *indicators.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snaps[symbol]
}

func (e *fakeEngine) States() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.states))
	for k, v := range e.states {
		out[k] = v
	}
	return out
}

func (e *fakeEngine) SyncAll(context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synced++
}

func (e *fakeEngine) Dropped() int64 { return e.dropped }

func (e *fakeEngine) Halt(_ context.Context, symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[symbol] = "HALTED"
}

func (e *fakeEngine) Resume(_ context.Context, symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[symbol] = "SCANNING"
}

func (e *fakeEngine) syncCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// fakeSignals implements the SignalStore seam over in-memory maps.
type fakeSignals struct {
	mu         sync.Mutex
	signals    map[uuid.UUID]*db.Signal
	byOrder    map[string]*db.Signal
	history    []*db.Signal
	historyErr error
	total      int
	lastFilter db.SignalHistoryFilter
	actionable []*db.Signal
	pending    []uuid.UUID
	expired    []uuid.UUID
	tracked    map[uuid.UUID]uuid.UUID // signal id -> order id
	staleTTL   time.Duration
	staleCount int64
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{
		signals: make(map[uuid.UUID]*db.Signal),
		byOrder: make(map[string]*db.Signal),
		tracked: make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeSignals) add(sig *db.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[sig.ID] = sig
	if sig.OrderID != nil {
		f.byOrder[*sig.OrderID] = sig
	}
}

func (f *fakeSignals) Get(_ context.Context, id uuid.UUID) (*db.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sig, ok := f.signals[id]; ok {
		return sig, nil
	}
	return nil, fmt.Errorf("signal %w: %s", db.ErrNotFound, id)
}

func (f *fakeSignals) GetByOrderID(_ context.Context, orderID string) (*db.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sig, ok := f.byOrder[orderID]; ok {
		return sig, nil
	}
	return nil, fmt.Errorf("signal %w for order: %s", db.ErrNotFound, orderID)
}

func (f *fakeSignals) History(_ context.Context, filter db.SignalHistoryFilter) ([]*db.Signal, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	if f.historyErr != nil {
		return nil, 0, f.historyErr
	}
	total := f.total
	if total == 0 {
		total = len(f.history)
	}
	return f.history, total, nil
}

func (f *fakeSignals) Actionable(context.Context) ([]*db.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actionable, nil
}

func (f *fakeSignals) MarkPending(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, id)
	if sig, ok := f.signals[id]; ok {
		sig.Status = db.SignalStatusPending
	}
	return nil
}

func (f *fakeSignals) MarkExpired(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
	if sig, ok := f.signals[id]; ok {
		sig.Status = db.SignalStatusExpired
	}
	return nil
}

func (f *fakeSignals) ExpireStale(_ context.Context, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleTTL = ttl
	return f.staleCount, nil
}

func (f *fakeSignals) TrackOrder(signalID, orderID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[signalID] = orderID
}

type fakeCandles struct {
	count         int
	countErr      error
	candles       []*db.Candle
	err           error
	lastSymbol    string
	lastTimeframe string
	lastLimit     int
}

func (f *fakeCandles) CountCandles(_ context.Context, symbol, timeframe string, limit int) (int, error) {
	f.lastSymbol, f.lastTimeframe, f.lastLimit = symbol, timeframe, limit
	return f.count, f.countErr
}

func (f *fakeCandles) GetRecentCandles(_ context.Context, symbol, timeframe string, limit int) ([]*db.Candle, error) {
	f.lastSymbol, f.lastTimeframe, f.lastLimit = symbol, timeframe, limit
	return f.candles, f.err
}

type loaderCall struct {
	symbol string
	tf     market.Timeframe
	n      int
}

type fakeLoader struct {
	candles []market.Candle
	err     error
	calls   []loaderCall
}

func (f *fakeLoader) Recent(_ context.Context, symbol string, tf market.Timeframe, n int) ([]market.Candle, error) {
	f.calls = append(f.calls, loaderCall{symbol: symbol, tf: tf, n: n})
	return f.candles, f.err
}

type fakeBus struct {
	stats     bus.Stats
	connected bool
}

func (f *fakeBus) Stats() bus.Stats { return f.stats }
func (f *fakeBus) IsConnected() bool { return f.connected }

// memStore is an in-memory simulator.Store so the trades endpoints run over
// a real simulator without PostgreSQL.
type memStore struct {
	mu        sync.Mutex
	account   *db.Account
	positions map[uuid.UUID]db.Position
	settings  map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[uuid.UUID]db.Position),
		settings:  make(map[string]string),
	}
}

func (s *memStore) EnsureAccount(_ context.Context, initial float64) (*db.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		s.account = &db.Account{ID: 1, Balance: initial, UpdatedAt: time.Now()}
	}
	account := *s.account
	return &account, nil
}

func (s *memStore) UpdateAccountBalance(_ context.Context, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account.Balance = balance
	return nil
}

func (s *memStore) InsertPosition(_ context.Context, p *db.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *memStore) UpdatePosition(_ context.Context, p *db.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *memStore) CloseAndSettle(_ context.Context, p *db.Position, newBalance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	s.account.Balance = newBalance
	return nil
}

func (s *memStore) MergeFill(_ context.Context, parent, order *db.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[parent.ID] = *parent
	s.positions[order.ID] = *order
	return nil
}

func (s *memStore) ListActivePositions(_ context.Context) ([]*db.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*db.Position
	for _, p := range s.positions {
		if p.Status == db.PositionStatusPending || p.Status == db.PositionStatusOpen {
			cp := p
			active = append(active, &cp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].OpenTime.Before(active[j].OpenTime) })
	return active, nil
}

func (s *memStore) ListClosedPositions(_ context.Context, f db.TradeHistoryFilter) ([]*db.Position, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*db.Position
	for _, p := range s.positions {
		if p.Status != db.PositionStatusClosed {
			continue
		}
		if f.Symbol != nil && p.Symbol != *f.Symbol {
			continue
		}
		if f.Side != nil && p.Side != *f.Side {
			continue
		}
		if f.PnLFilter != nil {
			var pnl float64
			if p.RealizedPnL != nil {
				pnl = *p.RealizedPnL
			}
			if (*f.PnLFilter == "win" && pnl <= 0) || (*f.PnLFilter == "loss" && pnl > 0) {
				continue
			}
		}
		if f.ClosedAfter != nil && (p.CloseTime == nil || p.CloseTime.Before(*f.ClosedAfter)) {
			continue
		}
		cp := p
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		var ti, tj time.Time
		if matched[i].CloseTime != nil {
			ti = *matched[i].CloseTime
		}
		if matched[j].CloseTime != nil {
			tj = *matched[j].CloseTime
		}
		return ti.After(tj)
	})

	total := len(matched)
	if f.Limit > 0 {
		start := 0
		if f.Page > 1 {
			start = (f.Page - 1) * f.Limit
		}
		if start > total {
			start = total
		}
		end := start + f.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (s *memStore) DeleteAllPositions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[uuid.UUID]db.Position)
	return nil
}

func (s *memStore) GetAllSettings(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) SetSettings(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.settings[k] = v
	}
	return nil
}

func (s *memStore) seed(positions ...db.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		s.positions[p.ID] = p
	}
}

type apiFixture struct {
	server   *Server
	sim      *simulator.Simulator
	simStore *memStore
	oracle   *market.PriceOracle
	engine   *fakeEngine
	signals  *fakeSignals
	candles  *fakeCandles
	loader   *fakeLoader
	bus      *fakeBus
	pinger   *fakePinger
	wsm      *ws.Manager
}

// newAPIFixture builds a server over a real simulator (in-memory store) and
// fakes for the other seams.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	simCfg := config.SimulatorConfig{
		RiskPercent:       1.0,
		RRRatio:           2.0,
		MaxPositions:      3,
		Leverage:          10,
		AutoExecute:       true,
		AllowFlip:         true,
		PendingTTLMinutes: 45,
	}
	tradingCfg := config.TradingConfig{
		Symbols:        []string{"BTCUSDT", "ETHUSDT"},
		InitialCapital: 10000,
	}

	simStore := newMemStore()
	oracle := market.NewPriceOracle(nil)
	sim := simulator.New(simCfg, tradingCfg, simStore, oracle)
	require.NoError(t, sim.Load(context.Background()))

	fx := &apiFixture{
		sim:      sim,
		simStore: simStore,
		oracle:   oracle,
		engine:   newFakeEngine("BTCUSDT", "ETHUSDT"),
		signals:  newFakeSignals(),
		candles:  &fakeCandles{},
		loader:   &fakeLoader{},
		bus:      &fakeBus{connected: true},
		pinger:   &fakePinger{},
	}
	fx.wsm = ws.NewManager(Snapshot(fx.engine, fx.signals))

	fx.server = NewServer(
		config.APIConfig{Host: "127.0.0.1", Port: 0, HistoryLocalCoverage: 0.8},
		Deps{
			DB:        fx.pinger,
			Engine:    fx.engine,
			Sim:       sim,
			Signals:   fx.signals,
			Candles:   fx.candles,
			History:   fx.loader,
			Bus:       fx.bus,
			WS:        fx.wsm,
			SignalTTL: 300 * time.Second,
		},
	)

	t.Cleanup(fx.wsm.CloseAll)
	return fx
}

func (fx *apiFixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	fx.server.router.ServeHTTP(w, req)
	return w
}

func (fx *apiFixture) requestRaw(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.server.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestRootEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.request(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "PulseTrader API", body["service"])
	assert.Equal(t, "running", body["status"])
}

func TestHealthEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	w := fx.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])

	fx.pinger.err = fmt.Errorf("connection refused")
	w = fx.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decodeBody(t, w)["status"])
}

func TestSystemStatus(t *testing.T) {
	fx := newAPIFixture(t)
	fx.bus.stats = bus.Stats{EventsPublished: 12, EventsConsumed: 11}

	w := fx.request(t, http.MethodGet, "/system/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]interface{})
	database := components["database"].(map[string]interface{})
	assert.Equal(t, "healthy", database["status"])

	busComponent := components["bus"].(map[string]interface{})
	assert.Equal(t, "connected", busComponent["status"])
	busStats := busComponent["stats"].(map[string]interface{})
	assert.Equal(t, float64(12), busStats["events_published"])

	engine := components["engine"].(map[string]interface{})
	states := engine["states"].(map[string]interface{})
	assert.Equal(t, "SCANNING", states["BTCUSDT"])

	assert.Contains(t, components, "websocket")
	assert.Greater(t, body["uptime"].(float64), 0.0)
}

func TestSystemStatusDegraded(t *testing.T) {
	fx := newAPIFixture(t)
	fx.bus.connected = false

	w := fx.request(t, http.MethodGet, "/system/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]interface{})
	busComponent := components["bus"].(map[string]interface{})
	assert.Equal(t, "disconnected", busComponent["status"])
}

func TestHaltAndResumeSymbol(t *testing.T) {
	fx := newAPIFixture(t)

	// Lowercase path params are normalized.
	w := fx.request(t, http.MethodPost, "/system/halt/btcusdt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, "HALTED", body["state"])
	assert.Equal(t, "HALTED", fx.engine.States()["BTCUSDT"])

	w = fx.request(t, http.MethodPost, "/system/resume/BTCUSDT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SCANNING", decodeBody(t, w)["state"])

	w = fx.request(t, http.MethodPost, "/system/halt/DOGEUSDT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
