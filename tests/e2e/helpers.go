// Shared fixtures for the end-to-end pipeline tests: in-memory stores and a
// deterministic candle source, wired around real engine, simulator and bus
// instances.
package e2e

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/market"
)

// memEngineStore is an in-memory engine.Store.
type memEngineStore struct {
	mu      sync.Mutex
	candles map[string][]db.Candle // "symbol/timeframe" -> rows
	states  map[string]string
}

func newMemEngineStore() *memEngineStore {
	return &memEngineStore{
		candles: make(map[string][]db.Candle),
		states:  make(map[string]string),
	}
}

func (s *memEngineStore) UpsertCandle(_ context.Context, symbol, timeframe string, c *db.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := symbol + "/" + timeframe
	s.candles[key] = append(s.candles[key], *c)
	return nil
}

func (s *memEngineStore) UpsertCandles(ctx context.Context, symbol, timeframe string, candles []*db.Candle) error {
	for _, c := range candles {
		if err := s.UpsertCandle(ctx, symbol, timeframe, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *memEngineStore) UpsertTradingState(_ context.Context, symbol, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[symbol] = state
	return nil
}

func (s *memEngineStore) ListTradingStates(_ context.Context) ([]*db.TradingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.TradingState
	for symbol, state := range s.states {
		out = append(out, &db.TradingState{Symbol: symbol, State: state, UpdatedAt: time.Now()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *memEngineStore) candleCount(symbol, timeframe string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candles[symbol+"/"+timeframe])
}

// memSimStore is an in-memory simulator.Store.
type memSimStore struct {
	mu        sync.Mutex
	account   *db.Account
	positions map[uuid.UUID]db.Position
	settings  map[string]string
}

func newMemSimStore() *memSimStore {
	return &memSimStore{
		positions: make(map[uuid.UUID]db.Position),
		settings:  make(map[string]string),
	}
}

func (s *memSimStore) EnsureAccount(_ context.Context, initial float64) (*db.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		s.account = &db.Account{ID: 1, Balance: initial, UpdatedAt: time.Now()}
	}
	account := *s.account
	return &account, nil
}

func (s *memSimStore) UpdateAccountBalance(_ context.Context, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return errors.New("account missing")
	}
	s.account.Balance = balance
	return nil
}

func (s *memSimStore) InsertPosition(_ context.Context, p *db.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *memSimStore) UpdatePosition(_ context.Context, p *db.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *memSimStore) CloseAndSettle(_ context.Context, p *db.Position, newBalance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	s.account.Balance = newBalance
	return nil
}

func (s *memSimStore) MergeFill(_ context.Context, parent, order *db.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[parent.ID] = *parent
	s.positions[order.ID] = *order
	return nil
}

func (s *memSimStore) ListActivePositions(_ context.Context) ([]*db.Position, error) {
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

func (s *memSimStore) ListClosedPositions(_ context.Context, _ db.TradeHistoryFilter) ([]*db.Position, int, error) {
	return nil, 0, nil
}

func (s *memSimStore) DeleteAllPositions(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[uuid.UUID]db.Position)
	return nil
}

func (s *memSimStore) GetAllSettings(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *memSimStore) SetSettings(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.settings[k] = v
	}
	return nil
}

// memLifecycle is an in-memory signal lifecycle.
type memLifecycle struct {
	mu         sync.Mutex
	registered []*db.Signal
	tracked    map[uuid.UUID]uuid.UUID
	pending    []uuid.UUID
	filled     []uuid.UUID
	closed     []string
}

func newMemLifecycle() *memLifecycle {
	return &memLifecycle{tracked: make(map[uuid.UUID]uuid.UUID)}
}

func (l *memLifecycle) Register(_ context.Context, sig *db.Signal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	l.registered = append(l.registered, sig)
	return nil
}

func (l *memLifecycle) TrackOrder(signalID, orderID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracked[orderID] = signalID
}

func (l *memLifecycle) MarkPending(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, id)
	return nil
}

func (l *memLifecycle) OnOrderFilled(_ context.Context, orderID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filled = append(l.filled, orderID)
}

func (l *memLifecycle) OnPositionClosed(_ context.Context, _ uuid.UUID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, reason)
}

// memHistory serves canned warm-up candles.
type memHistory struct {
	mu     sync.Mutex
	recent map[string][]market.Candle // "symbol/timeframe"
}

func newMemHistory() *memHistory {
	return &memHistory{recent: make(map[string][]market.Candle)}
}

func (h *memHistory) Recent(_ context.Context, symbol string, tf market.Timeframe, _ int) ([]market.Candle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recent[symbol+"/"+tf.String()], nil
}

func (h *memHistory) Klines(_ context.Context, _ string, _ market.Timeframe, _, _ time.Time) ([]market.Candle, error) {
	return nil, nil
}

func pipelineConfig(symbols ...string) *config.Config {
	return &config.Config{
		NATS: config.NATSConfig{Embedded: true},
		Trading: config.TradingConfig{
			Symbols:        symbols,
			InitialCapital: 10000,
		},
		Signal: config.SignalConfig{
			MinScore:             4,
			ADXMin:               25.0,
			EntryOffsetPct:       0.001,
			StopLossPct:          0.01,
			BandTolerancePct:     0.015,
			VWAPProximityPct:     1.0,
			VolumeSpikeThreshold: 2.0,
			TTLSeconds:           300,
			Gate:                 config.GateConfig{MinConfirmations: 2, MaxWaitSeconds: 180},
		},
		Simulator: config.SimulatorConfig{
			RiskPercent:       1.0,
			RRRatio:           2.0,
			MaxPositions:      3,
			Leverage:          10,
			AutoExecute:       true,
			AllowFlip:         true,
			PendingTTLMinutes: 45,
		},
	}
}

func candleAt(ts time.Time, close float64) market.Candle {
	return market.Candle{
		Timestamp: ts,
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    10,
	}
}
