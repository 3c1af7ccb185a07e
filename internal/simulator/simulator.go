// Package simulator implements the paper futures engine: one shared account
// and a per-symbol position book driven by released signals and market ticks.
// Orders start PENDING, fill against candle extremes, and exit on
// liquidation, stop loss, take profit or reversal.
//
// Every state transition writes through to storage before the in-memory book
// changes; a failed critical write aborts the transition so a restart always
// resumes from a consistent persisted state. Watermark and trailing-stop
// updates are the one exception: they are best-effort because the next tick
// reconstructs them.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/market"
)

// Close failures callers branch on. The API maps not-found to 404 and the
// other two to a conflict.
var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionNotActive = errors.New("position not active")
	ErrNoPrice           = errors.New("no price available")
)

// Store is the persistence surface the simulator writes through. *db.DB
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	EnsureAccount(ctx context.Context, initialBalance float64) (*db.Account, error)
	UpdateAccountBalance(ctx context.Context, balance float64) error
	InsertPosition(ctx context.Context, p *db.Position) error
	UpdatePosition(ctx context.Context, p *db.Position) error
	CloseAndSettle(ctx context.Context, p *db.Position, newBalance float64) error
	MergeFill(ctx context.Context, parent, order *db.Position) error
	ListActivePositions(ctx context.Context) ([]*db.Position, error)
	ListClosedPositions(ctx context.Context, f db.TradeHistoryFilter) ([]*db.Position, int, error)
	DeleteAllPositions(ctx context.Context) error
	GetAllSettings(ctx context.Context) (map[string]string, error)
	SetSettings(ctx context.Context, values map[string]string) error
}

// Observer receives lifecycle hooks after the simulator has committed the
// corresponding transition. Hooks fire outside the simulator's critical
// section, so implementations may call back into queries freely.
type Observer interface {
	OnOrderFilled(ctx context.Context, orderID uuid.UUID)
	OnPositionClosed(ctx context.Context, positionID uuid.UUID, reason string)
}

// Simulator owns the paper account and the active position book. One mutex
// guards the whole book: entry points lock, mutate, persist, unlock, then
// fire observer hooks. Per-symbol event ordering is the engine's job; the
// mutex only makes concurrent cross-symbol calls and API reads safe.
type Simulator struct {
	mu       sync.Mutex
	store    Store
	oracle   market.PriceSource
	observer Observer

	settings  Settings
	allowFlip bool

	cooldown         time.Duration
	reversalCooldown time.Duration
	pendingTTL       time.Duration

	initialBalance float64
	balance        float64

	positions map[uuid.UUID]*db.Position // active book: PENDING and OPEN only
	cooldowns map[string]time.Time       // symbol -> no new entries before

	now func() time.Time
}

// New wires a simulator over its storage and price oracle. Config seeds the
// runtime settings; stored settings override them during Load.
func New(cfg config.SimulatorConfig, trading config.TradingConfig, store Store, oracle market.PriceSource) *Simulator {
	return &Simulator{
		store:            store,
		oracle:           oracle,
		settings:         DefaultSettings(cfg, trading.Symbols),
		allowFlip:        cfg.AllowFlip,
		cooldown:         cfg.Cooldown(),
		reversalCooldown: cfg.ReversalCooldown(),
		pendingTTL:       cfg.PendingTTL(),
		initialBalance:   trading.InitialCapital,
		positions:        make(map[uuid.UUID]*db.Position),
		cooldowns:        make(map[string]time.Time),
		now:              time.Now,
	}
}

// SetObserver registers the lifecycle observer. Call before the first tick.
func (s *Simulator) SetObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = obs
}

// Load restores the account, stored settings and the active book. Call once
// at startup before handling signals or ticks.
func (s *Simulator) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.store.EnsureAccount(ctx, s.initialBalance)
	if err != nil {
		return fmt.Errorf("failed to load paper account: %w", err)
	}
	s.balance = account.Balance

	stored, err := s.store.GetAllSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings, err := SettingsFromStore(s.settings, stored)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed stored settings")
	} else {
		s.settings = settings
	}

	active, err := s.store.ListActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active positions: %w", err)
	}
	for _, p := range active {
		s.positions[p.ID] = p
	}

	log.Info().
		Float64("balance", s.balance).
		Int("active_positions", len(active)).
		Int("max_positions", s.settings.MaxPositions).
		Int("leverage", s.settings.Leverage).
		Msg("Paper book restored")

	return nil
}

// Balance returns the current wallet balance.
func (s *Simulator) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// InitialBalance returns the configured starting balance.
func (s *Simulator) InitialBalance() float64 {
	return s.initialBalance
}

// Settings returns a copy of the current runtime settings.
func (s *Simulator) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.clone()
}

// AutoExecute reports whether released signals should reach the book.
func (s *Simulator) AutoExecute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.AutoExecute
}

// ApplySettings validates, persists and swaps the runtime settings in one
// step so storage and the cached copy never diverge.
func (s *Simulator) ApplySettings(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	values, err := settings.StoreValues()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetSettings(ctx, values); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	s.settings = settings.clone()

	log.Info().
		Float64("risk_percent", settings.RiskPercent).
		Float64("rr_ratio", settings.RRRatio).
		Int("max_positions", settings.MaxPositions).
		Int("leverage", settings.Leverage).
		Bool("auto_execute", settings.AutoExecute).
		Msg("Settings updated")

	return nil
}

// Portfolio is the account snapshot served by the trades API. Unrealized
// PnL is marked against the price oracle; open positions without a mark
// contribute zero.
type Portfolio struct {
	Balance          float64        `json:"balance"`
	Equity           float64        `json:"equity"`
	UnrealizedPnL    float64        `json:"unrealized_pnl"`
	MarginUsed       float64        `json:"margin_used"`
	AvailableBalance float64        `json:"available_balance"`
	OpenPositions    int            `json:"open_positions"`
	PendingOrders    int            `json:"pending_orders"`
	Positions        []*db.Position `json:"positions"`
}

// Portfolio returns a consistent snapshot of the account and active book.
func (s *Simulator) Portfolio(ctx context.Context) *Portfolio {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := &Portfolio{Balance: s.balance}
	for _, p := range s.sortedActiveLocked() {
		snapshot.MarginUsed += p.Margin
		switch p.Status {
		case db.PositionStatusOpen:
			snapshot.OpenPositions++
			if price, ok := s.oracle.Price(ctx, p.Symbol); ok {
				snapshot.UnrealizedPnL += p.UnrealizedPnL(price)
			}
		case db.PositionStatusPending:
			snapshot.PendingOrders++
		}
		snapshot.Positions = append(snapshot.Positions, clonePosition(p))
	}

	snapshot.Equity = snapshot.Balance + snapshot.UnrealizedPnL
	snapshot.AvailableBalance = snapshot.Equity - snapshot.MarginUsed
	return snapshot
}

// OpenPositions returns a snapshot of OPEN positions, oldest first.
func (s *Simulator) OpenPositions() []*db.Position {
	return s.snapshot(db.PositionStatusOpen)
}

// PendingOrders returns a snapshot of PENDING orders, oldest first.
func (s *Simulator) PendingOrders() []*db.Position {
	return s.snapshot(db.PositionStatusPending)
}

// ActivePositions returns a snapshot of the whole live book, oldest first.
func (s *Simulator) ActivePositions() []*db.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Position
	for _, p := range s.sortedActiveLocked() {
		out = append(out, clonePosition(p))
	}
	return out
}

func (s *Simulator) snapshot(status db.PositionStatus) []*db.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Position
	for _, p := range s.sortedActiveLocked() {
		if p.Status == status {
			out = append(out, clonePosition(p))
		}
	}
	return out
}

// TradeHistory returns one page of closed trades plus the total count.
func (s *Simulator) TradeHistory(ctx context.Context, f db.TradeHistoryFilter) ([]*db.Position, int, error) {
	return s.store.ListClosedPositions(ctx, f)
}

// ClosePosition force-exits an active position: OPEN positions close at the
// oracle price with reason MANUAL, PENDING orders are cancelled. Fails when
// no price mark is available for an open position.
func (s *Simulator) ClosePosition(ctx context.Context, id uuid.UUID) (*db.Position, error) {
	s.mu.Lock()

	pos, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}

	now := s.now()
	var (
		result *db.Position
		exited bool
		err    error
	)
	switch pos.Status {
	case db.PositionStatusPending:
		result, err = s.cancelLocked(ctx, pos, db.ExitReasonManual, now)
	case db.PositionStatusOpen:
		price, priced := s.oracle.Price(ctx, pos.Symbol)
		if !priced || price <= 0 {
			err = fmt.Errorf("%w for %s", ErrNoPrice, pos.Symbol)
			break
		}
		result, err = s.closeLocked(ctx, pos, price, db.ExitReasonManual, now)
		exited = err == nil
	default:
		err = fmt.Errorf("%w: %s", ErrPositionNotActive, id)
	}

	obs := s.observer
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if exited && obs != nil {
		obs.OnPositionClosed(ctx, result.ID, db.ExitReasonManual)
	}
	return result, nil
}

// Reset deletes every position and restores the initial balance. Cooldowns
// and the in-memory book are cleared with it.
func (s *Simulator) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteAllPositions(ctx); err != nil {
		return fmt.Errorf("failed to reset positions: %w", err)
	}
	if err := s.store.UpdateAccountBalance(ctx, s.initialBalance); err != nil {
		return fmt.Errorf("failed to reset balance: %w", err)
	}

	s.positions = make(map[uuid.UUID]*db.Position)
	s.cooldowns = make(map[string]time.Time)
	s.balance = s.initialBalance

	log.Warn().Float64("balance", s.balance).Msg("Paper book reset")
	return nil
}

// closeLocked exits an OPEN position: realized PnL and the new balance are
// settled in one transaction, the book drops the position and the symbol
// enters cooldown. Returns the terminal snapshot.
func (s *Simulator) closeLocked(ctx context.Context, pos *db.Position, exitPrice float64, reason string, now time.Time) (*db.Position, error) {
	pnl := realizedPnL(pos, exitPrice)
	newBalance := s.balance + pnl

	next := clonePosition(pos)
	next.Status = db.PositionStatusClosed
	next.CloseTime = &now
	next.ExitPrice = &exitPrice
	next.RealizedPnL = &pnl
	next.ExitReason = &reason

	if err := s.store.CloseAndSettle(ctx, next, newBalance); err != nil {
		return nil, fmt.Errorf("failed to settle %s close: %w", pos.Symbol, err)
	}

	delete(s.positions, pos.ID)
	s.balance = newBalance

	until := now.Add(s.cooldown)
	if reason == db.ExitReasonSignalReversal {
		until = now.Add(s.reversalCooldown)
	}
	s.cooldowns[pos.Symbol] = until

	log.Info().
		Str("position_id", next.ID.String()).
		Str("symbol", next.Symbol).
		Str("side", string(next.Side)).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("realized_pnl", pnl).
		Float64("balance", newBalance).
		Msg("Position closed")

	return next, nil
}

// cancelLocked terminates a PENDING order without touching the balance.
func (s *Simulator) cancelLocked(ctx context.Context, pos *db.Position, reason string, now time.Time) (*db.Position, error) {
	next := clonePosition(pos)
	next.Status = db.PositionStatusCancelled
	next.CloseTime = &now
	next.ExitReason = &reason

	if err := s.store.UpdatePosition(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to cancel order %s: %w", pos.ID, err)
	}

	delete(s.positions, pos.ID)

	log.Info().
		Str("order_id", next.ID.String()).
		Str("symbol", next.Symbol).
		Str("reason", reason).
		Msg("Pending order cancelled")

	return next, nil
}

// availableBalanceLocked is wallet plus unrealized PnL minus the margin held
// by the active book.
func (s *Simulator) availableBalanceLocked(ctx context.Context) float64 {
	available := s.balance
	for _, p := range s.positions {
		available -= p.Margin
		if p.Status == db.PositionStatusOpen {
			if price, ok := s.oracle.Price(ctx, p.Symbol); ok {
				available += p.UnrealizedPnL(price)
			}
		}
	}
	return available
}

// pendingLocked returns the symbol's pending orders, oldest first.
func (s *Simulator) pendingLocked(symbol string) []*db.Position {
	var orders []*db.Position
	for _, p := range s.positions {
		if p.Symbol == symbol && p.Status == db.PositionStatusPending {
			orders = append(orders, p)
		}
	}
	sortByOpenTime(orders)
	return orders
}

// openAllLocked returns the symbol's open positions, oldest first. Normal
// operation keeps at most one.
func (s *Simulator) openAllLocked(symbol string) []*db.Position {
	var open []*db.Position
	for _, p := range s.positions {
		if p.Symbol == symbol && p.Status == db.PositionStatusOpen {
			open = append(open, p)
		}
	}
	sortByOpenTime(open)
	return open
}

func (s *Simulator) openLocked(symbol string) *db.Position {
	open := s.openAllLocked(symbol)
	if len(open) == 0 {
		return nil
	}
	return open[0]
}

func (s *Simulator) openSameSideLocked(symbol string, side db.PositionSide) *db.Position {
	for _, p := range s.openAllLocked(symbol) {
		if p.Side == side {
			return p
		}
	}
	return nil
}

func (s *Simulator) sortedActiveLocked() []*db.Position {
	all := make([]*db.Position, 0, len(s.positions))
	for _, p := range s.positions {
		all = append(all, p)
	}
	sortByOpenTime(all)
	return all
}

func sortByOpenTime(positions []*db.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenTime.Equal(positions[j].OpenTime) {
			return positions[i].ID.String() < positions[j].ID.String()
		}
		return positions[i].OpenTime.Before(positions[j].OpenTime)
	})
}

func realizedPnL(pos *db.Position, exit float64) float64 {
	if pos.Side == db.PositionSideLong {
		return (exit - pos.EntryPrice) * pos.Quantity
	}
	return (pos.EntryPrice - exit) * pos.Quantity
}

// clonePosition deep-copies a position so snapshots handed out of the lock
// cannot race with the live book.
func clonePosition(p *db.Position) *db.Position {
	c := *p
	if p.CloseTime != nil {
		t := *p.CloseTime
		c.CloseTime = &t
	}
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		c.ExitPrice = &v
	}
	if p.RealizedPnL != nil {
		v := *p.RealizedPnL
		c.RealizedPnL = &v
	}
	if p.ExitReason != nil {
		v := *p.ExitReason
		c.ExitReason = &v
	}
	return &c
}
