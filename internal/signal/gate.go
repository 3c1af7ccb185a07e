package signal

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
)

// PendingConfirmation is the observable state of one symbol waiting in the
// gate.
type PendingConfirmation struct {
	Symbol    string             `json:"symbol"`
	Direction db.SignalDirection `json:"direction"`
	Count     int                `json:"count"`
	FirstSeen time.Time          `json:"first_seen"`
}

type gateEntry struct {
	signal    *db.Signal
	count     int
	firstSeen time.Time
}

// Gate suppresses one-bar whipsaws by requiring the same direction on
// consecutive evaluations before a signal is released. State is keyed per
// symbol and bounded by a wait window; a pending entry older than the window
// is discarded and replaced by the incoming signal.
type Gate struct {
	mu      sync.Mutex
	cfg     config.GateConfig
	pending map[string]*gateEntry
	now     func() time.Time
}

// NewGate creates a confirmation gate.
func NewGate(cfg config.GateConfig) *Gate {
	return &Gate{
		cfg:     cfg,
		pending: make(map[string]*gateEntry),
		now:     time.Now,
	}
}

// NewGateWithClock creates a gate that reads time from the given source.
// Replay drivers inject the bar clock so the confirmation window follows
// simulated time instead of the wall.
func NewGateWithClock(cfg config.GateConfig, now func() time.Time) *Gate {
	g := NewGate(cfg)
	if now != nil {
		g.now = now
	}
	return g
}

// Process feeds one non-NEUTRAL signal through the gate and returns the
// released signal when it has been confirmed, nil otherwise. The released
// signal is the latest one seen, carrying the freshest entry plan.
func (g *Gate) Process(sig *db.Signal) *db.Signal {
	if sig == nil || sig.Direction == db.SignalDirectionNeutral {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entry, ok := g.pending[sig.Symbol]

	// A pending entry past the wait window no longer counts as confirmation
	// context; the incoming signal starts over.
	if ok && now.Sub(entry.firstSeen) > g.cfg.MaxWait() {
		log.Debug().
			Str("symbol", sig.Symbol).
			Str("stale_direction", string(entry.signal.Direction)).
			Msg("Confirmation window expired, restarting")
		ok = false
	}

	if !ok {
		g.pending[sig.Symbol] = &gateEntry{signal: sig, count: 1, firstSeen: now}
		return nil
	}

	if entry.signal.Direction == sig.Direction {
		entry.count++
		entry.signal = sig
		if entry.count >= g.cfg.MinConfirmations {
			delete(g.pending, sig.Symbol)
			log.Info().
				Str("symbol", sig.Symbol).
				Str("direction", string(sig.Direction)).
				Int("confirmations", entry.count).
				Msg("Signal confirmed")
			return sig
		}
		return nil
	}

	// Opposite direction: the reversal becomes the new pending entry.
	g.pending[sig.Symbol] = &gateEntry{signal: sig, count: 1, firstSeen: now}
	return nil
}

// Pending returns a snapshot of the per-symbol confirmation state.
func (g *Gate) Pending() map[string]PendingConfirmation {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]PendingConfirmation, len(g.pending))
	for symbol, entry := range g.pending {
		out[symbol] = PendingConfirmation{
			Symbol:    symbol,
			Direction: entry.signal.Direction,
			Count:     entry.count,
			FirstSeen: entry.firstSeen,
		}
	}
	return out
}
