package signal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/config"
	"github.com/pulsetrader/pulsetrader/internal/db"
)

func gateSignal(symbol string, direction db.SignalDirection) *db.Signal {
	return &db.Signal{
		ID:        uuid.New(),
		Symbol:    symbol,
		Direction: direction,
		Price:     100,
	}
}

// newTestGate wires a gate to a controllable clock; advance moves it.
func newTestGate(min, maxWaitSeconds int) (*Gate, func(time.Duration)) {
	g := NewGate(config.GateConfig{MinConfirmations: min, MaxWaitSeconds: maxWaitSeconds})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, func(d time.Duration) { now = now.Add(d) }
}

func TestGateReleasesOnConfirmation(t *testing.T) {
	g, advance := newTestGate(2, 180)

	first := gateSignal("BTCUSDT", db.SignalDirectionBuy)
	assert.Nil(t, g.Process(first))

	pending := g.Pending()
	require.Contains(t, pending, "BTCUSDT")
	assert.Equal(t, db.SignalDirectionBuy, pending["BTCUSDT"].Direction)
	assert.Equal(t, 1, pending["BTCUSDT"].Count)

	advance(30 * time.Second)
	second := gateSignal("BTCUSDT", db.SignalDirectionBuy)
	released := g.Process(second)
	require.NotNil(t, released)

	// The release carries the freshest entry plan, not the first sighting.
	assert.Equal(t, second.ID, released.ID)
	assert.Empty(t, g.Pending())
}

func TestGateSuppressesAlternatingWhipsaw(t *testing.T) {
	g, advance := newTestGate(2, 180)

	// BUY, SELL, BUY, SELL at 30 s spacing: every reversal restarts the
	// count, so nothing ever confirms.
	sequence := []db.SignalDirection{
		db.SignalDirectionBuy,
		db.SignalDirectionSell,
		db.SignalDirectionBuy,
		db.SignalDirectionSell,
	}
	for i, direction := range sequence {
		released := g.Process(gateSignal("BTCUSDT", direction))
		assert.Nil(t, released, "step %d released a whipsaw signal", i)
		advance(30 * time.Second)
	}

	pending := g.Pending()
	require.Contains(t, pending, "BTCUSDT")
	assert.Equal(t, db.SignalDirectionSell, pending["BTCUSDT"].Direction)
	assert.Equal(t, 1, pending["BTCUSDT"].Count)
}

func TestGateWindowExpiryRestartsCount(t *testing.T) {
	g, advance := newTestGate(2, 180)

	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionBuy)))

	// Past the window the stale entry is discarded: this BUY is a fresh
	// first sighting, not a confirmation.
	advance(181 * time.Second)
	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionBuy)))
	assert.Equal(t, 1, g.Pending()["BTCUSDT"].Count)

	// Inside the new window the next one confirms.
	advance(30 * time.Second)
	assert.NotNil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionBuy)))
}

func TestGateRequiresNConsecutive(t *testing.T) {
	g, advance := newTestGate(3, 180)

	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionSell)))
	advance(20 * time.Second)
	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionSell)))
	advance(20 * time.Second)

	released := g.Process(gateSignal("BTCUSDT", db.SignalDirectionSell))
	require.NotNil(t, released)
	assert.Equal(t, db.SignalDirectionSell, released.Direction)

	// Exactly one release: the state is consumed.
	advance(20 * time.Second)
	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionSell)))
}

func TestGateTracksSymbolsIndependently(t *testing.T) {
	g, advance := newTestGate(2, 180)

	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionBuy)))
	advance(10 * time.Second)
	assert.Nil(t, g.Process(gateSignal("ETHUSDT", db.SignalDirectionBuy)))
	advance(10 * time.Second)

	released := g.Process(gateSignal("BTCUSDT", db.SignalDirectionBuy))
	require.NotNil(t, released)
	assert.Equal(t, "BTCUSDT", released.Symbol)

	// ETH still waits on its own counter.
	pending := g.Pending()
	assert.NotContains(t, pending, "BTCUSDT")
	require.Contains(t, pending, "ETHUSDT")
	assert.Equal(t, 1, pending["ETHUSDT"].Count)
}

func TestGateIgnoresNeutralAndNil(t *testing.T) {
	g, _ := newTestGate(2, 180)

	assert.Nil(t, g.Process(nil))
	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionNeutral)))
	assert.Empty(t, g.Pending())

	// NEUTRAL between two BUYs does not break the streak.
	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionBuy)))
	assert.Nil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionNeutral)))
	assert.NotNil(t, g.Process(gateSignal("BTCUSDT", db.SignalDirectionBuy)))
}
