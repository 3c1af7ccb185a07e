// End-to-end pipeline tests: real engine, real simulator and a real NATS
// bus (embedded server), with in-memory persistence. Exercises the path a
// kline takes from the upstream handler to the WebSocket frame.
package e2e

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsetrader/pulsetrader/internal/bus"
	"github.com/pulsetrader/pulsetrader/internal/engine"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
	"github.com/pulsetrader/pulsetrader/internal/ws"
)

// frameRecorder collects broadcast frames the way cmd/engine wires the bus
// into the WebSocket manager.
type frameRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
	frames [][]byte
}

func (r *frameRecorder) handle(wsm *ws.Manager) bus.Handler {
	return func(evt *bus.Event) {
		frame, err := evt.MarshalFrame()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.frames = append(r.frames, frame)
		r.mu.Unlock()
		wsm.Broadcast(evt.Symbol, frame)
	}
}

func (r *frameRecorder) eventsByType(t bus.EventType) []*bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bus.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func (r *frameRecorder) frameAt(i int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.frames) {
		return nil
	}
	return r.frames[i]
}

type pipeline struct {
	bus       *bus.Bus
	eng       *engine.Engine
	wsManager *ws.Manager
	store     *memEngineStore
	lifecycle *memLifecycle
	history   *memHistory
	oracle    *market.PriceOracle
	recorder  *frameRecorder
}

func startPipeline(t *testing.T, symbols ...string) (*pipeline, func()) {
	t.Helper()

	cfg := pipelineConfig(symbols...)

	eventBus, err := bus.New(cfg.NATS)
	require.NoError(t, err)

	store := newMemEngineStore()
	lifecycle := newMemLifecycle()
	history := newMemHistory()
	oracle := market.NewPriceOracle(nil)
	sim := simulator.New(cfg.Simulator, cfg.Trading, newMemSimStore(), oracle)

	eng := engine.New(cfg, engine.Deps{
		Store:     store,
		Publisher: eventBus,
		Simulator: sim,
		Lifecycle: lifecycle,
		History:   history,
		Oracle:    oracle,
	})

	wsManager := ws.NewManager(nil)
	recorder := &frameRecorder{}

	ctx := context.Background()
	require.NoError(t, eventBus.Start(ctx, recorder.handle(wsManager)))
	require.NoError(t, eng.Start(ctx))

	p := &pipeline{
		bus:       eventBus,
		eng:       eng,
		wsManager: wsManager,
		store:     store,
		lifecycle: lifecycle,
		history:   history,
		oracle:    oracle,
		recorder:  recorder,
	}

	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
		eventBus.Close()
		wsManager.CloseAll()
	}
	return p, cleanup
}

func TestPipeline_ClosedCandleReachesBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	p, cleanup := startPipeline(t, "BTCUSDT")
	defer cleanup()

	handler := p.eng.Handler("BTCUSDT")
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		handler(market.Timeframe1m, candleAt(base.Add(time.Duration(i)*time.Minute), 100+float64(i)), true)
	}

	// The candle crosses a mailbox, the pipeline worker, NATS and the
	// broadcast worker before the recorder sees it.
	require.Eventually(t, func() bool {
		return len(p.recorder.eventsByType(bus.EventCandle1m)) >= 5
	}, 5*time.Second, 20*time.Millisecond, "candle events never reached the broadcast handler")

	events := p.recorder.eventsByType(bus.EventCandle1m)
	assert.Equal(t, "BTCUSDT", events[0].Symbol)

	// Frames carry the lowercase client type.
	var frame struct {
		Type   string          `json:"type"`
		Symbol string          `json:"symbol"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(p.recorder.frameAt(0), &frame))
	assert.Equal(t, "candle", frame.Type)
	assert.Equal(t, "BTCUSDT", frame.Symbol)
	assert.NotEmpty(t, frame.Data)

	// Closed bars are persisted and the oracle tracks the last close.
	require.Eventually(t, func() bool {
		return p.store.candleCount("BTCUSDT", "1m") >= 5
	}, 5*time.Second, 20*time.Millisecond)

	price, ok := p.oracle.Price(context.Background(), "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 104.0, price)

	assert.Equal(t, int64(0), p.eng.Dropped())
}

func TestPipeline_FormingCandlesAreBroadcastNotPersisted(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	p, cleanup := startPipeline(t, "BTCUSDT")
	defer cleanup()

	handler := p.eng.Handler("BTCUSDT")
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	handler(market.Timeframe1m, candleAt(ts, 100), false)
	handler(market.Timeframe1m, candleAt(ts, 100.5), false)

	require.Eventually(t, func() bool {
		return len(p.recorder.eventsByType(bus.EventCandle1m)) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	// Forming bars never hit storage.
	assert.Equal(t, 0, p.store.candleCount("BTCUSDT", "1m"))
}

func TestPipeline_MultiTimeframeRouting(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	p, cleanup := startPipeline(t, "BTCUSDT")
	defer cleanup()

	handler := p.eng.Handler("BTCUSDT")
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	handler(market.Timeframe1m, candleAt(ts, 100), true)
	handler(market.Timeframe15m, candleAt(ts, 100), true)
	handler(market.Timeframe1h, candleAt(ts, 100), true)

	require.Eventually(t, func() bool {
		return len(p.recorder.eventsByType(bus.EventCandle1m)) >= 1 &&
			len(p.recorder.eventsByType(bus.EventCandle15m)) >= 1 &&
			len(p.recorder.eventsByType(bus.EventCandle1h)) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.store.candleCount("BTCUSDT", "15m") == 1 &&
			p.store.candleCount("BTCUSDT", "1h") == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPipeline_WarmUpFromHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	cfg := pipelineConfig("ETHUSDT")

	eventBus, err := bus.New(cfg.NATS)
	require.NoError(t, err)
	defer eventBus.Close()

	store := newMemEngineStore()
	history := newMemHistory()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	history.recent["ETHUSDT/1m"] = []market.Candle{
		candleAt(base, 3000),
		candleAt(base.Add(time.Minute), 3001),
		candleAt(base.Add(2*time.Minute), 3002),
	}

	oracle := market.NewPriceOracle(nil)
	sim := simulator.New(cfg.Simulator, cfg.Trading, newMemSimStore(), oracle)
	eng := engine.New(cfg, engine.Deps{
		Store:     store,
		Publisher: eventBus,
		Simulator: sim,
		Lifecycle: newMemLifecycle(),
		History:   history,
		Oracle:    oracle,
	})

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
	}()

	series := eng.Series("ETHUSDT", market.Timeframe1m)
	require.NotNil(t, series)
	assert.Equal(t, 3, series.Len())

	price, ok := oracle.Price(ctx, "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 3002.0, price)
}

func TestPipeline_GracefulShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	p, cleanup := startPipeline(t, "BTCUSDT")

	handler := p.eng.Handler("BTCUSDT")
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	handler(market.Timeframe1m, candleAt(ts, 100), true)

	require.Eventually(t, func() bool {
		return p.store.candleCount("BTCUSDT", "1m") == 1
	}, 5*time.Second, 20*time.Millisecond)

	cleanup()

	// Updates after shutdown are dropped, not queued.
	handler(market.Timeframe1m, candleAt(ts.Add(time.Minute), 101), true)
	assert.Equal(t, 1, p.store.candleCount("BTCUSDT", "1m"))

	// Publishing on a closed bus fails cleanly.
	evt, err := bus.NewEvent(bus.EventStatus, "", nil)
	require.NoError(t, err)
	assert.Error(t, p.bus.Publish(context.Background(), evt))

	// Close is idempotent.
	p.bus.Close()
}

func TestPipeline_StateRecoveryAcrossRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	cfg := pipelineConfig("BTCUSDT", "ETHUSDT")

	eventBus, err := bus.New(cfg.NATS)
	require.NoError(t, err)
	defer eventBus.Close()

	store := newMemEngineStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertTradingState(ctx, "BTCUSDT", engine.StateHalted))

	oracle := market.NewPriceOracle(nil)
	sim := simulator.New(cfg.Simulator, cfg.Trading, newMemSimStore(), oracle)
	eng := engine.New(cfg, engine.Deps{
		Store:     store,
		Publisher: eventBus,
		Simulator: sim,
		Lifecycle: newMemLifecycle(),
		History:   newMemHistory(),
		Oracle:    oracle,
	})

	require.NoError(t, eng.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
	}()

	states := eng.States()
	assert.Equal(t, engine.StateHalted, states["BTCUSDT"])
	assert.Equal(t, engine.StateScanning, states["ETHUSDT"])
}
