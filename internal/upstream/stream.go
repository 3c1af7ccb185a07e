// Package upstream connects the engine to the exchange: one combined-streams
// WebSocket for live klines and a guarded REST loader for history.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/metrics"
)

const (
	readTimeout      = 90 * time.Second // kline streams tick every ~2s; silence means a dead peer
	initialBackoff   = time.Second
	maxReconnectWait = 30 * time.Second
)

// KlineHandler receives decoded candles for one symbol. Handlers must not
// block: they hand work to the per-symbol mailboxes.
type KlineHandler func(tf market.Timeframe, candle market.Candle, closed bool)

// HistorySource supplies closed candles for gap-fill after reconnects.
// *Loader implements it.
type HistorySource interface {
	Klines(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error)
}

type streamKey struct {
	symbol    string
	timeframe market.Timeframe
}

// StreamClient holds a single connection to the combined-streams endpoint
// and dispatches kline events to per-symbol handlers. It reconnects with
// exponential backoff and backfills missed closed candles through history.
type StreamClient struct {
	baseURL    string
	symbols    []string
	timeframes []market.Timeframe
	history    HistorySource

	connMu sync.Mutex
	conn   *websocket.Conn

	mu       sync.RWMutex
	handlers map[string]KlineHandler
	lastSeen map[streamKey]time.Time

	reconnects atomic.Int64
}

// NewStreamClient creates a client for the given symbols across all engine
// timeframes. history may be nil to disable gap-fill.
func NewStreamClient(baseURL string, symbols []string, history HistorySource) *StreamClient {
	return &StreamClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		symbols:    symbols,
		timeframes: market.AllTimeframes,
		history:    history,
		handlers:   make(map[string]KlineHandler),
		lastSeen:   make(map[streamKey]time.Time),
	}
}

// RegisterHandler sets the kline handler for a symbol. Events for symbols
// without a handler are dropped.
func (sc *StreamClient) RegisterHandler(symbol string, handler KlineHandler) {
	sc.mu.Lock()
	sc.handlers[symbol] = handler
	sc.mu.Unlock()
}

// Reconnects returns how many times the stream has reconnected.
func (sc *StreamClient) Reconnects() int64 {
	return sc.reconnects.Load()
}

// LastSeen returns the open time of the last closed candle dispatched for
// (symbol, tf).
func (sc *StreamClient) LastSeen(symbol string, tf market.Timeframe) (time.Time, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	ts, ok := sc.lastSeen[streamKey{symbol, tf}]
	return ts, ok
}

// streamURL builds the combined-streams endpoint, one kline stream per
// (symbol, timeframe).
func (sc *StreamClient) streamURL() string {
	streams := make([]string, 0, len(sc.symbols)*len(sc.timeframes))
	for _, symbol := range sc.symbols {
		for _, tf := range sc.timeframes {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), tf))
		}
	}
	return fmt.Sprintf("%s/stream?streams=%s", sc.baseURL, strings.Join(streams, "/"))
}

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (sc *StreamClient) Run(ctx context.Context) error {
	backoff := initialBackoff
	attempt := 0

	for {
		connected, err := sc.connectAndRead(ctx, attempt > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		if connected {
			backoff = initialBackoff
		}

		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Upstream stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// 1s, 2s, 4s, ..., capped at 30s
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close drops the live connection. Run will keep reconnecting unless its
// context is cancelled, so cancel first.
func (sc *StreamClient) Close() {
	sc.connMu.Lock()
	defer sc.connMu.Unlock()
	if sc.conn != nil {
		sc.conn.Close()
	}
}

// connectAndRead dials, optionally backfills, then reads until the
// connection drops. Returns whether the dial succeeded.
func (sc *StreamClient) connectAndRead(ctx context.Context, isReconnect bool) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, sc.streamURL(), nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	sc.connMu.Lock()
	sc.conn = conn
	sc.connMu.Unlock()
	defer func() {
		sc.connMu.Lock()
		conn.Close()
		sc.conn = nil
		sc.connMu.Unlock()
	}()

	log.Info().
		Int("streams", len(sc.symbols)*len(sc.timeframes)).
		Bool("reconnect", isReconnect).
		Msg("Upstream stream connected")

	if isReconnect {
		sc.reconnects.Add(1)
		metrics.UpstreamReconnects.Inc()
		sc.fillGaps(ctx)
	}

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		sc.dispatch(msg)
	}
}

// combinedFrame is the envelope on the combined-streams endpoint.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (sc *StreamClient) dispatch(data []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Debug().Err(err).Msg("Ignoring unparseable stream message")
		return
	}

	symbol, tf, ok := parseStreamName(frame.Stream)
	if !ok {
		log.Debug().Str("stream", frame.Stream).Msg("Ignoring unknown stream")
		return
	}

	var event binance.WsKlineEvent
	if err := json.Unmarshal(frame.Data, &event); err != nil {
		log.Error().Err(err).Str("stream", frame.Stream).Msg("Failed to decode kline event")
		metrics.RecordError("decode", "upstream")
		return
	}

	candle, err := parseCandle(event.Kline.StartTime, event.Kline.Open, event.Kline.High, event.Kline.Low, event.Kline.Close, event.Kline.Volume)
	if err != nil {
		log.Warn().Err(err).Str("stream", frame.Stream).Msg("Dropping malformed kline")
		return
	}

	sc.deliver(symbol, tf, candle, event.Kline.IsFinal)
}

// deliver hands a candle to the symbol's handler and advances the
// last-seen watermark for closed candles.
func (sc *StreamClient) deliver(symbol string, tf market.Timeframe, candle market.Candle, closed bool) {
	sc.mu.RLock()
	handler := sc.handlers[symbol]
	sc.mu.RUnlock()
	if handler == nil {
		return
	}

	handler(tf, candle, closed)

	if closed {
		key := streamKey{symbol, tf}
		sc.mu.Lock()
		if candle.Timestamp.After(sc.lastSeen[key]) {
			sc.lastSeen[key] = candle.Timestamp
		}
		sc.mu.Unlock()
	}
}

// fillGaps backfills closed candles missed between the last-seen watermark
// and now, per (symbol, timeframe), through the history source.
func (sc *StreamClient) fillGaps(ctx context.Context) {
	if sc.history == nil {
		return
	}

	sc.mu.RLock()
	watermarks := make(map[streamKey]time.Time, len(sc.lastSeen))
	for k, v := range sc.lastSeen {
		watermarks[k] = v
	}
	sc.mu.RUnlock()

	for key, last := range watermarks {
		from := last.Add(key.timeframe.Step())
		to := time.Now().UTC()
		if !from.Before(to) {
			continue
		}

		candles, err := sc.history.Klines(ctx, key.symbol, key.timeframe, from, to)
		if err != nil {
			log.Error().
				Err(err).
				Str("symbol", key.symbol).
				Str("timeframe", key.timeframe.String()).
				Msg("Gap fill failed")
			metrics.RecordError("gap_fill", "upstream")
			continue
		}
		if len(candles) == 0 {
			continue
		}

		metrics.UpstreamGapFills.Inc()
		log.Info().
			Str("symbol", key.symbol).
			Str("timeframe", key.timeframe.String()).
			Int("candles", len(candles)).
			Time("from", from).
			Msg("Backfilled gap after reconnect")

		for _, candle := range candles {
			sc.deliver(key.symbol, key.timeframe, candle, true)
		}
	}
}

func parseStreamName(stream string) (string, market.Timeframe, bool) {
	parts := strings.SplitN(stream, "@kline_", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	tf, err := market.ParseTimeframe(parts[1])
	if err != nil {
		return "", "", false
	}
	return strings.ToUpper(parts[0]), tf, true
}
