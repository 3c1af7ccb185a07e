package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// Label values outside these sets are normalized before recording so the
// registry never grows with free-form strings.
const (
	// Exit reason categories (bounded set)
	ExitReasonStopLoss    = "stop_loss"
	ExitReasonTakeProfit  = "take_profit"
	ExitReasonLiquidation = "liquidation"
	ExitReasonReversal    = "signal_reversal"
	ExitReasonManual      = "manual"
	ExitReasonExpired     = "ttl_expired"
	ExitReasonOverride    = "new_signal_override"
	ExitReasonMerged      = "merged"
	ExitReasonOther       = "other"

	// Signal direction categories (bounded set)
	DirectionBuy     = "buy"
	DirectionSell    = "sell"
	DirectionNeutral = "neutral"
)

// NormalizeExitReason maps arbitrary close reasons to the bounded label set.
func NormalizeExitReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP_LOSS":
		return ExitReasonStopLoss
	case "TAKE_PROFIT":
		return ExitReasonTakeProfit
	case "LIQUIDATION":
		return ExitReasonLiquidation
	case "SIGNAL_REVERSAL":
		return ExitReasonReversal
	case "MANUAL":
		return ExitReasonManual
	case "TTL_EXPIRED":
		return ExitReasonExpired
	case "NEW_SIGNAL_OVERRIDE":
		return ExitReasonOverride
	case "MERGED":
		return ExitReasonMerged
	default:
		return ExitReasonOther
	}
}

// NormalizeDirection maps signal directions to the bounded label set.
func NormalizeDirection(direction string) string {
	switch strings.ToUpper(direction) {
	case "BUY":
		return DirectionBuy
	case "SELL":
		return DirectionSell
	case "NEUTRAL":
		return DirectionNeutral
	default:
		return DirectionNeutral
	}
}

// Pipeline metrics
var (
	CandlesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetrader_candles_processed_total",
		Help: "Total candles processed per symbol and timeframe",
	}, []string{"symbol", "timeframe"})

	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetrader_signals_generated_total",
		Help: "Total non-neutral signals produced by the generator",
	}, []string{"symbol", "direction"})

	SignalsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_signals_released_total",
		Help: "Total signals released by the confirmation gate",
	})

	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetrader_positions_opened_total",
		Help: "Total paper positions filled per symbol",
	}, []string{"symbol"})

	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetrader_positions_closed_total",
		Help: "Total paper positions closed per symbol and exit reason",
	}, []string{"symbol", "reason"})

	MailboxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetrader_mailbox_dropped_total",
		Help: "Total candle updates dropped because a symbol mailbox was full",
	}, []string{"symbol"})
)

// Account metrics
var (
	AccountBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetrader_account_balance",
		Help: "Current paper wallet balance in quote currency",
	})

	AccountEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetrader_account_equity",
		Help: "Balance plus unrealized PnL across open positions",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetrader_open_positions",
		Help: "Number of currently open paper positions",
	})

	UnrealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsetrader_unrealized_pnl",
		Help: "Unrealized PnL per symbol marked against the price oracle",
	}, []string{"symbol"})
)

// Event bus metrics
var (
	BusEventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_bus_events_published_total",
		Help: "Total events published to the broadcast bus",
	})

	BusEventsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_bus_events_consumed_total",
		Help: "Total events consumed by the broadcast worker",
	})

	BusEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_bus_events_dropped_total",
		Help: "Total events dropped because the broadcast queue was full",
	})

	BusQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsetrader_bus_queue_size",
		Help: "Current depth of the broadcast worker queue",
	})
)

// WebSocket fan-out metrics
var (
	WSClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulsetrader_ws_clients",
		Help: "Connected WebSocket clients per symbol",
	}, []string{"symbol"})

	WSMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_ws_messages_sent_total",
		Help: "Total frames delivered to WebSocket clients",
	})

	WSSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_ws_send_failures_total",
		Help: "Total WebSocket sends that failed and evicted the client",
	})
)

// Upstream metrics
var (
	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_upstream_reconnects_total",
		Help: "Total reconnects of the upstream market data stream",
	})

	UpstreamGapFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_upstream_gap_fills_total",
		Help: "Total gap-fill backfills performed after reconnect",
	})

	RESTFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsetrader_rest_fetch_duration_seconds",
		Help:    "Duration of upstream REST kline fetches",
		Buckets: prometheus.DefBuckets,
	})
)

// HTTP and error metrics
var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetrader_http_requests_total",
		Help: "Total HTTP requests by method, path and status code",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pulsetrader_http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "path"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsetrader_errors_total",
		Help: "Total errors by type and component",
	}, []string{"type", "component"})

	PriceCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_price_cache_hits_total",
		Help: "Total price oracle reads served from the Redis cache",
	})

	PriceCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsetrader_price_cache_misses_total",
		Help: "Total price oracle cache reads that missed",
	})
)

// RecordCandle increments the candle counter for a symbol and timeframe.
func RecordCandle(symbol, timeframe string) {
	CandlesProcessed.WithLabelValues(symbol, timeframe).Inc()
}

// RecordSignal increments the signal counter with a normalized direction.
func RecordSignal(symbol, direction string) {
	SignalsGenerated.WithLabelValues(symbol, NormalizeDirection(direction)).Inc()
}

// RecordPositionOpened increments the fill counter for a symbol.
func RecordPositionOpened(symbol string) {
	PositionsOpened.WithLabelValues(symbol).Inc()
}

// RecordPositionClosed increments the close counter with a normalized reason.
func RecordPositionClosed(symbol, reason string) {
	PositionsClosed.WithLabelValues(symbol, NormalizeExitReason(reason)).Inc()
}

// UpdateAccount sets the account gauges from a portfolio snapshot.
func UpdateAccount(balance, equity float64, openPositions int) {
	AccountBalance.Set(balance)
	AccountEquity.Set(equity)
	OpenPositions.Set(float64(openPositions))
}

// UpdateUnrealizedPnL sets the per-symbol unrealized PnL gauge.
func UpdateUnrealizedPnL(symbol string, pnl float64) {
	UnrealizedPnL.WithLabelValues(symbol).Set(pnl)
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path, statusCode string, durationMs float64) {
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationMs)
}

// RecordError increments the error counter for a component.
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}
