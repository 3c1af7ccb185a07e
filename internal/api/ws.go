package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/market"
	"github.com/pulsetrader/pulsetrader/internal/ws"
)

// handleStream upgrades the request and hands the connection to the fan-out
// manager. Pumps, ping handling and the snapshot push all run inside the
// manager; the handler's only job is symbol normalization.
func (s *Server) handleStream(c *gin.Context) {
	if s.ws == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket not available"})
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol path parameter required"})
		return
	}

	if _, err := s.ws.Connect(c.Writer, c.Request, symbol); err != nil {
		// The upgrader already wrote the HTTP error response.
		log.Warn().Err(err).Str("symbol", symbol).Msg("WebSocket upgrade failed")
	}
}

// snapshotData is the payload of the initial frame pushed to a new
// subscriber: current indicator values plus, when known, the forming candle
// and the symbol's most recent signal.
type snapshotData struct {
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Candle     *market.Candle     `json:"candle,omitempty"`
	Signal     *db.Signal         `json:"signal,omitempty"`
}

type snapshotFrame struct {
	Type      string       `json:"type"`
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Data      snapshotData `json:"data"`
}

const snapshotTimeout = 2 * time.Second

// Snapshot builds the ws.SnapshotFunc wired into the fan-out manager. It
// runs on every subscribe and symbol switch, detached from any request
// context, so the signal lookup is bounded by its own timeout. A symbol the
// engine doesn't track still gets a frame, just an empty one.
func Snapshot(eng Engine, signals SignalStore) ws.SnapshotFunc {
	return func(symbol string) []byte {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()

		var data snapshotData
		if eng != nil {
			if snap := eng.Snapshot(symbol); snap != nil {
				data.Indicators = snap.Map()
				candle := snap.Candle
				data.Candle = &candle
			}
		}
		if signals != nil {
			filter := db.SignalHistoryFilter{Symbol: &symbol, Page: 1, Limit: 1}
			if latest, _, err := signals.History(ctx, filter); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("Snapshot signal lookup failed")
			} else if len(latest) > 0 {
				data.Signal = latest[0]
			}
		}

		frame, err := json.Marshal(snapshotFrame{
			Type:      "snapshot",
			Symbol:    symbol,
			Timestamp: time.Now().UTC(),
			Data:      data,
		})
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to marshal snapshot frame")
			return nil
		}
		return frame
	}
}
