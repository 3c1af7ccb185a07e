package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/indicators"
	"github.com/pulsetrader/pulsetrader/internal/market"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 1000
)

// handleMarketHistory returns candles with indicator columns. Persisted
// candles are served when local coverage reaches the configured share of the
// requested limit; otherwise the upstream REST loader fills in and the
// indicator columns are computed on the fly.
func (s *Server) handleMarketHistory(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter required"})
		return
	}

	tf, err := market.ParseTimeframe(c.DefaultQuery("timeframe", string(market.Timeframe1m)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	candles, source, err := s.loadHistory(c.Request.Context(), symbol, tf, limit)
	if err != nil {
		log.Error().Err(err).
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Msg("Failed to load market history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load market history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": tf,
		"source":    source,
		"count":     len(candles),
		"candles":   candles,
	})
}

func (s *Server) loadHistory(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]*db.Candle, string, error) {
	if s.candles != nil {
		count, err := s.candles.CountCandles(ctx, symbol, string(tf), limit)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("symbol", symbol).Msg("Local candle count failed, trying upstream")
		case float64(count) >= s.cfg.HistoryLocalCoverage*float64(limit):
			candles, err := s.candles.GetRecentCandles(ctx, symbol, string(tf), limit)
			if err != nil {
				return nil, "", err
			}
			return candles, "local", nil
		}
	}

	if s.history == nil {
		return nil, "", fmt.Errorf("insufficient local history for %s %s and no upstream loader", symbol, tf)
	}

	raw, err := s.history.Recent(ctx, symbol, tf, limit)
	if err != nil {
		return nil, "", err
	}
	points := indicators.ComputeHistory(raw)
	candles := make([]*db.Candle, len(points))
	for i := range points {
		candles[i] = historyPointCandle(&points[i])
	}
	return candles, "upstream", nil
}

// historyPointCandle maps a computed history point onto the persisted candle
// shape so both sources serialize identically.
func historyPointCandle(p *indicators.HistoryPoint) *db.Candle {
	return &db.Candle{
		Timestamp: p.Timestamp,
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
		Volume:    p.Volume,
		EMA7:      p.EMA7,
		EMA25:     p.EMA25,
		EMA99:     p.EMA99,
		RSI6:      p.RSI6,
		RSI14:     p.RSI14,
		BBUpper:   p.BBUpper,
		BBLower:   p.BBLower,
		VWAP:      p.VWAP,
	}
}

// handleMarketSymbols lists the active symbol universe from Settings. The
// first entry is the UI default.
func (s *Server) handleMarketSymbols(c *gin.Context) {
	symbols := s.sim.Settings().Symbols()

	resp := gin.H{
		"symbols": symbols,
		"count":   len(symbols),
	}
	if len(symbols) > 0 {
		resp["default"] = symbols[0]
	}
	c.JSON(http.StatusOK, resp)
}
