package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/db"
	"github.com/pulsetrader/pulsetrader/internal/simulator"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func parsePagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

func totalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// handleTradeHistory returns one page of closed trades, newest close first.
func (s *Server) handleTradeHistory(c *gin.Context) {
	page, limit := parsePagination(c)
	filter := db.TradeHistoryFilter{Page: page, Limit: limit}

	if symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol"))); symbol != "" {
		filter.Symbol = &symbol
	}
	if side := c.Query("side"); side != "" {
		ps := db.ConvertPositionSide(side)
		if ps == db.PositionSideFlat {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid side: %q", side)})
			return
		}
		filter.Side = &ps
	}
	if pnl := strings.ToLower(c.Query("pnl_filter")); pnl != "" {
		if pnl != "win" && pnl != "loss" {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid pnl filter: %q", pnl)})
			return
		}
		filter.PnLFilter = &pnl
	}

	trades, total, err := s.sim.TradeHistory(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list trade history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve trade history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades":      trades,
		"total":       total,
		"page":        page,
		"limit":       limit,
		"total_pages": totalPages(total, limit),
	})
}

// handleTradePerformance aggregates closed trades over a lookback window
// into the stats the dashboard renders.
func (s *Server) handleTradePerformance(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	trades, _, err := s.sim.TradeHistory(c.Request.Context(), db.TradeHistoryFilter{ClosedAfter: &since})
	if err != nil {
		log.Error().Err(err).Msg("Failed to load trades for performance report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute performance"})
		return
	}

	report := buildPerformanceReport(trades, days)
	balance := s.sim.Balance()
	initial := s.sim.InitialBalance()
	report["balance"] = balance
	report["initial_balance"] = initial
	if initial > 0 {
		report["return_pct"] = (balance - initial) / initial * 100
	}

	c.JSON(http.StatusOK, report)
}

// buildPerformanceReport computes win rate, pnl aggregates and exit-reason
// breakdown. Ratio fields are omitted when undefined (no wins, no losses)
// instead of forced to zero or infinity.
func buildPerformanceReport(trades []*db.Position, days int) gin.H {
	report := gin.H{
		"days":         days,
		"total_trades": len(trades),
	}
	if len(trades) == 0 {
		report["win_rate"] = 0.0
		report["total_pnl"] = 0.0
		return report
	}

	var (
		wins, losses        int
		grossWin, grossLoss float64
		totalPnL            float64
		holding             time.Duration
	)
	best := math.Inf(-1)
	worst := math.Inf(1)
	exitReasons := make(map[string]int)

	for _, p := range trades {
		var pnl float64
		if p.RealizedPnL != nil {
			pnl = *p.RealizedPnL
		}
		totalPnL += pnl
		if pnl > 0 {
			wins++
			grossWin += pnl
		} else {
			losses++
			grossLoss += -pnl
		}
		if pnl > best {
			best = pnl
		}
		if pnl < worst {
			worst = pnl
		}
		if p.CloseTime != nil {
			holding += p.CloseTime.Sub(p.OpenTime)
		}
		if p.ExitReason != nil {
			exitReasons[*p.ExitReason]++
		}
	}

	report["wins"] = wins
	report["losses"] = losses
	report["win_rate"] = float64(wins) / float64(len(trades)) * 100
	report["total_pnl"] = totalPnL
	report["expectancy"] = totalPnL / float64(len(trades))
	report["best_trade"] = best
	report["worst_trade"] = worst
	report["avg_holding_minutes"] = holding.Minutes() / float64(len(trades))
	report["exit_reasons"] = exitReasons

	if wins > 0 {
		report["avg_win"] = grossWin / float64(wins)
	}
	if losses > 0 {
		report["avg_loss"] = -grossLoss / float64(losses)
	}
	if grossLoss > 0 {
		report["profit_factor"] = grossWin / grossLoss
	}

	return report
}

func (s *Server) handlePortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.sim.Portfolio(c.Request.Context()))
}

// handleClosePosition force-exits one position at the oracle price. The
// engine state is re-derived afterwards because the close bypasses the tick
// path.
func (s *Server) handleClosePosition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid position ID format"})
		return
	}

	position, err := s.sim.ClosePosition(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, simulator.ErrPositionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, simulator.ErrPositionNotActive), errors.Is(err, simulator.ErrNoPrice):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Str("position_id", id.String()).Msg("Failed to close position")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to close position"})
		}
		return
	}

	if s.engine != nil {
		s.engine.SyncAll(c.Request.Context())
	}

	c.JSON(http.StatusOK, position)
}

// handleResetAccount wipes the paper book and restores the initial balance.
func (s *Server) handleResetAccount(c *gin.Context) {
	if err := s.sim.Reset(c.Request.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to reset paper account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset account"})
		return
	}

	if s.engine != nil {
		s.engine.SyncAll(c.Request.Context())
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "reset",
		"balance": s.sim.Balance(),
	})
}
