package api

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/db"
)

const maxSignalHistoryDays = 90

// signalHistoryFilter parses the shared query filters of /signals/history
// and /signals/export. The lookback window is capped at 90 days.
func signalHistoryFilter(c *gin.Context) (db.SignalHistoryFilter, error) {
	var filter db.SignalHistoryFilter

	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 {
		return filter, fmt.Errorf("days must be a positive integer")
	}
	if days > maxSignalHistoryDays {
		days = maxSignalHistoryDays
	}
	from := time.Now().UTC().AddDate(0, 0, -days)
	filter.From = &from

	if symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol"))); symbol != "" {
		filter.Symbol = &symbol
	}
	if raw := strings.ToUpper(c.Query("signal_type")); raw != "" {
		direction := db.SignalDirection(raw)
		switch direction {
		case db.SignalDirectionBuy, db.SignalDirectionSell:
			filter.Direction = &direction
		default:
			return filter, fmt.Errorf("invalid signal_type: %q", raw)
		}
	}
	if raw := strings.ToUpper(c.Query("status")); raw != "" {
		status := db.SignalStatus(raw)
		switch status {
		case db.SignalStatusGenerated, db.SignalStatusPending, db.SignalStatusExecuted, db.SignalStatusExpired:
			filter.Status = &status
		default:
			return filter, fmt.Errorf("invalid status: %q", raw)
		}
	}
	if raw := c.Query("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid min_confidence: %q", raw)
		}
		filter.MinConfidence = &v
	}

	return filter, nil
}

func (s *Server) handleSignalHistory(c *gin.Context) {
	filter, err := signalHistoryFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter.Page, filter.Limit = parsePagination(c)

	signals, total, err := s.signals.History(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list signal history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve signal history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signals":     signals,
		"total":       total,
		"page":        filter.Page,
		"limit":       filter.Limit,
		"total_pages": totalPages(total, filter.Limit),
	})
}

// handlePendingSignals lists the signals still open to execution, GENERATED
// and PENDING.
func (s *Server) handlePendingSignals(c *gin.Context) {
	signals, err := s.signals.Actionable(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list actionable signals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve pending signals"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"total":   len(signals),
	})
}

func (s *Server) handleGetSignal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal ID format"})
		return
	}

	sig, err := s.signals.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("signal_id", id.String()).Msg("Failed to load signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signal"})
		return
	}

	c.JSON(http.StatusOK, sig)
}

func (s *Server) handleSignalByOrder(c *gin.Context) {
	orderID := c.Param("order_id")

	sig, err := s.signals.GetByOrderID(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("Failed to load signal by order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signal"})
		return
	}

	c.JSON(http.StatusOK, sig)
}

// handleExecuteSignal releases an actionable signal to the paper book.
// Business rejections come back as 409 with the rejection reason; an
// accepted signal returns the resting order plus whatever the release
// displaced (cancelled orders, a reversal close).
func (s *Server) handleExecuteSignal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal ID format"})
		return
	}

	ctx := c.Request.Context()
	sig, err := s.signals.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("signal_id", id.String()).Msg("Failed to load signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signal"})
		return
	}
	if !sig.Status.Actionable() {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("signal %s is %s, not actionable", id, sig.Status),
		})
		return
	}

	result, err := s.sim.OnSignal(ctx, sig)
	if err != nil {
		log.Error().Err(err).Str("signal_id", id.String()).Msg("Failed to execute signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to execute signal"})
		return
	}
	if !result.Accepted() {
		c.JSON(http.StatusConflict, gin.H{
			"error":     "signal rejected",
			"rejection": result.Rejection,
		})
		return
	}

	s.signals.TrackOrder(sig.ID, result.Pending.ID)
	if err := s.signals.MarkPending(ctx, sig.ID); err != nil {
		log.Error().Err(err).Str("signal_id", sig.ID.String()).Msg("Failed to mark signal pending")
	}
	if s.engine != nil {
		s.engine.SyncAll(ctx)
	}

	resp := gin.H{"order": result.Pending}
	if len(result.Cancelled) > 0 {
		resp["cancelled"] = result.Cancelled
	}
	if result.Closed != nil {
		resp["closed"] = result.Closed
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMarkSignalPending(c *gin.Context) {
	s.transitionSignal(c, db.SignalStatusPending, s.signals.MarkPending)
}

func (s *Server) handleExpireSignal(c *gin.Context) {
	s.transitionSignal(c, db.SignalStatusExpired, s.signals.MarkExpired)
}

// transitionSignal applies a lifecycle transition that is only legal from an
// actionable status. Missing signals are 404, terminal ones 409.
func (s *Server) transitionSignal(c *gin.Context, target db.SignalStatus, apply func(ctx context.Context, id uuid.UUID) error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal ID format"})
		return
	}

	ctx := c.Request.Context()
	sig, err := s.signals.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("signal_id", id.String()).Msg("Failed to load signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signal"})
		return
	}
	if !sig.Status.Actionable() {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("signal %s is %s, not actionable", id, sig.Status),
		})
		return
	}

	if err := apply(ctx, id); err != nil {
		log.Error().Err(err).
			Str("signal_id", id.String()).
			Str("target", string(target)).
			Msg("Failed to transition signal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update signal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"status": target,
	})
}

// handleExpireStaleSignals sweeps actionable signals older than the TTL.
func (s *Server) handleExpireStaleSignals(c *gin.Context) {
	ttl := s.signalTTL
	if raw := c.Query("ttl_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must be a positive integer"})
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	count, err := s.signals.ExpireStale(c.Request.Context(), ttl)
	if err != nil {
		log.Error().Err(err).Msg("Failed to expire stale signals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to expire stale signals"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"expired":     count,
		"ttl_seconds": int(ttl.Seconds()),
	})
}

// handleExportSignals streams the filtered history as CSV or JSON without
// pagination.
func (s *Server) handleExportSignals(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "json"))
	if format != "csv" && format != "json" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("format must be csv or json, got %q", format)})
		return
	}

	filter, err := signalHistoryFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	signals, _, err := s.signals.History(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to export signals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export signals"})
		return
	}

	if format == "json" {
		c.Header("Content-Disposition", `attachment; filename="signals.json"`)
		c.JSON(http.StatusOK, signals)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="signals.csv"`)
	c.Status(http.StatusOK)
	if err := writeSignalsCSV(c.Writer, signals); err != nil {
		log.Error().Err(err).Msg("Failed to stream signal CSV export")
	}
}

var signalCSVHeader = []string{
	"ID", "Symbol", "Type", "Status", "Confidence", "Price", "Entry",
	"StopLoss", "TP1", "TP2", "TP3", "R:R Ratio", "Generated At",
	"Executed At", "Order ID", "Indicators", "Reasons",
}

func writeSignalsCSV(w io.Writer, signals []*db.Signal) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(signalCSVHeader); err != nil {
		return err
	}

	for _, sig := range signals {
		var executedAt string
		if sig.ExecutedAt != nil {
			executedAt = sig.ExecutedAt.UTC().Format(time.RFC3339)
		}
		var orderID string
		if sig.OrderID != nil {
			orderID = *sig.OrderID
		}

		row := []string{
			sig.ID.String(),
			sig.Symbol,
			string(sig.Direction),
			string(sig.Status),
			formatFloat(sig.Confidence),
			formatFloat(sig.Price),
			formatFloat(sig.EntryPrice),
			formatFloat(sig.StopLoss),
			formatFloat(sig.TP1),
			formatFloat(sig.TP2),
			formatFloat(sig.TP3),
			formatFloat(sig.RiskRewardRatio),
			sig.GeneratedAt.UTC().Format(time.RFC3339),
			executedAt,
			orderID,
			string(sig.Indicators),
			strings.Join(sig.ReasonList(), "; "),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
