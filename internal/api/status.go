package api

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var startTime = time.Now()

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "PulseTrader API",
		"version": "1.0.0",
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleHealth is the load-balancer probe: storage reachable or 503.
func (s *Server) handleHealth(c *gin.Context) {
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// handleSystemStatus reports liveness of every component: database, event
// bus, WebSocket fan-out and the per-symbol engine states.
func (s *Server) handleSystemStatus(c *gin.Context) {
	dbStatus := "healthy"
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			dbStatus = "unhealthy"
			log.Warn().Err(err).Msg("Database health check failed")
		}
	} else {
		dbStatus = "not_configured"
	}

	busComponent := gin.H{"status": "not_configured"}
	busHealthy := true
	if s.bus != nil {
		busStatus := "connected"
		if !s.bus.IsConnected() {
			busStatus = "disconnected"
			busHealthy = false
		}
		busComponent = gin.H{"status": busStatus, "stats": s.bus.Stats()}
	}

	components := gin.H{
		"database": gin.H{"status": dbStatus},
		"bus":      busComponent,
	}
	if s.ws != nil {
		components["websocket"] = s.ws.Stats()
	}
	if s.engine != nil {
		components["engine"] = gin.H{
			"states":          s.engine.States(),
			"dropped_updates": s.engine.Dropped(),
		}
	}

	systemStatus := "healthy"
	if dbStatus == "unhealthy" || !busHealthy {
		systemStatus = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     systemStatus,
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(startTime).Seconds(),
		"version":    "1.0.0",
		"components": components,
		"system": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"go_version": runtime.Version(),
		},
	})
}

// handleHaltSymbol is the operator kill switch: the symbol stops producing
// signals until an explicit resume, surviving restarts.
func (s *Server) handleHaltSymbol(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not available"})
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	if _, ok := s.engine.States()[symbol]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown symbol: %s", symbol)})
		return
	}

	s.engine.Halt(c.Request.Context(), symbol)
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"state":  s.engine.States()[symbol],
	})
}

func (s *Server) handleResumeSymbol(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not available"})
		return
	}

	symbol := strings.ToUpper(c.Param("symbol"))
	if _, ok := s.engine.States()[symbol]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown symbol: %s", symbol)})
		return
	}

	s.engine.Resume(c.Request.Context(), symbol)
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"state":  s.engine.States()[symbol],
	})
}
