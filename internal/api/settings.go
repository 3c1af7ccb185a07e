package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.sim.Settings())
}

// handleUpdateSettings applies a partial settings update: the request body
// is decoded over the current values, so omitted keys keep their setting.
// Validation failures reject the whole update.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	settings := s.sim.Settings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	if err := settings.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sim.ApplySettings(c.Request.Context(), settings); err != nil {
		log.Error().Err(err).Msg("Failed to apply settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist settings"})
		return
	}

	c.JSON(http.StatusOK, s.sim.Settings())
}
