package api

import (
	"net/http"

	"logx-server/internal/services"

	"github.com/gin-gonic/gin"
)

type ThreatIntelHandler struct {
	threatIntelService *services.ThreatIntelService
}

func NewThreatIntelHandler(threatIntelService *services.ThreatIntelService) *ThreatIntelHandler {
	return &ThreatIntelHandler{
		threatIntelService: threatIntelService,
	}
}

// Lookup returns the full provider verdict for one indicator
func (h *ThreatIntelHandler) Lookup(c *gin.Context) {
	value := c.Query("value")
	iocType := c.Query("type")
	if value == "" || iocType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value and type are required"})
		return
	}

	c.JSON(http.StatusOK, h.threatIntelService.Analyze(c.Request.Context(), value, iocType))
}

// Reputation returns the coarse reputation status for one indicator
func (h *ThreatIntelHandler) Reputation(c *gin.Context) {
	value := c.Query("value")
	iocType := c.Query("type")
	if value == "" || iocType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value and type are required"})
		return
	}

	c.JSON(http.StatusOK, h.threatIntelService.CheckReputation(c.Request.Context(), value, iocType))
}
