package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sevapulse/sevapulse/services"
)

// OfficeHandler exposes the denormalized office performance summary
type OfficeHandler struct {
	officeService  *services.OfficeService
	metricsService *services.MetricsService
}

func NewOfficeHandler(officeService *services.OfficeService, metricsService *services.MetricsService) *OfficeHandler {
	return &OfficeHandler{officeService: officeService, metricsService: metricsService}
}

// GET /api/offices/:id/metrics
func (h *OfficeHandler) GetOfficeMetrics(c *gin.Context) {
	officeID := c.Param("id")

	office, err := h.officeService.GetOffice(officeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get office"})
		return
	}
	if office == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "office not found"})
		return
	}

	metrics, err := h.metricsService.GetOfficeMetrics(officeID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get metrics"})
		return
	}
	if metrics == nil {
		c.JSON(http.StatusOK, gin.H{"office": office, "metrics": nil, "message": "no feedback aggregated yet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"office": office, "metrics": metrics})
}
