package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sevapulse/sevapulse/internal/config"
	"github.com/sevapulse/sevapulse/services"
)

// EscalationHandler exposes the escalation lifecycle to officials and the
// scheduler: listing, corrective action upload, audit trail, and the manual
// sweep trigger.
type EscalationHandler struct {
	escalationService   *services.EscalationService
	notificationService *services.NotificationService
}

func NewEscalationHandler(escalationService *services.EscalationService, notificationService *services.NotificationService) *EscalationHandler {
	return &EscalationHandler{
		escalationService:   escalationService,
		notificationService: notificationService,
	}
}

// GET /api/escalations?office_id=&status=
func (h *EscalationHandler) ListEscalations(c *gin.Context) {
	escalations, err := h.escalationService.ListEscalations(c.Query("office_id"), c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list escalations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": escalations})
}

// GET /api/escalations/:id
func (h *EscalationHandler) GetEscalation(c *gin.Context) {
	esc, err := h.escalationService.GetEscalation(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get escalation"})
		return
	}
	if esc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "escalation not found"})
		return
	}

	notifications, err := h.notificationService.ListNotifications(esc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load notification history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escalation": esc, "notifications": notifications})
}

type correctiveActionRequest struct {
	Note string `json:"note" binding:"required"`
}

// POST /api/escalations/:id/corrective-action
func (h *EscalationHandler) UploadCorrectiveAction(c *gin.Context) {
	var req correctiveActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "note is required"})
		return
	}

	uploadedBy := c.GetString("official_id")
	if uploadedBy == "" {
		uploadedBy = "unknown"
	}

	esc, err := h.escalationService.UploadCorrectiveAction(c.Param("id"), req.Note, uploadedBy)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upload corrective action"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escalation": esc})
}

// POST /api/admin/sweep
// Operator/scheduler entry point: evaluates every active office.
func (h *EscalationHandler) TriggerSweep(c *gin.Context) {
	result, err := h.escalationService.RunSweep(c.Request.Context(), config.App.SweepConcurrency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}
