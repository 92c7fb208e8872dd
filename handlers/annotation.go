package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sevapulse/sevapulse/db"
	"github.com/sevapulse/sevapulse/services"
)

// AnnotationHandler receives the generative analysis payload the annotation
// producer computes after a session completes
type AnnotationHandler struct {
	annotationService *services.AnnotationService
}

func NewAnnotationHandler(annotationService *services.AnnotationService) *AnnotationHandler {
	return &AnnotationHandler{annotationService: annotationService}
}

type annotationRequest struct {
	Sentiment      string   `json:"sentiment" binding:"required"`
	Confidence     float64  `json:"confidence"`
	Themes         []string `json:"themes"`
	Keywords       []string `json:"keywords"`
	TranslatedText string   `json:"translated_text"`
	Recommendation string   `json:"recommendation"`
}

// POST /api/annotations/:session_id
func (h *AnnotationHandler) AttachAnnotation(c *gin.Context) {
	sessionID := c.Param("session_id")

	var req annotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid annotation payload: " + err.Error()})
		return
	}

	annotation := db.Annotation{
		Sentiment:      req.Sentiment,
		Confidence:     req.Confidence,
		Themes:         req.Themes,
		Keywords:       req.Keywords,
		TranslatedText: req.TranslatedText,
		Recommendation: req.Recommendation,
	}

	if err := h.annotationService.AttachAnnotation(sessionID, annotation); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach annotation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "attached"})
}
