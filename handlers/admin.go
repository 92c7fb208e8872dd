package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sevapulse/sevapulse/services"
)

// AdminHandler covers operator housekeeping endpoints
type AdminHandler struct {
	apiKeyService *services.APIKeyService
}

func NewAdminHandler(apiKeyService *services.APIKeyService) *AdminHandler {
	return &AdminHandler{apiKeyService: apiKeyService}
}

type createAPIKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// POST /api/admin/api-keys
// The raw key is returned once and never stored.
func (h *AdminHandler) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	rawKey, key, err := h.apiKeyService.CreateAPIKey(req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"api_key": rawKey, "key": key})
}
