package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sevapulse/sevapulse/services"
)

// AdminAuthMiddleware guards the admin surface. It accepts either an
// official's JWT bearer token or a scheduler API key (svp_ prefix).
type AdminAuthMiddleware struct {
	JWTService    *services.JWTService
	APIKeyService *services.APIKeyService
}

func NewAdminAuthMiddleware(jwtService *services.JWTService, apiKeyService *services.APIKeyService) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		JWTService:    jwtService,
		APIKeyService: apiKeyService,
	}
}

func (m *AdminAuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bearer token is required"})
			c.Abort()
			return
		}

		// Scheduler API keys carry the svp_ prefix; anything else is a JWT.
		if strings.HasPrefix(token, "svp_") {
			key, err := m.APIKeyService.ValidateAPIKey(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
				c.Abort()
				return
			}
			c.Set("official_id", "api-key:"+key.Name)
			c.Set("auth_role", "scheduler")
			c.Next()
			return
		}

		claims, err := m.JWTService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("official_id", claims.Subject)
		c.Set("auth_role", claims.Role)
		c.Next()
	}
}
