package router

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/sevapulse/sevapulse/handlers"
	"github.com/sevapulse/sevapulse/internal/config"
	"github.com/sevapulse/sevapulse/services"
)

func NewGinRouter(pg *sql.DB, redisClient *redis.Client) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	officeService := services.NewOfficeService(pg)
	metricsService := services.NewMetricsService(pg, redisClient)
	whatsappService := services.NewWhatsAppService()
	fcmService, _ := services.NewFCMService()
	notificationService := services.NewNotificationService(pg, whatsappService, fcmService, config.App.DefaultCountryCode)
	escalationService := services.NewEscalationService(pg, redisClient, officeService, metricsService, notificationService)
	conversationService := services.NewConversationService(pg, officeService, metricsService, escalationService)
	annotationService := services.NewAnnotationService(pg, metricsService, escalationService)
	jwtService := services.NewJWTService("")
	apiKeyService := services.NewAPIKeyService(pg)

	// Initialize handlers
	webhookHandler := handlers.NewWebhookHandler(conversationService)
	annotationHandler := handlers.NewAnnotationHandler(annotationService)
	escalationHandler := handlers.NewEscalationHandler(escalationService, notificationService)
	officeHandler := handlers.NewOfficeHandler(officeService, metricsService)
	adminHandler := handlers.NewAdminHandler(apiKeyService)
	adminAuth := handlers.NewAdminAuthMiddleware(jwtService, apiKeyService)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		if err := pg.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Inbound messaging webhook (called by the WhatsApp gateway)
	r.POST("/webhook/whatsapp", webhookHandler.ReceiveMessage)

	api := r.Group("/api")
	{
		// Annotation producer callback
		api.POST("/annotations/:session_id", adminAuth.RequireAdmin(), annotationHandler.AttachAnnotation)

		// Read surface for the dashboard
		api.GET("/offices/:id/metrics", officeHandler.GetOfficeMetrics)
		api.GET("/escalations", escalationHandler.ListEscalations)
		api.GET("/escalations/:id", escalationHandler.GetEscalation)

		// Official actions
		api.POST("/escalations/:id/corrective-action", adminAuth.RequireAdmin(), escalationHandler.UploadCorrectiveAction)

		// Operator/scheduler surface
		admin := api.Group("/admin", adminAuth.RequireAdmin())
		{
			admin.POST("/sweep", escalationHandler.TriggerSweep)
			admin.POST("/api-keys", adminHandler.CreateAPIKey)
		}
	}

	return r
}
