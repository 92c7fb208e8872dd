package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/sevapulse/sevapulse/internal/config"
	"github.com/sevapulse/sevapulse/services"
	"github.com/sevapulse/sevapulse/workers"
)

func main() {
	log.Println("Starting sweep worker...")

	configPath := os.Getenv("SEVAPULSE_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if config.App.RedisURL != "" {
		if opts, err := redis.ParseURL(config.App.RedisURL); err == nil {
			redisClient = redis.NewClient(opts)
		} else {
			log.Printf("Warning: invalid REDIS_URL, running without per-office locks: %v", err)
		}
	}

	// Initialize services
	officeService := services.NewOfficeService(pg)
	metricsService := services.NewMetricsService(pg, redisClient)
	whatsappService := services.NewWhatsAppService()
	fcmService, _ := services.NewFCMService()
	notificationService := services.NewNotificationService(pg, whatsappService, fcmService, config.App.DefaultCountryCode)
	escalationService := services.NewEscalationService(pg, redisClient, officeService, metricsService, notificationService)

	interval := time.Duration(config.App.SweepIntervalMinutes) * time.Minute
	worker := workers.NewSweepWorker(escalationService, interval, config.App.SweepConcurrency)

	// Abandon-in-place shutdown: cancel the context, let the current
	// per-office evaluations finish, and exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Start(ctx)
	log.Println("Sweep worker shut down")
}
