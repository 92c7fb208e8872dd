package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`
	PublicURL   string `mapstructure:"public_url"`

	// Admin auth
	JWTSecret string `mapstructure:"jwt_secret"`

	// Outbound messaging channel (WhatsApp gateway)
	WhatsAppGateway WhatsAppGatewayConfig `mapstructure:"whatsapp_gateway"`

	// Phone normalization: prefix assumed for bare local-format numbers
	DefaultCountryCode string `mapstructure:"default_country_code"`

	// Scheduled sweep
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
	SweepConcurrency     int `mapstructure:"sweep_concurrency"`
}

type WhatsAppGatewayConfig struct {
	URL        string `mapstructure:"url"`
	APIToken   string `mapstructure:"api_token"`
	FromNumber string `mapstructure:"from_number"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so 'go run' works without manually
	// exporting env vars. Missing .env is fine in Docker/production.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Set default values
	v.SetDefault("port", "8080")
	v.SetDefault("default_country_code", "+91")
	v.SetDefault("sweep_interval_minutes", 60)
	v.SetDefault("sweep_concurrency", 4)

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("sevapulse")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("public_url", "PUBLIC_URL")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("default_country_code", "DEFAULT_COUNTRY_CODE")
	_ = v.BindEnv("sweep_interval_minutes", "SWEEP_INTERVAL_MINUTES")
	_ = v.BindEnv("sweep_concurrency", "SWEEP_CONCURRENCY")

	// Bind WhatsApp gateway env vars
	_ = v.BindEnv("whatsapp_gateway.url", "WHATSAPP_GATEWAY_URL")
	_ = v.BindEnv("whatsapp_gateway.api_token", "WHATSAPP_GATEWAY_TOKEN")
	_ = v.BindEnv("whatsapp_gateway.from_number", "WHATSAPP_FROM_NUMBER")

	v.AutomaticEnv()

	// 1. Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	// 2. Unmarshal into struct
	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// 3. Backfill environment variables for code that still reads os.Getenv()
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)
	setEnvIfEmpty("WHATSAPP_GATEWAY_URL", App.WhatsAppGateway.URL)
	setEnvIfEmpty("WHATSAPP_GATEWAY_TOKEN", App.WhatsAppGateway.APIToken)
	setEnvIfEmpty("WHATSAPP_FROM_NUMBER", App.WhatsAppGateway.FromNumber)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
