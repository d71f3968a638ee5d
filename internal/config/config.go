package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	// Relay server configuration
	RelayPort   string
	Environment string

	// Database configuration for the upstream feature store
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis configuration (relay fan-out)
	RedisAddress string

	// Upstream feature service base URL
	UpstreamAddress string

	// Relay websocket URL used by library clients
	RelayAddress string

	// Directory for local document persistence (sqlite)
	PersistenceDir string

	// Allowed browser origin for the relay
	FrontendAddress string

	// Vector source whose layers get exclusion filters
	MapSource string
}

// Global application configuration
var AppConfig Config

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Find .env file
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		// Try to find .env in parent directories
		envPath = filepath.Join("..", ".env")
		if _, err := os.Stat(envPath); os.IsNotExist(err) {
			envPath = filepath.Join("..", "..", ".env")
		}
	}

	// Load .env file if it exists
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	AppConfig = Config{
		RelayPort:       getEnv("PORT", "8080"),
		Environment:     getEnv("ENV", "development"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "postgres"),
		DBName:          getEnv("DB_NAME", "map_editor"),
		RedisAddress:    getEnv("REDIS_ADDRESS", "localhost:6379"),
		UpstreamAddress: getEnv("UPSTREAM_ADDRESS", "http://localhost:8787"),
		RelayAddress:    getEnv("RELAY_ADDRESS", "ws://localhost:8080"),
		PersistenceDir:  getEnv("PERSISTENCE_DIR", "."),
		FrontendAddress: getEnv("FRONTEND_ADDRESS", "http://localhost:5173"),
		MapSource:       getEnv("MAP_SOURCE", "esri"),
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
