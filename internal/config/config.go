// Package config loads the gateway configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindwell/chat-gateway/internal/ai"
)

// Config holds all configuration for the gateway.
type Config struct {
	Port     string
	Env      string
	Instance string // unique instance name, used by the room bridge and presence

	DatabaseURL string // Postgres; empty selects the in-memory store
	RedisAddr   string // presence store; empty disables it
	NATSURL     string // room bridge; empty disables it

	JWTSecret string

	AIBaseURL      string
	AIFallbackMode string // "strict" or "besteffort"

	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Load reads configuration from environment variables. In development it
// loads from a .env file if present; in production it panics on missing
// required variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		Instance:       getEnv("INSTANCE_NAME", hostnameOr("gateway-1")),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		AIBaseURL:      getEnv("AI_BASE_URL", "http://localhost:5000"),
		AIFallbackMode: getEnv("AI_FALLBACK_MODE", ai.ModeStrict),
		WorkerPoolSize: getEnvInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getEnvInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
	}

	if !ai.ValidMode(cfg.AIFallbackMode) {
		panic("AI_FALLBACK_MODE must be \"strict\" or \"besteffort\"")
	}

	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if os.Getenv("JWT_SECRET") == "" {
			panic("JWT_SECRET is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func hostnameOr(fallback string) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallback
}
