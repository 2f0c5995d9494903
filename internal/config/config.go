package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	DBUrl             string
	JWTSecret         string
	AppEnv            string
	LogLevel          string
	NatsURL           string
	NatsStream        string
	RedisURL          string
	UnreadCacheTTL    time.Duration
	OperatorRoles     []string
	ChatGreeting      string
	ReconcileInterval time.Duration
	WorkerConcurrency int
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBUrl:             getEnv("DB_URL", ""),
		JWTSecret:         jwtSecret,
		AppEnv:            normalizeEnv(getEnv("APP_ENV", "production")),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		NatsURL:           getEnv("NATS_URL", ""),
		NatsStream:        getEnv("NATS_STREAM", "CHAT_EVENTS"),
		RedisURL:          getEnv("REDIS_URL", ""),
		UnreadCacheTTL:    getEnvDuration("UNREAD_CACHE_TTL", 10*time.Minute),
		OperatorRoles:     getEnvList("OPERATOR_ROLES", []string{"admin", "admin-user", "coach"}),
		ChatGreeting:      getEnv("CHAT_GREETING", "Hi! Start your question here."),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 5),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}

	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			items = append(items, part)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
