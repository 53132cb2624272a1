package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server settings loaded from the environment
type Config struct {
	DatabaseURL   string
	JWTSecret     string
	ListenAddr    string
	Markets       []string
	MaxIdle       time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from the environment, loading a .env file
// first if one exists
func Load() (*Config, error) {
	// .env is optional, real env vars take precedence
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		Markets:       splitList(getEnv("MARKETS", "KRW-BTC,KRW-ETH")),
		MaxIdle:       24 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}

	if v := os.Getenv("SESSION_MAX_IDLE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_MAX_IDLE: %w", err)
		}
		if d <= 0 || d > 24*time.Hour {
			return nil, fmt.Errorf("SESSION_MAX_IDLE must be between 0 and 24h")
		}
		cfg.MaxIdle = d
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
