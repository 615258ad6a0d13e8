// Package config reads keeper's settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide settings.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string

	Addr      string
	AuthToken string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxAgeDays int
	LogMaxBackups int

	Location     *time.Location
	SyncInterval time.Duration
}

// Load reads the environment. Call godotenv.Load beforehand to pick up a .env file.
func Load() (Config, error) {
	cfg := Config{
		DatabaseDriver:        envOrDefault("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:           envOrDefault("DATABASE_URL", "file:keeper.db"),
		RedisURL:              strings.TrimSpace(os.Getenv("REDIS_URL")),
		GoogleClientID:        strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_ID")),
		GoogleClientSecret:    strings.TrimSpace(os.Getenv("GOOGLE_CLIENT_SECRET")),
		MicrosoftClientID:     strings.TrimSpace(os.Getenv("MICROSOFT_CLIENT_ID")),
		MicrosoftClientSecret: strings.TrimSpace(os.Getenv("MICROSOFT_CLIENT_SECRET")),
		Addr:                  envOrDefault("KEEPER_ADDR", ":8080"),
		AuthToken:             strings.TrimSpace(os.Getenv("KEEPER_AUTH_TOKEN")),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFile:               strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogMaxSizeMB:          IntOrDefault(os.Getenv("LOG_MAX_SIZE_MB"), 100),
		LogMaxAgeDays:         IntOrDefault(os.Getenv("LOG_MAX_AGE_DAYS"), 28),
		LogMaxBackups:         IntOrDefault(os.Getenv("LOG_MAX_BACKUPS"), 3),
	}

	tz := envOrDefault("PRIMARY_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid timezone '%s': %w", tz, err)
	}
	cfg.Location = loc

	if raw := strings.TrimSpace(os.Getenv("SYNC_INTERVAL")); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SYNC_INTERVAL '%s': %w", raw, err)
		}
		cfg.SyncInterval = interval
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// IntOrDefault parses v as a positive integer, falling back otherwise.
func IntOrDefault(v string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && i > 0 {
		return i
	}
	return fallback
}
