// Package config reads runtime settings for the relay and the device CLI from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/astromechza/potsync/pkg/checkpoint"
)

type Config struct {
	HTTPAddress string
	// DatabaseURL selects the store: a postgres:// URL, or a path to a SQLite file.
	DatabaseURL  string
	KafkaBrokers []string
	KafkaTopic   string
	JWTSecret    string
	JWTTTL       time.Duration

	CheckpointThreshold int
	CheckpointRetain    int

	RelayURL      string
	RelayToken    string
	OpenTimeout   time.Duration
	RetryInterval time.Duration
	ReplayOverlap time.Duration
}

func Load() Config {
	return Config{
		HTTPAddress:         getEnv("HTTP_ADDRESS", "localhost:8080"),
		DatabaseURL:         getEnv("DATABASE_URL", "potsync.sqlite3"),
		KafkaBrokers:        splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "pot-changes"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTTTL:              getDurationEnv("JWT_TTL", 24*time.Hour),
		CheckpointThreshold: getIntEnv("CHECKPOINT_THRESHOLD", checkpoint.DefaultThreshold),
		CheckpointRetain:    getIntEnv("CHECKPOINT_RETAIN", checkpoint.DefaultRetain),
		RelayURL:            getEnv("RELAY_URL", "http://localhost:8080"),
		RelayToken:          getEnv("RELAY_TOKEN", ""),
		OpenTimeout:         getDurationEnv("OPEN_TIMEOUT", 5*time.Second),
		RetryInterval:       getDurationEnv("RETRY_INTERVAL", 2*time.Second),
		ReplayOverlap:       getDurationEnv("REPLAY_OVERLAP", 0),
	}
}

// UsesPostgres reports whether DatabaseURL names a postgres server rather than a SQLite file.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
