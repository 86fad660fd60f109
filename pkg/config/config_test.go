package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDRESS", "DATABASE_URL", "KAFKA_BROKERS", "CHECKPOINT_THRESHOLD", "JWT_TTL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	require.Equal(t, "localhost:8080", cfg.HTTPAddress)
	require.Empty(t, cfg.KafkaBrokers)
	require.Equal(t, 50, cfg.CheckpointThreshold)
	require.Equal(t, 10, cfg.CheckpointRetain)
	require.Equal(t, 24*time.Hour, cfg.JWTTTL)
	require.False(t, cfg.UsesPostgres())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pots:pots@db:5432/pots")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092")
	t.Setenv("CHECKPOINT_THRESHOLD", "20")
	t.Setenv("CHECKPOINT_RETAIN", "not-a-number")
	t.Setenv("REPLAY_OVERLAP", "2s")

	cfg := Load()
	require.True(t, cfg.UsesPostgres())
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 20, cfg.CheckpointThreshold)
	require.Equal(t, 10, cfg.CheckpointRetain)
	require.Equal(t, 2*time.Second, cfg.ReplayOverlap)
}
