package config

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GRACE_PERIOD_SECONDS", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg := Load()
	if cfg.GracePeriod != 5*time.Minute {
		t.Errorf("grace period = %v, want 5m", cfg.GracePeriod)
	}
	if cfg.DefaultPassingScore != 70 {
		t.Errorf("passing score = %v, want 70", cfg.DefaultPassingScore)
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("kafka brokers = %v, want nil", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GRACE_PERIOD_SECONDS", "60")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("DEFAULT_PASSING_SCORE", "not-a-number")
	t.Setenv("METRICS_ENABLED", "false")

	cfg := Load()
	if cfg.GracePeriod != time.Minute {
		t.Errorf("grace period = %v, want 1m", cfg.GracePeriod)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("kafka brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.DefaultPassingScore != 70 {
		t.Errorf("invalid float should fall back, got %v", cfg.DefaultPassingScore)
	}
	if cfg.MetricsEnabled {
		t.Error("metrics should be disabled")
	}
}

func TestCacheKeys(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	if got := CacheKey.SessionEventsChannel(id); got != "session:11111111-1111-1111-1111-111111111111:events" {
		t.Errorf("events channel = %q", got)
	}
	if got := CacheKey.UserActiveSessionKey(id); got != "user:11111111-1111-1111-1111-111111111111:active_session" {
		t.Errorf("active session key = %q", got)
	}
}
