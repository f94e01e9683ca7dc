package config

import (
	"os"
	"strconv"
	"time"
)

type SettlementConfig struct {
	LockTTL           time.Duration
	IdempotencyTTL    time.Duration
	MaxWithdrawal     string
	SyncBatchSize     int
	SyncSource        string
	SyncTarget        string
	SinkBaseURL       string
	SinkTimeout       time.Duration
	SinkMaxRetries    int
	SinkRetryBase     time.Duration
	SinkRetryMax      time.Duration
	SinkBreakerDelay  time.Duration
	SinkBreakerMinReq int
}

func LoadSettlementConfig() *SettlementConfig {
	return &SettlementConfig{
		LockTTL: getEnvAsDuration("SETTLEMENT_LOCK_TTL", 30*time.Second),
		// Marker must outlive the client retry window: timeout x retries x safety factor.
		IdempotencyTTL:    getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		MaxWithdrawal:     getEnv("MAX_WITHDRAWAL_AMOUNT", "999999.99"),
		SyncBatchSize:     getEnvAsInt("SYNC_BATCH_SIZE", 500),
		SyncSource:        getEnv("SYNC_SOURCE_SERVICE", "audience-intake"),
		SyncTarget:        getEnv("SYNC_TARGET_SERVICE", "settlement"),
		SinkBaseURL:       getEnv("SETTLEMENT_SINK_URL", "http://localhost:8081"),
		SinkTimeout:       getEnvAsDuration("SETTLEMENT_SINK_TIMEOUT", 10*time.Second),
		SinkMaxRetries:    getEnvAsInt("SETTLEMENT_SINK_MAX_RETRIES", 3),
		SinkRetryBase:     getEnvAsDuration("SETTLEMENT_SINK_RETRY_BASE", 500*time.Millisecond),
		SinkRetryMax:      getEnvAsDuration("SETTLEMENT_SINK_RETRY_MAX", 10*time.Second),
		SinkBreakerDelay:  getEnvAsDuration("SETTLEMENT_SINK_BREAKER_DELAY", 15*time.Second),
		SinkBreakerMinReq: getEnvAsInt("SETTLEMENT_SINK_BREAKER_MIN_REQ", 10),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
