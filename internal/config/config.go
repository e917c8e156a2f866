package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashfleet/hashfleet/pkg/debug"
	"github.com/joho/godotenv"
)

// Config holds the runtime configuration for the server.
// Values are sourced from the environment, with optional .env support.
type Config struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string

	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// DataDir is the root directory for wordlists, rules and masks
	DataDir string

	// ChunkDuration is the target runtime of a single task slice
	ChunkDuration time.Duration

	// DefaultBenchmarkSpeed is the guesses/sec assumed for agents
	// that have not submitted a benchmark yet
	DefaultBenchmarkSpeed int64

	// HeartbeatTimeout is how long an agent may stay silent before
	// the liveness sweep marks it offline and reclaims its tasks
	HeartbeatTimeout time.Duration

	// SweepSchedule is the cron spec for the liveness sweep
	SweepSchedule string

	// WebhookURL, when set, receives event trigger POSTs
	WebhookURL string

	// AMQPURL, when set, enables the AMQP event publisher
	AMQPURL string

	// AMQPExchange is the fanout exchange used for event triggers
	AMQPExchange string
}

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		debug.Debug("No .env file loaded: %v", err)
	}
	// Logging initialized before the .env values existed
	debug.Reinitialize()

	cfg := &Config{
		ListenAddr:            getEnv("HF_LISTEN_ADDR", ":8080"),
		DatabaseURL:           os.Getenv("HF_DATABASE_URL"),
		DataDir:               getEnv("HF_DATA_DIR", "/var/lib/hashfleet"),
		ChunkDuration:         getEnvDuration("HF_CHUNK_DURATION", 20*time.Minute),
		DefaultBenchmarkSpeed: getEnvInt64("HF_DEFAULT_BENCHMARK_SPEED", 1_000_000),
		HeartbeatTimeout:      getEnvDuration("HF_HEARTBEAT_TIMEOUT", 5*time.Minute),
		SweepSchedule:         getEnv("HF_SWEEP_SCHEDULE", "@every 1m"),
		WebhookURL:            os.Getenv("HF_EVENT_WEBHOOK_URL"),
		AMQPURL:               os.Getenv("HF_AMQP_URL"),
		AMQPExchange:          getEnv("HF_AMQP_EXCHANGE", "hashfleet.events"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("HF_DATABASE_URL is required")
	}
	if cfg.ChunkDuration <= 0 {
		return nil, fmt.Errorf("HF_CHUNK_DURATION must be positive")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("HF_HEARTBEAT_TIMEOUT must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		debug.Warning("Invalid value for %s: %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		debug.Warning("Invalid value for %s: %q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}
