package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/log"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string
	QueueAddr     string
	QueuePassword string
	DatabaseURL   string
	JournalDir    string
	JWTSecret     string
	ConsumerID    string
	NodeID        int64

	WorkerCount   int
	PollInterval  time.Duration
	PollBackoff   time.Duration
	ClaimDeadline time.Duration
	ReapInterval  time.Duration
	DedupTTL      time.Duration
	JournalMaxAge time.Duration
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment
		logger.Warnw("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		QueueAddr:     os.Getenv("QUEUE_ADDR"),
		QueuePassword: os.Getenv("QUEUE_PASSWORD"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JournalDir:    os.Getenv("JOURNAL_DIR"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ConsumerID:    os.Getenv("CONSUMER_ID"),
		WorkerCount:   getEnvInt("WORKER_COUNT", 8),
		PollInterval:  getEnvDuration("POLL_INTERVAL", 100*time.Millisecond),
		PollBackoff:   getEnvDuration("POLL_BACKOFF", 2*time.Second),
		ClaimDeadline: getEnvDuration("CLAIM_DEADLINE", 30*time.Second),
		ReapInterval:  getEnvDuration("REAP_INTERVAL", 10*time.Second),
		DedupTTL:      getEnvDuration("DEDUP_TTL", time.Hour),
		JournalMaxAge: getEnvDuration("JOURNAL_MAX_AGE", 24*time.Hour),
	}

	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		id, err := strconv.ParseInt(nodeID, 10, 64)
		if err != nil {
			logger.Errorw("Invalid NODE_ID", "error", err)
			return nil, fmt.Errorf("invalid NODE_ID: %w", err)
		}
		cfg.NodeID = id
	}

	if cfg.QueueAddr == "" {
		logger.Error("QUEUE_ADDR is required")
		return nil, fmt.Errorf("QUEUE_ADDR is required")
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JournalDir == "" {
		logger.Error("JOURNAL_DIR is required")
		return nil, fmt.Errorf("JOURNAL_DIR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "consumer-" + uuid.NewString()
		logger.Infow("Using generated ConsumerID", "consumer_id", cfg.ConsumerID)
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
