package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	DatabaseURL string
	RedisURL    string

	IntakeTopic string
	IntakeGroup string
	SyncTopic   string
	SyncGroup   string

	IntakeWorkers int
	SyncWorkers   int

	QueueMaxRetries   int
	QueueClaimTimeout time.Duration
	PollInterval      time.Duration
	SweepInterval     time.Duration

	CRMBaseURL     string
	CRMAPIKey      string
	CRMTimeout     time.Duration
	CRMRateLimit   float64
	FollowUpSLA    time.Duration
	AsynqQueueName string

	MigrationsDir string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		IntakeTopic: getEnv("QUEUE_INTAKE_TOPIC", "leads.intake"),
		IntakeGroup: getEnv("QUEUE_INTAKE_GROUP", "intake-processors"),
		SyncTopic:   getEnv("QUEUE_SYNC_TOPIC", "leads.sync"),
		SyncGroup:   getEnv("QUEUE_SYNC_GROUP", "crm-sync-processors"),

		IntakeWorkers: getIntEnv("INTAKE_WORKERS", 4),
		SyncWorkers:   getIntEnv("SYNC_WORKERS", 2),

		QueueMaxRetries:   getIntEnv("QUEUE_MAX_RETRIES", 3),
		QueueClaimTimeout: mustDuration(getEnv("QUEUE_CLAIM_TIMEOUT", "60s")),
		PollInterval:      mustDuration(getEnv("QUEUE_POLL_INTERVAL", "500ms")),
		SweepInterval:     mustDuration(getEnv("QUEUE_SWEEP_INTERVAL", "15s")),

		CRMBaseURL:     getEnv("CRM_BASE_URL", ""),
		CRMAPIKey:      getEnv("CRM_API_KEY", ""),
		CRMTimeout:     mustDuration(getEnv("CRM_TIMEOUT", "10s")),
		CRMRateLimit:   getFloatEnv("CRM_RATE_LIMIT", 10),
		FollowUpSLA:    mustDuration(getEnv("FOLLOWUP_SLA", "24h")),
		AsynqQueueName: getEnv("ASYNQ_QUEUE_NAME", "followups"),

		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.QueueMaxRetries < 1 {
		return nil, fmt.Errorf("QUEUE_MAX_RETRIES must be at least 1")
	}
	if cfg.QueueClaimTimeout <= 0 {
		return nil, fmt.Errorf("QUEUE_CLAIM_TIMEOUT must be a positive duration")
	}
	if cfg.IntakeWorkers < 1 || cfg.SyncWorkers < 1 {
		return nil, fmt.Errorf("worker counts must be at least 1")
	}

	return cfg, nil
}

// GetDatabaseURL implements the platform db.Config interface.
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// GetRedisURL returns the redis connection URL for queue and scheduler clients.
func (c *Config) GetRedisURL() string { return c.RedisURL }

// GetAsynqQueueName returns the asynq queue used for follow-up tasks.
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}
