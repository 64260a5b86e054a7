// Package config builds the single immutable configuration used across the
// process from environment variables. All defaults are compiled in.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port int
	Host string

	DatabaseURL string
	DBPoolSize  int

	SchedulerPollInterval time.Duration
	SchedulerBatchSize    int
	SchedulerLockTimeout  time.Duration

	MaxActiveTasks int
	MaxPayloadSize int

	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	HMACSecret string

	AllowedWebhookDomains []string

	Environment string // "production" has behavioral meaning
	DevMode     bool

	SMTPHost string
	SMTPPort int
	SMTPFrom string
}

func Load() Config {
	c := Config{
		Port:                  envInt("PORT", 8080),
		Host:                  envStr("HOST", "0.0.0.0"),
		DatabaseURL:           envStr("DATABASE_URL", "file:scheduler.db?cache=shared&mode=rwc&_pragma=journal_mode(WAL)"),
		DBPoolSize:            envInt("DB_POOL_SIZE", 10),
		SchedulerPollInterval: envDuration("SCHEDULER_POLL_INTERVAL", 10*time.Second),
		SchedulerBatchSize:    envInt("SCHEDULER_BATCH_SIZE", 50),
		SchedulerLockTimeout:  envDuration("SCHEDULER_LOCK_TIMEOUT", 60*time.Second),
		MaxActiveTasks:        envInt("MAX_ACTIVE_TASKS", 100),
		MaxPayloadSize:        envInt("MAX_PAYLOAD_SIZE", 65536),
		WebhookTimeout:        envDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookMaxRetries:     envInt("WEBHOOK_MAX_RETRIES", 3),
		HMACSecret:            envStr("HMAC_SECRET", ""),
		AllowedWebhookDomains: envList("ALLOWED_WEBHOOK_DOMAINS"),
		Environment:           envStr("NODE_ENV", "development"),
		SMTPHost:              envStr("SMTP_HOST", ""),
		SMTPPort:              envInt("SMTP_PORT", 587),
		SMTPFrom:              envStr("SMTP_FROM", ""),
	}
	c.DevMode = envStr("DEV_MODE", "") == "true"
	return c
}

func (c Config) IsProduction() bool { return c.Environment == "production" }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
