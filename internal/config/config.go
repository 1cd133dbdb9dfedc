package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	OpsJWTSecret string

	DefaultTimeoutSeconds int
	DefaultMaxRetries     int

	RetentionWindow  time.Duration
	ReaperInterval   time.Duration
	RetryInterval    time.Duration
	CleanerInterval  time.Duration
	CleanerBatchSize int
	AuditCoDelete    bool

	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          mustGetenv("DATABASE_URL"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",

		OpsJWTSecret: mustGetenv("OPS_JWT_SECRET"),

		DefaultTimeoutSeconds: getenvInt("DEFAULT_TIMEOUT_SECONDS", 300),
		DefaultMaxRetries:     getenvInt("DEFAULT_MAX_RETRIES", 3),

		RetentionWindow:  time.Duration(getenvInt("RETENTION_WINDOW_DAYS", 30)) * 24 * time.Hour,
		ReaperInterval:   time.Duration(getenvInt("REAPER_INTERVAL_SECONDS", 15)) * time.Second,
		RetryInterval:    time.Duration(getenvInt("RETRY_SCHEDULER_INTERVAL_SECONDS", 10)) * time.Second,
		CleanerInterval:  time.Duration(getenvInt("CLEANER_INTERVAL_SECONDS", 3600)) * time.Second,
		CleanerBatchSize: getenvInt("CLEANER_BATCH_SIZE", 500),
		AuditCoDelete:    getenv("AUDIT_CO_DELETE", "false") == "true",

		BackoffBase: time.Duration(getenvInt("BACKOFF_BASE_SECONDS", 5)) * time.Second,
		BackoffMax:  time.Duration(getenvInt("BACKOFF_MAX_SECONDS", 3600)) * time.Second,
	}

	origins := strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",")
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustGetenv(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		panic("missing env: " + key)
	}
	return v
}
