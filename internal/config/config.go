// Package config reads gateway configuration from the environment and sets
// up the process logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration shared by the gateway, the reconcile
// worker and the backfill driver.
type Config struct {
	Address     string
	DatabaseURL string

	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	Bucket      string

	JWTSecret []byte

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RenderURL string

	// ReconcileGrace is added to the PUT capability expiry before the
	// worker checks whether an upload intent materialized.
	ReconcileGrace time.Duration

	LogLevel  string
	LogFormat string
}

const (
	defaultAddress        = ":8080"
	defaultRegion         = "us-east-1"
	defaultBucket         = "nexoav"
	defaultRedisAddr      = "localhost:6379"
	defaultReconcileGrace = 2 * time.Minute
)

// Load reads configuration from FILEGATE_* environment variables. It fails
// when a required secret is absent so misconfigured deployments stop at
// startup instead of at the first request.
func Load() (*Config, error) {
	cfg := &Config{
		Address:        readEnv("FILEGATE_ADDRESS", defaultAddress),
		DatabaseURL:    os.Getenv("FILEGATE_DATABASE_URL"),
		S3Endpoint:     os.Getenv("FILEGATE_S3_ENDPOINT"),
		S3Region:       readEnv("FILEGATE_S3_REGION", defaultRegion),
		S3AccessKey:    os.Getenv("FILEGATE_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("FILEGATE_S3_SECRET_KEY"),
		S3UseSSL:       parseBool("FILEGATE_S3_USE_SSL", true),
		Bucket:         readEnv("FILEGATE_S3_BUCKET", defaultBucket),
		JWTSecret:      []byte(os.Getenv("FILEGATE_JWT_SECRET")),
		RedisAddr:      readEnv("FILEGATE_REDIS_ADDR", defaultRedisAddr),
		RedisPassword:  os.Getenv("FILEGATE_REDIS_PASSWORD"),
		RedisDB:        parseInt("FILEGATE_REDIS_DB", 0),
		RenderURL:      os.Getenv("FILEGATE_RENDER_URL"),
		ReconcileGrace: parseDuration("FILEGATE_RECONCILE_GRACE", defaultReconcileGrace),
		LogLevel:       readEnv("FILEGATE_LOG_LEVEL", "info"),
		LogFormat:      readEnv("FILEGATE_LOG_FORMAT", "text"),
	}
	for name, val := range map[string]string{
		"FILEGATE_DATABASE_URL":  cfg.DatabaseURL,
		"FILEGATE_S3_ENDPOINT":   cfg.S3Endpoint,
		"FILEGATE_S3_ACCESS_KEY": cfg.S3AccessKey,
		"FILEGATE_S3_SECRET_KEY": cfg.S3SecretKey,
		"FILEGATE_JWT_SECRET":    string(cfg.JWTSecret),
	} {
		if val == "" {
			return nil, fmt.Errorf("missing required environment variable %s", name)
		}
	}
	return cfg, nil
}

// NewLogger builds the process slog.Logger from LogLevel and LogFormat.
func NewLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
