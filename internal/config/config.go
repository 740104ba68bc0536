// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionDir  string
	UploadDir   string
	LogLevel    slog.Level

	Admin     AdminConfig
	RateLimit RateLimitConfig
	Dispatch  DispatchConfig
	Reaper    ReaperConfig

	MaxUploadBytes int64
	BatchRetention time.Duration
}

// AdminConfig holds the operator login credentials.
type AdminConfig struct {
	Username string
	Password string
}

// RateLimitConfig bounds submissions per client IP.
// TrustProxy keys clients by X-Forwarded-For / X-Real-IP instead of the socket
// address; enable it only behind a proxy that overwrites those headers.
type RateLimitConfig struct {
	Requests   int
	Window     time.Duration
	TrustProxy bool
}

// DispatchConfig controls pacing and per-session send throughput.
type DispatchConfig struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	SendTimeout       time.Duration
	SendRatePerMinute float64
	SendBurst         int
}

// ReaperConfig controls background session cleanup.
type ReaperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "3002"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/dispatch.db"),
		SessionDir:  getEnv("SESSION_DIR", "./data/sessions"),
		UploadDir:   getEnv("UPLOAD_DIR", "./uploads"),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Admin: AdminConfig{
			Username: getEnv("ADMIN_USERNAME", ""),
			Password: getEnv("ADMIN_PASSWORD", ""),
		},
		RateLimit: RateLimitConfig{
			Requests:   getEnvInt("RATE_LIMIT_REQUESTS", 100),
			Window:     getEnvDuration("RATE_LIMIT_WINDOW", 30*time.Minute),
			TrustProxy: getEnvBool("TRUST_PROXY", false),
		},
		Dispatch: DispatchConfig{
			MinDelay:          getEnvDuration("PACING_MIN_DELAY", 30*time.Second),
			MaxDelay:          getEnvDuration("PACING_MAX_DELAY", 70*time.Second),
			SendTimeout:       getEnvDuration("SEND_TIMEOUT", 60*time.Second),
			SendRatePerMinute: getEnvFloat("SEND_RATE_PER_MINUTE", 2),
			SendBurst:         getEnvInt("SEND_BURST", 1),
		},
		Reaper: ReaperConfig{
			Interval:    getEnvDuration("REAP_INTERVAL", time.Minute),
			IdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 0),
		},
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 32<<20)),
		BatchRetention: getEnvDuration("BATCH_RETENTION", 7*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionDir == "" {
		return fmt.Errorf("SESSION_DIR cannot be empty")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR cannot be empty")
	}
	if c.Admin.Username == "" || c.Admin.Password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Dispatch.MinDelay < 0 || c.Dispatch.MaxDelay < c.Dispatch.MinDelay {
		return fmt.Errorf("PACING_MIN_DELAY must be >= 0 and <= PACING_MAX_DELAY")
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be > 0")
	}
	if c.Dispatch.SendRatePerMinute < 0 {
		return fmt.Errorf("SEND_RATE_PER_MINUTE must be >= 0")
	}
	if c.Dispatch.SendBurst <= 0 {
		return fmt.Errorf("SEND_BURST must be > 0")
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("REAP_INTERVAL must be > 0")
	}
	if c.Reaper.IdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be >= 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("45s", "30m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
