// Package config provides the runtime defaults, environment overrides, and
// sanitisation for the GoChat relay.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Blob store backends.
const (
	BlobStoreDisk      = "disk"
	BlobStoreJetStream = "jetstream"
)

// RateLimitConfig defines the parameters for per-connection frame throttling.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// AuthConfig holds session and brute-force protection settings.
type AuthConfig struct {
	JWTSecret         string
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	MaxFailedAttempts int
	FailedWindow      time.Duration
	BlockDuration     time.Duration
}

// SMTPConfig configures the outbound email collaborator. An empty Host
// disables email delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Addr           string
	AllowedOrigins []string
	AllowAll       bool
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	DatabaseURL string
	RedisURL    string
	ContentKey  string

	Auth AuthConfig
	SMTP SMTPConfig

	UploadDir     string
	MaxUploadSize int64
	BlobStore     string // "disk" or "jetstream"
	NATSURL       string
	NATSBucket    string

	ShutdownTimeout time.Duration
	LogLevel        slog.Level
}

func defaultConfig() Config {
	return Config{
		Addr: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Auth: AuthConfig{
			SessionTTL:        24 * time.Hour,
			SweepInterval:     5 * time.Minute,
			MaxFailedAttempts: 10,
			FailedWindow:      time.Hour,
			BlockDuration:     time.Hour,
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
		UploadDir:       "uploads",
		MaxUploadSize:   100 * 1024 * 1024,
		BlobStore:       BlobStoreDisk,
		NATSURL:         "nats://127.0.0.1:4222",
		NATSBucket:      "gochat-files",
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        slog.LevelInfo,
	}
}

// Default returns a sanitised configuration populated with default values.
func Default() *Config {
	cfg := defaultConfig()
	cfg.Sanitize()
	return &cfg
}

// Sanitize replaces invalid values with defaults and normalises origins.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = def.Auth.SessionTTL
	}
	if c.Auth.SweepInterval <= 0 {
		c.Auth.SweepInterval = def.Auth.SweepInterval
	}
	if c.Auth.MaxFailedAttempts <= 0 {
		c.Auth.MaxFailedAttempts = def.Auth.MaxFailedAttempts
	}
	if c.Auth.FailedWindow <= 0 {
		c.Auth.FailedWindow = def.Auth.FailedWindow
	}
	if c.Auth.BlockDuration <= 0 {
		c.Auth.BlockDuration = def.Auth.BlockDuration
	}
	if c.SMTP.Port <= 0 {
		c.SMTP.Port = def.SMTP.Port
	}
	if c.UploadDir == "" {
		c.UploadDir = def.UploadDir
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = def.MaxUploadSize
	}
	switch strings.ToLower(c.BlobStore) {
	case BlobStoreDisk, BlobStoreJetStream:
		c.BlobStore = strings.ToLower(c.BlobStore)
	default:
		c.BlobStore = def.BlobStore
	}
	if c.NATSURL == "" {
		c.NATSURL = def.NATSURL
	}
	if c.NATSBucket == "" {
		c.NATSBucket = def.NATSBucket
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	c.AllowedOrigins, c.AllowAll = normalizeOrigins(c.AllowedOrigins)
}

// Load creates a Config from environment variables, falling back to default
// values for anything unset or unparsable.
func Load() *Config {
	cfg := defaultConfig()

	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		cfg.Addr = addr
	} else if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Addr = ":" + strings.TrimPrefix(port, ":")
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}

	cfg.MaxMessageSize = getEnvInt64("MAX_MESSAGE_SIZE", cfg.MaxMessageSize)
	cfg.RateLimit.Burst = getEnvInt("FRAME_RATE_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.RefillInterval = getEnvDuration("FRAME_RATE_REFILL_INTERVAL", cfg.RateLimit.RefillInterval)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.ContentKey = os.Getenv("CONTENT_KEY")

	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Auth.SessionTTL = getEnvDuration("SESSION_TTL", cfg.Auth.SessionTTL)
	cfg.Auth.SweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", cfg.Auth.SweepInterval)
	cfg.Auth.MaxFailedAttempts = getEnvInt("AUTH_MAX_FAILED_ATTEMPTS", cfg.Auth.MaxFailedAttempts)
	cfg.Auth.FailedWindow = getEnvDuration("AUTH_FAILED_WINDOW", cfg.Auth.FailedWindow)
	cfg.Auth.BlockDuration = getEnvDuration("AUTH_BLOCK_DURATION", cfg.Auth.BlockDuration)

	cfg.SMTP.Host = os.Getenv("SMTP_HOST")
	cfg.SMTP.Port = getEnvInt("SMTP_PORT", cfg.SMTP.Port)
	cfg.SMTP.Username = os.Getenv("SMTP_USERNAME")
	cfg.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	cfg.SMTP.Sender = os.Getenv("EMAIL_SENDER")

	if dir := os.Getenv("UPLOAD_DIR"); dir != "" {
		cfg.UploadDir = dir
	}
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)
	if store := os.Getenv("BLOB_STORE"); store != "" {
		cfg.BlobStore = store
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATSURL = natsURL
	}
	if bucket := os.Getenv("NATS_BUCKET"); bucket != "" {
		cfg.NATSBucket = bucket
	}
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = parseLevel(os.Getenv("LOG_LEVEL"), cfg.LogLevel)

	cfg.Sanitize()
	return &cfg
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnvInt(key string, defaultVal int) int {
	if parsed, err := strconv.Atoi(os.Getenv(key)); err == nil && parsed > 0 {
		return parsed
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if size, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultVal
}

// getEnvDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultVal
}

func parseLevel(value string, defaultVal slog.Level) slog.Level {
	if value == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return defaultVal
	}
	return level
}

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := NormalizeOrigin(trimmed)
		if !ok {
			slog.Warn("ignoring invalid origin in configuration", slog.String("origin", origin))
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

// NormalizeOrigin lower-cases scheme and host and drops everything else.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
