package core

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Cache backend names accepted by CACHE_BACKEND.
const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
	CacheBackendS3     = "s3"
	CacheBackendMemory = "memory"
)

// Config holds all configuration values
type Config struct {
	// Server Configuration
	Host                 string
	Port                 int
	DevMode              bool
	AllowSelfSignedCerts bool
	DatabasePath         string
	RunRetentionDays     int
	LogFile              string

	// Cache Configuration
	CacheBackend    string
	CacheMaxEntries int
	RedisURL        string
	RedisPrefix     string
	S3Endpoint      string
	S3Region        string
	S3Bucket        string
	S3AccessKey     string
	S3SecretKey     string
	S3Prefix        string

	// Image API Configuration
	OpenAIAPIKey      string
	ImageAPIURL       string
	ImageModel        string
	ImageSize         string
	GenerationTimeout time.Duration // 0 disables the per-call timeout

	// Quota and editing
	PlansFile       string
	HistoryDebounce time.Duration

	// Auth
	JWTSecret string
	JWTIssuer string

	// Events, tracing and limits
	NATSURL               string
	NATSSubjectPrefix     string
	TracingEnabled        bool
	GenerateRatePerMinute int
}

// DevJWTSecret signs tokens in DEV_MODE when AUTH_JWT_SECRET is unset.
const DevJWTSecret = "thumbgen-dev-secret"

// LoadConfig loads configuration from environment variables. Only the image
// API key is always required; the JWT secret is required outside DEV_MODE.
func LoadConfig() (*Config, error) {
	devMode := ParseBoolEnv("DEV_MODE", false)

	cfg := &Config{
		Host:                 GetEnvOrDefault("HOST", "localhost"),
		Port:                 ParseIntEnv("PORT", 3000),
		DevMode:              devMode,
		AllowSelfSignedCerts: ParseBoolEnv("ALLOW_SELF_SIGNED_CERTS", false),
		DatabasePath:         GetEnvOrDefault("DATABASE_PATH", "data/thumbgen.db"),
		RunRetentionDays:     ParseIntEnv("RUN_RETENTION_DAYS", 30),
		LogFile:              GetEnvOrDefault("LOG_FILE", "thumbgen.log"),

		CacheBackend:    strings.ToLower(GetEnvOrDefault("CACHE_BACKEND", CacheBackendSQLite)),
		CacheMaxEntries: ParseIntEnv("CACHE_MAX_ENTRIES", 50),
		RedisURL:        os.Getenv("REDIS_URL"),
		RedisPrefix:     GetEnvOrDefault("REDIS_PREFIX", "thumbgen:cache"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        GetEnvOrDefault("S3_REGION", "us-east-1"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Prefix:        GetEnvOrDefault("S3_PREFIX", "cache/"),

		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		ImageAPIURL:       GetEnvOrDefault("IMAGE_API_URL", "https://api.openai.com/v1"),
		ImageModel:        GetEnvOrDefault("IMAGE_MODEL", "gpt-image-1"),
		ImageSize:         GetEnvOrDefault("IMAGE_SIZE", "1536x1024"),
		GenerationTimeout: ParseDurationEnv("GENERATION_TIMEOUT", 0),

		PlansFile:       os.Getenv("PLANS_FILE"),
		HistoryDebounce: ParseMillisEnv("HISTORY_DEBOUNCE_MS", 500),

		JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
		JWTIssuer: GetEnvOrDefault("AUTH_JWT_ISSUER", "thumbgen"),

		NATSURL:               os.Getenv("NATS_URL"),
		NATSSubjectPrefix:     GetEnvOrDefault("NATS_SUBJECT_PREFIX", "thumbgen"),
		TracingEnabled:        ParseBoolEnv("TRACING_ENABLED", false),
		GenerateRatePerMinute: ParseIntEnv("GENERATE_RATE_PER_MINUTE", 10),
	}

	if cfg.JWTSecret == "" && cfg.DevMode {
		cfg.JWTSecret = DevJWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges. It returns the first
// *ConfigError found.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return ErrMissingAuth("openai")
	}
	if c.JWTSecret == "" && !c.DevMode {
		return ErrMissingAuth("jwt")
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidConfig("PORT", fmt.Sprint(c.Port), "must be between 1 and 65535")
	}
	if c.CacheMaxEntries < 1 {
		return ErrInvalidConfig("CACHE_MAX_ENTRIES", fmt.Sprint(c.CacheMaxEntries), "must be at least 1")
	}
	if c.GenerationTimeout < 0 {
		return ErrInvalidConfig("GENERATION_TIMEOUT", c.GenerationTimeout.String(), "must not be negative")
	}
	if c.GenerateRatePerMinute < 0 {
		return ErrInvalidConfig("GENERATE_RATE_PER_MINUTE", fmt.Sprint(c.GenerateRatePerMinute), "must not be negative")
	}

	switch c.CacheBackend {
	case CacheBackendSQLite, CacheBackendMemory:
	case CacheBackendRedis:
		if c.RedisURL == "" {
			return ErrMissingConfig("REDIS_URL")
		}
	case CacheBackendS3:
		if c.S3Bucket == "" {
			return ErrMissingConfig("S3_BUCKET")
		}
		if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
			return ErrMissingAuth("s3")
		}
	default:
		return ErrInvalidConfig("CACHE_BACKEND", c.CacheBackend, "must be one of sqlite, redis, s3, memory")
	}
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetHTTPClient returns an HTTP client configured with TLS settings based on AllowSelfSignedCerts.
// Every outbound call to the image API goes through it.
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	client := &http.Client{
		Timeout: timeout,
	}

	if cfg.AllowSelfSignedCerts {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return client
}
