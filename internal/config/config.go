// Package config loads the moderation service configuration from the
// environment, reading a .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/moderation/internal/policy"
)

// Config holds all configuration for the service.
type Config struct {
	Env            string
	ListenAddr     string
	LogLevel       string
	InternalAPIKey string
	CORSOrigins    []string

	Thresholds policy.Thresholds
	CacheTTL   time.Duration
	Cooldown   time.Duration

	WSBatchSize int
	WSBatchWait time.Duration

	// Remote classifier; the keyword classifier is used when both are empty.
	HFModelID  string
	HFAPIURL   string
	HFAPIToken string

	// Notification sinks; each is disabled when its address is empty.
	NextAPIBaseURL string
	NextAPIKey     string
	NATSURL        string
	DatabaseURL    string

	RedisAddr          string
	RateLimitPerMinute int
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if it exists; variables already set in
// the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Env:            getEnv("APP_ENV", "development"),
		ListenAddr:     getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		InternalAPIKey: os.Getenv("INTERNAL_API_KEY"),
		CORSOrigins:    getList("CORS_ORIGINS"),

		Thresholds: policy.Thresholds{
			Toxic:    getFloat("TOXIC_THRESHOLD", 0.60, &errs),
			HighRisk: getFloat("HIGH_RISK_THRESHOLD", 0.85, &errs),
		},
		CacheTTL: getSeconds("MODERATION_CACHE_TTL_SECONDS", 10, &errs),
		Cooldown: getSeconds("MODERATION_COOLDOWN_SECONDS", 0.2, &errs),

		WSBatchSize: getInt("WS_BATCH_SIZE", 32, &errs),
		WSBatchWait: getSeconds("WS_BATCH_WAIT_SECONDS", 0.01, &errs),

		HFModelID:  os.Getenv("HF_MODEL_ID"),
		HFAPIURL:   os.Getenv("HF_API_URL"),
		HFAPIToken: os.Getenv("HF_API_TOKEN"),

		NextAPIBaseURL: os.Getenv("NEXT_API_BASE_URL"),
		NextAPIKey:     os.Getenv("NEXT_API_KEY"),
		NATSURL:        os.Getenv("NATS_URL"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),

		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 120, &errs),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and production requirements.
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch {
	case c.CacheTTL < 0:
		return errors.New("config: MODERATION_CACHE_TTL_SECONDS must not be negative")
	case c.Cooldown < 0:
		return errors.New("config: MODERATION_COOLDOWN_SECONDS must not be negative")
	case c.WSBatchSize < 1:
		return errors.New("config: WS_BATCH_SIZE must be at least 1")
	case c.WSBatchWait < 0:
		return errors.New("config: WS_BATCH_WAIT_SECONDS must not be negative")
	case c.RateLimitPerMinute < 1:
		return errors.New("config: RATE_LIMIT_PER_MINUTE must be at least 1")
	}

	if c.Env == "production" && c.InternalAPIKey == "" {
		return errors.New("config: INTERNAL_API_KEY is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// UseRemoteClassifier reports whether a hosted inference endpoint is
// configured.
func (c *Config) UseRemoteClassifier() bool {
	return c.HFModelID != "" || c.HFAPIURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getFloat(key string, defaultValue float64, errs *[]error) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return defaultValue
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		*errs = append(*errs, fmt.Errorf("config: %s: %q is not a finite number", key, raw))
		return defaultValue
	}
	return v
}

func getInt(key string, defaultValue int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return defaultValue
	}
	return v
}

// getSeconds parses a possibly fractional number of seconds.
func getSeconds(key string, defaultValue float64, errs *[]error) time.Duration {
	return time.Duration(getFloat(key, defaultValue, errs) * float64(time.Second))
}
