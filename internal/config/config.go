package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName        = "WalletLedger"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultLockTimeout    = 3 * time.Second
	defaultRateLimit      = 120
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	LockTimeout    time.Duration
	RateLimit      int
	MigrateOnStart bool
}

// Load reads a .env file when one exists, then populates a Config from the
// environment. Variables already set in the environment win over .env.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv populates a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:     getEnv("APP_NAME", defaultAppName),
		AppEnv:      strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", time.Second, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", time.Second, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = durationEnv("LOCK_TIMEOUT", time.Millisecond, defaultLockTimeout); err != nil {
		return Config{}, err
	}

	cfg.RateLimit = defaultRateLimit
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %q", v)
		}
		cfg.RateLimit = n
	}

	cfg.MigrateOnStart = true
	if v := os.Getenv("MIGRATE_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MIGRATE_ON_START: %w", err)
		}
		cfg.MigrateOnStart = b
	}

	if cfg.IsDevelopment() {
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	return cfg, nil
}

// IsDevelopment reports whether the service may fall back to in-memory storage.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev" || c.AppEnv == "local"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv reads NAME_<UNIT> as an integer count of unit first, then NAME
// as a Go duration string.
func durationEnv(name string, unit time.Duration, fallback time.Duration) (time.Duration, error) {
	suffix := "_SECONDS"
	if unit == time.Millisecond {
		suffix = "_MS"
	}

	if v := os.Getenv(name + suffix); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name+suffix, err)
		}
		return time.Duration(n) * unit, nil
	}
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	return fallback, nil
}
