// Package config loads runtime settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"mancanexus/internal/circulation"
)

// Config holds every setting read by the binaries.
type Config struct {
	Env  string
	Port string

	// DatabaseURL selects the Postgres store. Empty means in-memory.
	DatabaseURL string

	RentalDefaultDays int
	RentalMaxActive   int
	SweepInterval     time.Duration
	SweepBatch        int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AMQPURL   string
	AMQPQueue string

	OTLPEndpoint string
	ServiceName  string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:           getEnv("APP_ENV", "prod"),
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		AMQPQueue:     getEnv("AMQP_QUEUE", "lifecycle.events"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:   getEnv("OTEL_SERVICE_NAME", "mancanexus"),
	}

	var errs []error
	cfg.RentalDefaultDays = envInt("RENTAL_DEFAULT_DAYS", 7, &errs)
	cfg.RentalMaxActive = envInt("RENTAL_MAX_ACTIVE", 3, &errs)
	cfg.SweepInterval = envDuration("SWEEP_INTERVAL", 0, &errs)
	cfg.SweepBatch = envInt("SWEEP_BATCH", 100, &errs)
	cfg.RedisDB = envInt("REDIS_DB", 0, &errs)
	cfg.RateLimitRPS = envFloat("RATE_LIMIT_RPS", 100, &errs)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", 200, &errs)

	if cfg.RentalDefaultDays <= 0 || cfg.RentalDefaultDays > circulation.MaxPeriodDays {
		errs = append(errs, fmt.Errorf("RENTAL_DEFAULT_DAYS must be between 1 and %d, got %d", circulation.MaxPeriodDays, cfg.RentalDefaultDays))
	}
	if cfg.RentalMaxActive <= 0 {
		errs = append(errs, fmt.Errorf("RENTAL_MAX_ACTIVE must be positive, got %d", cfg.RentalMaxActive))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrDatabaseRequired is returned by RequireDatabase when DATABASE_URL is unset.
var ErrDatabaseRequired = errors.New("DATABASE_URL is required")

// RequireDatabase fails when no database is configured. Processes that only
// act on shared state, such as the overdue sweeper, cannot fall back to an
// in-memory store.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrDatabaseRequired
	}
	return nil
}

// Dev reports whether the process runs in a development environment.
func (c Config) Dev() bool {
	return strings.EqualFold(c.Env, "dev") || strings.EqualFold(c.Env, "development")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid int for %s: %q", key, v))
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid number for %s: %q", key, v))
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid duration for %s: %q", key, v))
		return fallback
	}
	return d
}
