// Package config centralizes environment-driven configuration for every
// component, following the teacher's getEnv/getEnvAsInt convention but
// collected into a single typed value instead of scattering os.Getenv
// calls across packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds every environment-tunable knob described in the
// configuration surface.
type Config struct {
	ListenPort int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSchema   string

	RedisURL      string
	RedisPassword string
	RedisDB       int

	UpstreamURL    string
	CacheTTL       time.Duration
	UpstreamTimeout time.Duration

	RoundPeriod    time.Duration
	BettingWindow  time.Duration
	Tick           time.Duration
	MaxCrash       float64
	MaxStakeFiat   float64
	MinStakeFiat   float64
}

// Load reads configuration from the environment (via godotenv-loaded
// .env file plus the process environment), applying defaults for
// anything unset.
func Load() Config {
	return Config{
		ListenPort: getEnvAsInt("LISTEN_PORT", 3000),

		DBHost:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
		DBPort:     getEnv("BLUEPRINT_DB_PORT", "5432"),
		DBUser:     getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
		DBPassword: getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
		DBName:     getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
		DBSchema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		UpstreamURL:     getEnv("UPSTREAM_URL", "https://api.coingecko.com/api/v3"),
		CacheTTL:        getEnvAsDuration("CACHE_TTL_MS", 10_000*time.Millisecond),
		UpstreamTimeout: getEnvAsDuration("UPSTREAM_TIMEOUT_MS", 5_000*time.Millisecond),

		RoundPeriod:   getEnvAsDuration("ROUND_PERIOD_MS", 10_000*time.Millisecond),
		BettingWindow: getEnvAsDuration("BETTING_WINDOW_MS", 3_000*time.Millisecond),
		Tick:          getEnvAsDuration("TICK_MS", 100*time.Millisecond),
		MaxCrash:      getEnvAsFloat("MAX_CRASH", 120.00),
		MaxStakeFiat:  getEnvAsFloat("MAX_STAKE_FIAT", 10_000.00),
		MinStakeFiat:  getEnvAsFloat("MIN_STAKE_FIAT", 0.01),
	}
}

// DSN returns a PostgreSQL connection string suitable for pgx.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
