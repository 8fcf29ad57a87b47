// Package config reads runtime configuration from environment
// variables, applies defaults, and validates values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the batch engine.
type Config struct {
	Port        int
	LogLevel    string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the read-through cache
	CacheTTL    time.Duration

	BatchTime     string // HH:MM, local time
	SchedulerTick time.Duration
	OrderTimeout  time.Duration

	DailyMaxOrders int
	DailyMaxValue  decimal.Decimal

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables. It returns an
// error for any value that fails to parse or validate.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	batchTime := getStr("BATCH_TIME", "14:00")
	if _, err := time.Parse("15:04", batchTime); err != nil {
		return nil, fmt.Errorf("invalid BATCH_TIME: %w", err)
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	schedulerTick, err := getDuration("SCHEDULER_TICK", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TICK: %w", err)
	}

	orderTimeout, err := getDuration("ORDER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid ORDER_TIMEOUT: %w", err)
	}

	dailyMaxOrders, err := getInt("DAILY_MAX_ORDERS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DAILY_MAX_ORDERS: %w", err)
	}

	dailyMaxValue, err := getDecimal("DAILY_MAX_VALUE", decimal.NewFromInt(100000))
	if err != nil {
		return nil, fmt.Errorf("invalid DAILY_MAX_VALUE: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     getStr("DATABASE_URL", ""),
		RedisURL:        getStr("REDIS_URL", ""),
		CacheTTL:        cacheTTL,
		BatchTime:       batchTime,
		SchedulerTick:   schedulerTick,
		OrderTimeout:    orderTimeout,
		DailyMaxOrders:  dailyMaxOrders,
		DailyMaxValue:   dailyMaxValue,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// SlogLevel maps the configured level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
