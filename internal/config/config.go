// Package config loads platform configuration from flags and environment
// variables, following cmd/server/main.go's envOrDefault precedence.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in spec.md §6: store host and port, bind
// host and port, probe interval, failure threshold, retry count, retry
// delay, plus the log level ambient concern.
type Config struct {
	BindAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ProbeInterval   time.Duration
	FailureThreshold int
	RetryCount      int
	RetryDelay      time.Duration

	LogLevel string
}

// Load reads configuration from the environment, falling back to the
// platform's defaults when a variable is unset.
func Load() Config {
	return Config{
		BindAddr: envOrDefault("AGENTFLOW_BIND_ADDR", ":8080"),

		RedisAddr:     envOrDefault("AGENTFLOW_REDIS_ADDR", "localhost:6379"),
		RedisPassword: envOrDefault("AGENTFLOW_REDIS_PASSWORD", ""),
		RedisDB:       envOrDefaultInt("AGENTFLOW_REDIS_DB", 0),

		ProbeInterval:    envOrDefaultDuration("AGENTFLOW_PROBE_INTERVAL", 3*time.Second),
		FailureThreshold: envOrDefaultInt("AGENTFLOW_FAILURE_THRESHOLD", 3),
		RetryCount:       envOrDefaultInt("AGENTFLOW_RETRY_COUNT", 3),
		RetryDelay:       envOrDefaultDuration("AGENTFLOW_RETRY_DELAY", time.Second),

		LogLevel: envOrDefault("AGENTFLOW_LOG_LEVEL", "info"),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
