package config

import (
	"os"
	"strconv"
)

// ApplyEnv overrides config values from CODEROOM_* environment variables
func ApplyEnv(cfg *LocalConfig) {
	cfg.Daemon.Port = getEnvInt("CODEROOM_PORT", cfg.Daemon.Port)
	cfg.Daemon.Bind = getEnv("CODEROOM_BIND", cfg.Daemon.Bind)
	cfg.Daemon.LogLevel = getEnv("CODEROOM_LOG_LEVEL", cfg.Daemon.LogLevel)

	cfg.Sandbox.Image = getEnv("CODEROOM_IMAGE", cfg.Sandbox.Image)
	cfg.Sandbox.MemoryMB = getEnvInt("CODEROOM_MEMORY_MB", cfg.Sandbox.MemoryMB)
	cfg.Sandbox.CPULimit = getEnvFloat("CODEROOM_CPU_LIMIT", cfg.Sandbox.CPULimit)
	cfg.Sandbox.NetworkOff = getEnvBool("CODEROOM_NETWORK_OFF", cfg.Sandbox.NetworkOff)

	cfg.Sweep.IntervalSeconds = getEnvInt("CODEROOM_SWEEP_INTERVAL", cfg.Sweep.IntervalSeconds)
	cfg.Sweep.MaxIdleSeconds = getEnvInt("CODEROOM_MAX_IDLE", cfg.Sweep.MaxIdleSeconds)

	cfg.Storage.Driver = getEnv("CODEROOM_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.PostgresURL = getEnv("CODEROOM_POSTGRES_URL", cfg.Storage.PostgresURL)

	if url := getEnv("CODEROOM_RABBITMQ_URL", ""); url != "" {
		cfg.Queue.URL = url
		cfg.Queue.Enabled = true
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
