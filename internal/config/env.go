package config

import (
	"os"
	"strconv"
)

// FromEnv overlays SPILLQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("SPILLQ_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SPILLQ_FSYNC_MODE"); v != "" {
		cfg.FsyncMode = v
	}
	if v := os.Getenv("SPILLQ_FSYNC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FsyncIntervalMs = n
		}
	}
	if v := os.Getenv("SPILLQ_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SPILLQ_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueueSize = n
		}
	}
	if v := os.Getenv("SPILLQ_MAX_TRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTries = n
		}
	}
	if v := os.Getenv("SPILLQ_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryDelayMs = n
		}
	}
	if v := os.Getenv("SPILLQ_MAX_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetryDelayMs = n
		}
	}
	if v := os.Getenv("SPILLQ_RETRY_ALGORITHM"); v != "" {
		cfg.RetryAlgorithm = v
	}
	if v := os.Getenv("SPILLQ_PERSIST_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PersistRetryDelay = n
		}
	}
	if v := os.Getenv("SPILLQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPILLQ_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
