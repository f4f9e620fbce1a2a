package config

import (
	"encoding/json"
	"os"
)

// Config is the engine configuration loaded from file/env, used by the CLI
// and by embedders that want file-driven defaults. Per-queue settings passed
// in code take precedence.
type Config struct {
	DataDir           string `json:"dataDir"`
	FsyncMode         string `json:"fsyncMode"` // always|interval|never
	FsyncIntervalMs   int    `json:"fsyncIntervalMs"`
	Workers           int    `json:"workers"`
	MaxQueueSize      int    `json:"maxQueueSize"`
	MaxTries          int    `json:"maxTries"`
	RetryDelayMs      int    `json:"retryDelayMs"`
	MaxRetryDelayMs   int    `json:"maxRetryDelayMs"`
	RetryAlgorithm    string `json:"retryAlgorithm"` // fixed|exponential
	PersistRetryDelay int    `json:"persistRetryDelayMs"`
	LogLevel          string `json:"logLevel"`
	LogFormat         string `json:"logFormat"` // text|json
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		FsyncMode:         "always",
		FsyncIntervalMs:   5,
		RetryDelayMs:      1000,
		MaxRetryDelayMs:   60000,
		RetryAlgorithm:    "fixed",
		PersistRetryDelay: 1000,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults. Unknown fields are ignored so configs stay forward-compatible.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
