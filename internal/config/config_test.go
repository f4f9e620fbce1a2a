package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FsyncMode != "always" || cfg.RetryDelayMs != 1000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"dataDir":"/var/spillq","workers":8}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/spillq" || cfg.Workers != 8 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.FsyncMode != "always" {
		t.Fatalf("defaults lost on overlay: %+v", cfg)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{nope`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SPILLQ_DATA_DIR", "/data/q")
	t.Setenv("SPILLQ_WORKERS", "16")
	t.Setenv("SPILLQ_RETRY_ALGORITHM", "exponential")
	t.Setenv("SPILLQ_MAX_TRIES", "oops") // ignored

	cfg := Default()
	cfg.MaxTries = 3
	FromEnv(&cfg)
	if cfg.DataDir != "/data/q" || cfg.Workers != 16 || cfg.RetryAlgorithm != "exponential" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.MaxTries != 3 {
		t.Fatalf("invalid env value should be ignored, got %d", cfg.MaxTries)
	}
}
