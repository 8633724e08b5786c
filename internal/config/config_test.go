package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing env vars
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("URGENT_CATEGORIES")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.RetryBaseDelay != 30 || cfg.RetryMaxDelay != 900 {
		t.Errorf("expected retry delays 30/900, got %d/%d", cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}

	if len(cfg.UrgentCategories) != 2 {
		t.Errorf("expected default urgent categories, got %v", cfg.UrgentCategories)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("WORKER_CONCURRENCY", "16")
	os.Setenv("URGENT_CATEGORIES", "urgent, security, fraud")
	os.Setenv("REDIS_ENABLED", "false")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("WORKER_CONCURRENCY")
		os.Unsetenv("URGENT_CATEGORIES")
		os.Unsetenv("REDIS_ENABLED")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.WorkerConcurrency != 16 {
		t.Errorf("expected 16 workers, got %d", cfg.WorkerConcurrency)
	}

	want := []string{"urgent", "security", "fraud"}
	if len(cfg.UrgentCategories) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.UrgentCategories)
	}
	for i, c := range want {
		if cfg.UrgentCategories[i] != c {
			t.Errorf("urgent category %d = %s, want %s", i, cfg.UrgentCategories[i], c)
		}
	}

	if cfg.RedisEnabled {
		t.Error("expected redis disabled")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	os.Setenv("PORT", "not-a-number")
	defer os.Unsetenv("PORT")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid PORT")
	}
}
