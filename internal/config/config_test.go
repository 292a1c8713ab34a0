package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TWINCAST_API_SECRET", "test-api-secret")
	t.Setenv("TWINCAST_WEBHOOK_SECRET", "test-webhook-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.LLM.EmbedDim != 768 {
		t.Errorf("EmbedDim = %d, want 768", cfg.LLM.EmbedDim)
	}
	if cfg.Queue.CompletedKeep != 20 || cfg.Queue.CompletedAge != 24*time.Hour {
		t.Errorf("completed retention = %d/%v, want 20/24h", cfg.Queue.CompletedKeep, cfg.Queue.CompletedAge)
	}
	if cfg.Queue.FailedKeep != 20 || cfg.Queue.FailedAge != 7*24*time.Hour {
		t.Errorf("failed retention = %d/%v, want 20/168h", cfg.Queue.FailedKeep, cfg.Queue.FailedAge)
	}
	if cfg.Queue.WebhookConcurrency != 2 {
		t.Errorf("WebhookConcurrency = %d, want 2", cfg.Queue.WebhookConcurrency)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TWINCAST_PORT", "8080")
	t.Setenv("TWINCAST_LLM_MODEL", "gpt-5")
	t.Setenv("TWINCAST_REDIS_URL", "redis://redis:6379/1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-5" {
		t.Errorf("Model = %q, want gpt-5", cfg.LLM.Model)
	}
	if cfg.Redis.URL != "redis://redis:6379/1" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
}

func TestLoad_QueueOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TWINCAST_QUEUE_COMPLETED_KEEP", "50")
	t.Setenv("TWINCAST_QUEUE_COMPLETED_AGE", "48h")
	t.Setenv("TWINCAST_QUEUE_FAILED_KEEP", "100")
	t.Setenv("TWINCAST_QUEUE_FAILED_AGE", "336h")
	t.Setenv("TWINCAST_WEBHOOK_RATE_LIMIT", "30")
	t.Setenv("TWINCAST_WEBHOOK_RATE_WINDOW", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.CompletedKeep != 50 || cfg.Queue.CompletedAge != 48*time.Hour {
		t.Errorf("completed retention = %d/%v, want 50/48h", cfg.Queue.CompletedKeep, cfg.Queue.CompletedAge)
	}
	if cfg.Queue.FailedKeep != 100 || cfg.Queue.FailedAge != 14*24*time.Hour {
		t.Errorf("failed retention = %d/%v, want 100/336h", cfg.Queue.FailedKeep, cfg.Queue.FailedAge)
	}
	if cfg.Queue.WebhookRateLimit != 30 {
		t.Errorf("WebhookRateLimit = %d, want 30", cfg.Queue.WebhookRateLimit)
	}
	if cfg.Queue.WebhookRateWindow != time.Minute {
		t.Errorf("WebhookRateWindow = %v, want 1m", cfg.Queue.WebhookRateWindow)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("TWINCAST_QUEUE_COMPLETED_AGE", "two days")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted unparseable retention age")
	}
}

func TestLoad_MissingSecrets(t *testing.T) {
	t.Setenv("TWINCAST_API_SECRET", "")
	t.Setenv("TWINCAST_WEBHOOK_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded without required secrets")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	setRequired(t)
	t.Setenv("TWINCAST_PORT", "99999")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted out-of-range port")
	}
}

func TestLoad_BadNumber(t *testing.T) {
	setRequired(t)
	t.Setenv("TWINCAST_LLM_EMBED_DIM", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted non-numeric embed dimension")
	}
}
